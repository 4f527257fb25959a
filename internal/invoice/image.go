package invoice

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the processing state of an invoice image. It is mutated only
// by the pipeline stages or by manual correction.
type Status string

const (
	StatusUploaded           Status = "uploaded"
	StatusOCRRunning         Status = "ocr_running"
	StatusOCRComplete        Status = "ocr_complete"
	StatusOCRNoText          Status = "ocr_no_text"
	StatusOCRFailed          Status = "ocr_failed"
	StatusAnalysisRunning    Status = "analysis_running"
	StatusAnalysisComplete   Status = "analysis_complete"
	StatusAnalysisNotInvoice Status = "analysis_not_invoice"
	StatusAnalysisFailed     Status = "analysis_failed"
)

// RunningStaleAfter is the window after which a record stuck in a
// *_running state is treated as retry-eligible by every reader. It
// substitutes for an active reconciliation job.
const RunningStaleAfter = 5 * time.Minute

// transitions is the canonical state machine.
var transitions = map[Status][]Status{
	StatusUploaded:        {StatusOCRRunning},
	StatusOCRRunning:      {StatusOCRComplete, StatusOCRNoText, StatusOCRFailed},
	StatusOCRFailed:       {StatusOCRRunning},
	StatusOCRComplete:     {StatusAnalysisRunning},
	StatusAnalysisRunning: {StatusAnalysisComplete, StatusAnalysisNotInvoice, StatusAnalysisFailed},
	StatusAnalysisFailed:  {StatusAnalysisRunning},
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusUploaded, StatusOCRRunning, StatusOCRComplete, StatusOCRNoText,
		StatusOCRFailed, StatusAnalysisRunning, StatusAnalysisComplete,
		StatusAnalysisNotInvoice, StatusAnalysisFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no stage naturally proceeds from s without
// manual correction.
func IsTerminal(s Status) bool {
	return s == StatusOCRNoText || s == StatusAnalysisComplete || s == StatusAnalysisNotInvoice
}

// IsRunning reports whether s is a stage in-flight marker.
func IsRunning(s Status) bool {
	return s == StatusOCRRunning || s == StatusAnalysisRunning
}

// Analysis holds the structured fields derived from the OCR text. Error is
// non-empty when the model output could not be parsed and the record was
// completed with a low-confidence result instead.
type Analysis struct {
	TotalAmount  *float64 `json:"total_amount"`
	Currency     string   `json:"currency,omitempty"`
	Date         string   `json:"date,omitempty"`
	MerchantName string   `json:"merchant_name,omitempty"`
	Location     string   `json:"location,omitempty"`
	TaxAmount    *float64 `json:"tax_amount"`
	Category     string   `json:"category,omitempty"`
	IsInvoice    bool     `json:"is_invoice"`
	Error        string   `json:"error,omitempty"`
}

// Value implements driver.Valuer so the analysis persists as a JSON column.
func (a Analysis) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Analysis) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported analysis column type %T", value)
	}
}

// Project is the owning container for invoice images. Deleting a project
// cascades to its images.
type Project struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"index;not null"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Image is the per-document metadata record the pipeline mutates. ID is
// client-generated and unique per project; ID, ProjectID, OwnerID and
// ObjectReference are write-once.
type Image struct {
	ID               string `json:"id" gorm:"primaryKey"`
	ProjectID        string `json:"project_id" gorm:"primaryKey"`
	OwnerID          string `json:"owner_id" gorm:"index;not null"`
	ObjectReference  string `json:"object_reference" gorm:"not null"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	Status           Status `json:"status" gorm:"not null"`

	OCRText       *string   `json:"ocr_text" gorm:"column:ocr_text"`
	OCRConfidence *float64  `json:"ocr_confidence" gorm:"column:ocr_confidence"`
	Analysis      *Analysis `json:"analysis" gorm:"type:jsonb"`
	ErrorMessage  *string   `json:"error_message"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	UploadedAt          time.Time  `json:"uploaded_at"`
	OCRProcessedAt      *time.Time `json:"ocr_processed_at" gorm:"column:ocr_processed_at"`
	AnalysisProcessedAt *time.Time `json:"analysis_processed_at"`

	Project Project `json:"-" gorm:"foreignKey:ProjectID;references:ID;constraint:OnDelete:CASCADE"`
}

// RetryEligible reports whether a reader should offer a retry for this
// record: either a stage failed, or a stage has been in-flight longer than
// the provider timeout window.
func (img *Image) RetryEligible(now time.Time) bool {
	switch img.Status {
	case StatusOCRFailed, StatusAnalysisFailed:
		return true
	case StatusOCRRunning, StatusAnalysisRunning:
		return now.Sub(img.UpdatedAt) > RunningStaleAfter
	}
	return false
}

// CanStartOCR reports whether the OCR stage may begin for this record. A
// stale ocr_running record counts as a retry start.
func (img *Image) CanStartOCR(now time.Time) bool {
	switch img.Status {
	case StatusUploaded, StatusOCRFailed:
		return true
	case StatusOCRRunning:
		return now.Sub(img.UpdatedAt) > RunningStaleAfter
	}
	return false
}

// CanStartAnalysis reports whether the analysis stage may begin. It is
// only reachable from a successful OCR state or a failed/stale analysis.
func (img *Image) CanStartAnalysis(now time.Time) bool {
	switch img.Status {
	case StatusOCRComplete, StatusAnalysisFailed:
		return true
	case StatusAnalysisRunning:
		return now.Sub(img.UpdatedAt) > RunningStaleAfter
	}
	return false
}

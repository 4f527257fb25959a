package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledgerlens/ledgerlens/internal/analysis"
	"github.com/ledgerlens/ledgerlens/internal/identity"
)

// RunOCR executes the OCR stage for a record. The stage owns every ocr_*
// field: each run overwrites text, confidence and the processed timestamp
// wholesale, so a retry leaves no residue from the previous attempt.
// Provider and storage failures are folded into the record as ocr_failed
// and do not surface as operation errors.
func (s *Service) RunOCR(ctx context.Context, principal *identity.Principal, projectID, id string) (*Image, error) {
	img, err := s.ownedImage(principal, projectID, id)
	if err != nil {
		return nil, err
	}
	if !img.CanStartOCR(s.timeSource.Now()) {
		return nil, fmt.Errorf("cannot start ocr from status %s: %w", img.Status, ErrInvalidState)
	}

	// A running record carries no error message; the previous attempt's
	// failure must not be visible while the retry is in flight.
	if err := s.db.UpdateImage(projectID, id, map[string]any{
		"status":        StatusOCRRunning,
		"error_message": nil,
	}); err != nil {
		return nil, fmt.Errorf("marking ocr running: %w", err)
	}

	slog.Info("Running OCR stage", "project_id", projectID, "image_id", id)

	text, confidence, stageErr := s.detectText(ctx, img)
	if stageErr != nil {
		slog.Error("OCR stage failed", "project_id", projectID, "image_id", id, "error", stageErr)
		return s.foldOutcome(projectID, id, map[string]any{
			"status":           StatusOCRFailed,
			"error_message":    stageErr.Error(),
			"ocr_text":         nil,
			"ocr_confidence":   nil,
			"ocr_processed_at": nil,
		})
	}

	now := s.timeSource.Now()
	status := StatusOCRComplete
	if strings.TrimSpace(text) == "" {
		status = StatusOCRNoText
		text = ""
	}
	return s.foldOutcome(projectID, id, map[string]any{
		"status":           status,
		"ocr_text":         text,
		"ocr_confidence":   confidence,
		"error_message":    nil,
		"ocr_processed_at": now,
	})
}

// detectText resolves a read reference for the blob and runs the provider.
func (s *Service) detectText(ctx context.Context, img *Image) (string, *float64, error) {
	loc, err := s.blobs.SignedReadURL(ctx, img.ObjectReference)
	if err != nil {
		return "", nil, fmt.Errorf("resolving blob reference: %w", err)
	}
	result, err := s.ocr.DetectText(ctx, loc.URL, img.ContentType)
	if err != nil {
		return "", nil, fmt.Errorf("detecting text: %w", err)
	}
	return result.FullText, result.Confidence, nil
}

// AnalysisRequest carries optional overrides for the analysis stage.
// OCRText, when set, is used instead of the stored text; the record's own
// text is untouched either way.
type AnalysisRequest struct {
	OCRText *string `json:"ocr_text,omitempty"`
}

// RunAnalysis executes the generative analysis stage. Provider failures set
// only the status and error message and leave any previous analysis intact;
// an unparseable completion still completes the record, with a
// low-confidence not-an-invoice analysis carrying a parse error marker.
func (s *Service) RunAnalysis(ctx context.Context, principal *identity.Principal, projectID, id string, req AnalysisRequest) (*Image, error) {
	img, err := s.ownedImage(principal, projectID, id)
	if err != nil {
		return nil, err
	}
	if !img.CanStartAnalysis(s.timeSource.Now()) {
		return nil, fmt.Errorf("cannot start analysis from status %s: %w", img.Status, ErrInvalidState)
	}

	text := ""
	if img.OCRText != nil {
		text = *img.OCRText
	}
	if req.OCRText != nil {
		text = *req.OCRText
	}

	if err := s.db.UpdateImage(projectID, id, map[string]any{
		"status":        StatusAnalysisRunning,
		"error_message": nil,
	}); err != nil {
		return nil, fmt.Errorf("marking analysis running: %w", err)
	}

	slog.Info("Running analysis stage", "project_id", projectID, "image_id", id)

	completion, err := s.analyzer.Generate(ctx, analysis.BuildPrompt(text))
	if err != nil {
		slog.Error("Analysis stage failed", "project_id", projectID, "image_id", id, "error", err)
		return s.foldOutcome(projectID, id, map[string]any{
			"status":        StatusAnalysisFailed,
			"error_message": err.Error(),
		})
	}

	now := s.timeSource.Now()
	extraction, err := analysis.ParseExtraction(completion)
	if err != nil {
		slog.Warn("Analysis completion could not be parsed",
			"project_id", projectID, "image_id", id, "error", err)
		return s.foldOutcome(projectID, id, map[string]any{
			"status":                StatusAnalysisComplete,
			"analysis":              &Analysis{IsInvoice: false, Error: "parse failure"},
			"error_message":         nil,
			"analysis_processed_at": now,
		})
	}

	status := StatusAnalysisComplete
	if !extraction.IsInvoice {
		status = StatusAnalysisNotInvoice
	}
	return s.foldOutcome(projectID, id, map[string]any{
		"status":                status,
		"analysis":              extractionToAnalysis(extraction),
		"error_message":         nil,
		"analysis_processed_at": now,
	})
}

// foldOutcome writes the stage outcome and re-reads the record. The stage
// result, success or failure, always comes back as the updated record.
func (s *Service) foldOutcome(projectID, id string, fields map[string]any) (*Image, error) {
	if err := s.db.UpdateImage(projectID, id, fields); err != nil {
		return nil, fmt.Errorf("recording stage outcome: %w", err)
	}
	img, err := s.db.GetImage(projectID, id)
	if err != nil {
		return nil, fmt.Errorf("reloading image: %w", err)
	}
	return img, nil
}

func extractionToAnalysis(e *analysis.Extraction) *Analysis {
	return &Analysis{
		TotalAmount:  e.TotalAmount,
		Currency:     e.Currency,
		Date:         e.Date,
		MerchantName: e.MerchantName,
		Location:     e.Location,
		TaxAmount:    e.TaxAmount,
		Category:     e.Category,
		IsInvoice:    e.IsInvoice,
		Error:        e.Error,
	}
}

// CorrectionRequest carries a manual correction. Status, when set, must be
// a known value but may be any value; corrections bypass the transition
// table on purpose.
type CorrectionRequest struct {
	Status   *Status   `json:"status,omitempty"`
	Analysis *Analysis `json:"analysis,omitempty"`
}

// Correct applies a manual correction to a record. It is the escape hatch
// for operator fixes and deliberately skips the state machine.
func (s *Service) Correct(ctx context.Context, principal *identity.Principal, projectID, id string, req CorrectionRequest) (*Image, error) {
	if _, err := s.ownedImage(principal, projectID, id); err != nil {
		return nil, err
	}
	if req.Status == nil && req.Analysis == nil {
		return nil, &ValidationError{Field: "correction", Reason: "at least one of status or analysis is required"}
	}

	fields := map[string]any{}
	if req.Status != nil {
		if !ValidStatus(*req.Status) {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *req.Status)}
		}
		fields["status"] = *req.Status
	}
	if req.Analysis != nil {
		fields["analysis"] = req.Analysis
	}

	slog.Info("Applying manual correction", "project_id", projectID, "image_id", id)

	if err := s.db.UpdateImage(projectID, id, fields); err != nil {
		return nil, fmt.Errorf("applying correction: %w", err)
	}
	img, err := s.db.GetImage(projectID, id)
	if err != nil {
		return nil, fmt.Errorf("reloading image: %w", err)
	}
	return img, nil
}

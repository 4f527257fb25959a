package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerlens/ledgerlens/internal/analysis"
	"github.com/ledgerlens/ledgerlens/internal/identity"
	"github.com/ledgerlens/ledgerlens/internal/ocr"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service orchestrates record operations and the two pipeline stages.
// Every operation takes the verified principal and enforces ownership.
type Service struct {
	db         DB
	blobs      BlobStore
	ocr        ocr.Provider
	analyzer   analysis.Provider
	timeSource TimeSource
}

// NewService creates a new Service with the default time source.
func NewService(db DB, blobs BlobStore, ocrProvider ocr.Provider, analyzer analysis.Provider) *Service {
	return &Service{
		db:         db,
		blobs:      blobs,
		ocr:        ocrProvider,
		analyzer:   analyzer,
		timeSource: &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with a custom time source for
// testing.
func NewServiceWithDeps(db DB, blobs BlobStore, ocrProvider ocr.Provider, analyzer analysis.Provider, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		blobs:      blobs,
		ocr:        ocrProvider,
		analyzer:   analyzer,
		timeSource: timeSrc,
	}
}

// sanitizeFilename cleans up a filename by removing special characters and
// truncating length; phone-generated filenames can be long and messy.
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")

	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(base, " ")

	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "document"
	}

	return base + ext
}

// ownedProject loads a project and enforces ownership. A project owned by
// someone else is indistinguishable from a missing one.
func (s *Service) ownedProject(principal *identity.Principal, projectID string) (*Project, error) {
	project, err := s.db.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != principal.UserID {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return project, nil
}

// ownedImage loads an image record and enforces ownership with the same
// uniform ErrNotFound.
func (s *Service) ownedImage(principal *identity.Principal, projectID, id string) (*Image, error) {
	img, err := s.db.GetImage(projectID, id)
	if err != nil {
		return nil, err
	}
	if img.OwnerID != principal.UserID {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return img, nil
}

// CreateProject creates a new project owned by the principal.
func (s *Service) CreateProject(ctx context.Context, principal *identity.Principal, name string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	now := s.timeSource.Now()
	project := &Project{
		ID:        uuid.NewString(),
		OwnerID:   principal.UserID,
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateProject(project); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

// ProjectDeleteResult reports the outcome of a project cascade delete.
// Blob failures are reported, not rolled back.
type ProjectDeleteResult struct {
	RecordsDeleted int      `json:"records_deleted"`
	BlobFailures   []string `json:"blob_failures,omitempty"`
}

// DeleteProject removes a project and all its image records, deleting the
// backing blobs best-effort.
func (s *Service) DeleteProject(ctx context.Context, principal *identity.Principal, projectID string) (*ProjectDeleteResult, error) {
	if _, err := s.ownedProject(principal, projectID); err != nil {
		return nil, err
	}

	images, err := s.db.ListImagesByProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("listing images for deletion: %w", err)
	}

	result := &ProjectDeleteResult{RecordsDeleted: len(images)}
	for _, img := range images {
		if err := s.blobs.Delete(ctx, img.ObjectReference); err != nil {
			slog.Warn("Failed to delete blob during project cascade",
				"project_id", projectID, "image_id", img.ID, "error", err)
			result.BlobFailures = append(result.BlobFailures, img.ObjectReference)
		}
	}

	if err := s.db.DeleteProject(projectID); err != nil {
		return nil, fmt.Errorf("deleting project: %w", err)
	}
	return result, nil
}

// RequestUploadLocation issues a time-limited write reference for a new
// document under the project.
func (s *Service) RequestUploadLocation(ctx context.Context, principal *identity.Principal, projectID, filename, contentType string) (*WriteLocation, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, &ValidationError{Field: "filename", Reason: "must not be empty"}
	}
	if _, err := s.ownedProject(principal, projectID); err != nil {
		return nil, err
	}

	objectPath := fmt.Sprintf("projects/%s/images/%s_%s", projectID, uuid.NewString(), sanitizeFilename(filename))
	loc, err := s.blobs.SignedWriteURL(ctx, objectPath, contentType)
	if err != nil {
		return nil, fmt.Errorf("issuing write location: %w", err)
	}
	return loc, nil
}

// ConfirmUploadRequest carries the client-confirmed upload metadata.
type ConfirmUploadRequest struct {
	ID               string `json:"id"`
	ObjectReference  string `json:"object_reference"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
}

// ConfirmUpload creates the image record once the client has written the
// blob. The record starts in the uploaded state.
func (s *Service) ConfirmUpload(ctx context.Context, principal *identity.Principal, projectID string, req ConfirmUploadRequest) (*Image, error) {
	if req.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if req.ObjectReference == "" {
		return nil, &ValidationError{Field: "object_reference", Reason: "must not be empty"}
	}
	if req.OriginalFilename == "" {
		return nil, &ValidationError{Field: "original_filename", Reason: "must not be empty"}
	}
	if _, err := s.ownedProject(principal, projectID); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	img := &Image{
		ID:               req.ID,
		ProjectID:        projectID,
		OwnerID:          principal.UserID,
		ObjectReference:  req.ObjectReference,
		OriginalFilename: req.OriginalFilename,
		ContentType:      req.ContentType,
		Status:           StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
		UploadedAt:       now,
	}
	if err := s.db.CreateImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

// GetImage retrieves an image record.
func (s *Service) GetImage(ctx context.Context, principal *identity.Principal, projectID, id string) (*Image, error) {
	return s.ownedImage(principal, projectID, id)
}

// ListImages returns the project's image records ordered by creation time.
func (s *Service) ListImages(ctx context.Context, principal *identity.Principal, projectID string) ([]*Image, error) {
	if _, err := s.ownedProject(principal, projectID); err != nil {
		return nil, err
	}
	images, err := s.db.ListImagesByProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return images, nil
}

// ReadLocation issues a time-limited read reference for the stored blob.
func (s *Service) ReadLocation(ctx context.Context, principal *identity.Principal, projectID, id string) (*ReadLocation, error) {
	img, err := s.ownedImage(principal, projectID, id)
	if err != nil {
		return nil, err
	}
	loc, err := s.blobs.SignedReadURL(ctx, img.ObjectReference)
	if err != nil {
		return nil, fmt.Errorf("issuing read location: %w", err)
	}
	return loc, nil
}

// DeleteResult reports the record and blob outcomes of a delete as two
// independent results; the record store is authoritative for visibility
// and an orphaned blob is an acceptable, recoverable cost.
type DeleteResult struct {
	RecordDeleted bool   `json:"record_deleted"`
	BlobDeleted   bool   `json:"blob_deleted"`
	BlobError     string `json:"blob_error,omitempty"`
}

// DeleteImage removes the record and attempts the blob deletion.
func (s *Service) DeleteImage(ctx context.Context, principal *identity.Principal, projectID, id string) (*DeleteResult, error) {
	img, err := s.ownedImage(principal, projectID, id)
	if err != nil {
		return nil, err
	}

	if err := s.db.DeleteImage(projectID, id); err != nil {
		return nil, fmt.Errorf("deleting image record: %w", err)
	}

	result := &DeleteResult{RecordDeleted: true, BlobDeleted: true}
	if err := s.blobs.Delete(ctx, img.ObjectReference); err != nil {
		slog.Warn("Failed to delete blob", "object", img.ObjectReference, "error", err)
		result.BlobDeleted = false
		result.BlobError = err.Error()
	}
	return result, nil
}

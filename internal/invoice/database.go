package invoice

// updatableFields lists the column names a record update may touch. ID,
// project, owner, object reference and creation timestamps are write-once
// and deliberately absent.
var updatableFields = map[string]bool{
	"status":                true,
	"ocr_text":              true,
	"ocr_confidence":        true,
	"analysis":              true,
	"error_message":         true,
	"ocr_processed_at":      true,
	"analysis_processed_at": true,
}

// validateFields rejects updates naming unknown or immutable fields.
func validateFields(fields map[string]any) error {
	for name := range fields {
		if !updatableFields[name] {
			return &ValidationError{Field: name, Reason: "unknown or immutable field"}
		}
	}
	return nil
}

// DB defines the interface for record store operations.
type DB interface {
	// CreateProject saves a new project. Returns ErrConflict on a
	// duplicate id.
	CreateProject(project *Project) error

	// GetProject retrieves a project by id. Returns ErrNotFound when it
	// does not exist.
	GetProject(id string) (*Project, error)

	// DeleteProject removes a project and cascades to its images.
	DeleteProject(id string) error

	// CreateImage saves a new image record. Returns ErrConflict when
	// (projectID, id) already exists and ErrNotFound when the project is
	// unknown.
	CreateImage(img *Image) error

	// GetImage retrieves an image record by (projectID, id). Returns
	// ErrNotFound when it does not exist.
	GetImage(projectID, id string) (*Image, error)

	// UpdateImage atomically replaces exactly the supplied fields and
	// stamps updated_at. Unknown field names are rejected.
	UpdateImage(projectID, id string, fields map[string]any) error

	// DeleteImage removes the record only; blob cleanup is the caller's
	// responsibility.
	DeleteImage(projectID, id string) error

	// ListImagesByProject returns the project's images ordered by
	// created_at ascending.
	ListImagesByProject(projectID string) ([]*Image, error)

	// Close closes the database connection.
	Close() error
}

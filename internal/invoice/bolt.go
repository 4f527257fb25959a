package invoice

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	projectBucketName = "projects"
	imageBucketName   = "images"
)

// BoltDB implements the DB interface using an embedded BoltDB file. Images
// live in one nested bucket per project, which makes the project cascade a
// single bucket drop.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(projectBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(imageBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateProject saves a new project.
func (b *BoltDB) CreateProject(project *Project) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(projectBucketName))
		if bucket.Get([]byte(project.ID)) != nil {
			return fmt.Errorf("project %s: %w", project.ID, ErrConflict)
		}
		data, err := json.Marshal(project)
		if err != nil {
			return fmt.Errorf("marshaling project: %w", err)
		}
		return bucket.Put([]byte(project.ID), data)
	})
}

// GetProject retrieves a project by id.
func (b *BoltDB) GetProject(id string) (*Project, error) {
	var project *Project
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(projectBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject removes a project and its image bucket.
func (b *BoltDB) DeleteProject(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(projectBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		images := tx.Bucket([]byte(imageBucketName))
		if images.Bucket([]byte(id)) != nil {
			return images.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// CreateImage saves a new image record.
func (b *BoltDB) CreateImage(img *Image) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(projectBucketName)).Get([]byte(img.ProjectID)) == nil {
			return fmt.Errorf("project %s: %w", img.ProjectID, ErrNotFound)
		}
		bucket, err := tx.Bucket([]byte(imageBucketName)).CreateBucketIfNotExists([]byte(img.ProjectID))
		if err != nil {
			return fmt.Errorf("creating project image bucket: %w", err)
		}
		if bucket.Get([]byte(img.ID)) != nil {
			return fmt.Errorf("image %s: %w", img.ID, ErrConflict)
		}
		data, err := json.Marshal(img)
		if err != nil {
			return fmt.Errorf("marshaling image: %w", err)
		}
		return bucket.Put([]byte(img.ID), data)
	})
}

// GetImage retrieves an image record by (projectID, id).
func (b *BoltDB) GetImage(projectID, id string) (*Image, error) {
	var img *Image
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(imageBucketName)).Bucket([]byte(projectID))
		if bucket == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &img)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// UpdateImage replaces the supplied fields and stamps updated_at.
func (b *BoltDB) UpdateImage(projectID, id string, fields map[string]any) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(imageBucketName)).Bucket([]byte(projectID))
		if bucket == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		var img Image
		if err := json.Unmarshal(data, &img); err != nil {
			return fmt.Errorf("unmarshaling image: %w", err)
		}
		if err := applyFields(&img, fields); err != nil {
			return err
		}
		img.UpdatedAt = time.Now()
		updated, err := json.Marshal(&img)
		if err != nil {
			return fmt.Errorf("marshaling image: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// DeleteImage removes the record.
func (b *BoltDB) DeleteImage(projectID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(imageBucketName)).Bucket([]byte(projectID))
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// ListImagesByProject returns the project's images ordered by created_at
// ascending.
func (b *BoltDB) ListImagesByProject(projectID string) ([]*Image, error) {
	images := make([]*Image, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(imageBucketName)).Bucket([]byte(projectID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var img Image
			if err := json.Unmarshal(v, &img); err != nil {
				return fmt.Errorf("unmarshaling image: %w", err)
			}
			images = append(images, &img)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
	return images, nil
}

// Close closes the database connection.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// applyFields maps update columns onto the struct. The service layer
// always passes typed values; anything else is a programming error
// surfaced as a ValidationError.
func applyFields(img *Image, fields map[string]any) error {
	for name, value := range fields {
		switch name {
		case "status":
			s, err := asStatus(value)
			if err != nil {
				return err
			}
			img.Status = s
		case "ocr_text":
			v, err := asStringPtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.OCRText = v
		case "ocr_confidence":
			v, err := asFloatPtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.OCRConfidence = v
		case "analysis":
			v, err := asAnalysisPtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.Analysis = v
		case "error_message":
			v, err := asStringPtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.ErrorMessage = v
		case "ocr_processed_at":
			v, err := asTimePtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.OCRProcessedAt = v
		case "analysis_processed_at":
			v, err := asTimePtr(value)
			if err != nil {
				return &ValidationError{Field: name, Reason: err.Error()}
			}
			img.AnalysisProcessedAt = v
		}
	}
	return nil
}

func asStatus(value any) (Status, error) {
	switch v := value.(type) {
	case Status:
		return v, nil
	case string:
		return Status(v), nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unsupported type %T", value)}
}

func asStringPtr(value any) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *string:
		return v, nil
	case string:
		return &v, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func asFloatPtr(value any) (*float64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *float64:
		return v, nil
	case float64:
		return &v, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func asAnalysisPtr(value any) (*Analysis, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *Analysis:
		return v, nil
	case Analysis:
		return &v, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func asTimePtr(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *time.Time:
		return v, nil
	case time.Time:
		return &v, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

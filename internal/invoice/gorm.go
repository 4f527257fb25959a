package invoice

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB implements the DB interface on PostgreSQL. The image table
// carries a foreign key to the project table with ON DELETE CASCADE, so
// the project cascade happens inside the database.
type GormDB struct {
	db *gorm.DB
}

// NewGormDB connects to PostgreSQL, tunes the connection pool and runs the
// schema migration.
func NewGormDB(dsn string) (*GormDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := db.AutoMigrate(&Project{}, &Image{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &GormDB{db: db}, nil
}

// CreateProject saves a new project.
func (g *GormDB) CreateProject(project *Project) error {
	if err := g.db.Create(project).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("project %s: %w", project.ID, ErrConflict)
		}
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (g *GormDB) GetProject(id string) (*Project, error) {
	var project Project
	if err := g.db.First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return &project, nil
}

// DeleteProject removes a project; the foreign key cascades to images.
func (g *GormDB) DeleteProject(id string) error {
	result := g.db.Delete(&Project{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateImage saves a new image record.
func (g *GormDB) CreateImage(img *Image) error {
	if _, err := g.GetProject(img.ProjectID); err != nil {
		return err
	}
	if err := g.db.Create(img).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("image %s: %w", img.ID, ErrConflict)
		}
		return fmt.Errorf("creating image: %w", err)
	}
	return nil
}

// GetImage retrieves an image record by (projectID, id).
func (g *GormDB) GetImage(projectID, id string) (*Image, error) {
	var img Image
	err := g.db.First(&img, "project_id = ? AND id = ?", projectID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting image: %w", err)
	}
	return &img, nil
}

// UpdateImage replaces the supplied fields in one statement; gorm stamps
// updated_at.
func (g *GormDB) UpdateImage(projectID, id string, fields map[string]any) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	result := g.db.Model(&Image{}).
		Where("project_id = ? AND id = ?", projectID, id).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating image: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteImage removes the record.
func (g *GormDB) DeleteImage(projectID, id string) error {
	result := g.db.Delete(&Image{}, "project_id = ? AND id = ?", projectID, id)
	if result.Error != nil {
		return fmt.Errorf("deleting image: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListImagesByProject returns the project's images ordered by created_at
// ascending.
func (g *GormDB) ListImagesByProject(projectID string) ([]*Image, error) {
	images := make([]*Image, 0)
	err := g.db.Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return images, nil
}

// Close closes the database connection.
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

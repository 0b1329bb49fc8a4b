package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
)

const DefaultDBFile = "scorefollow.sqlite3"
const errDBClientNil = "db client is nil"

var ErrNotFound = errors.New("session not found")

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// Session is the registry row for an uploaded score.
type Session struct {
	ID           string `gorm:"primaryKey;type:varchar(8)"`
	OriginalName string
	ScorePath    string
	MIDIPath     string
	AudioPath    string
	Status       string `gorm:"index:idx_session_status"`
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=busy_timeout(5000)"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	// SQLite serializes writers; one connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Session{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *DBClient) CreateSession(s *models.Session) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	row := fromModel(s)
	if err := c.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("creating session %s: %w", s.ID, err)
	}
	s.CreatedAt, s.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

func (c *DBClient) GetSession(id string) (*models.Session, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var row Session
	err := c.DB.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return row.toModel(), nil
}

// ListSessions returns all sessions, newest first.
func (c *DBClient) ListSessions() ([]models.Session, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var rows []Session
	if err := c.DB.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]models.Session, len(rows))
	for i := range rows {
		out[i] = *rows[i].toModel()
	}
	return out, nil
}

func (c *DBClient) UpdateStatus(id string, status models.SessionStatus, reason string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	res := c.DB.Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"error":      reason,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("updating session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// StopUnfinished marks every session that is not in a terminal state as
// stopped. Used at startup and shutdown, since tracking never outlives the process.
func (c *DBClient) StopUnfinished() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	res := c.DB.Model(&Session{}).
		Where("status IN ?", []string{string(models.StatusQueued), string(models.StatusActive)}).
		Updates(map[string]any{"status": string(models.StatusStopped), "updated_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("stopping unfinished sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (c *DBClient) DeleteSession(id string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	res := c.DB.Where("id = ?", id).Delete(&Session{})
	if res.Error != nil {
		return fmt.Errorf("deleting session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func fromModel(s *models.Session) Session {
	return Session{
		ID:           s.ID,
		OriginalName: s.OriginalName,
		ScorePath:    s.ScorePath,
		MIDIPath:     s.MIDIPath,
		AudioPath:    s.AudioPath,
		Status:       string(s.Status),
		Error:        s.Error,
	}
}

func (r *Session) toModel() *models.Session {
	return &models.Session{
		ID:           r.ID,
		OriginalName: r.OriginalName,
		ScorePath:    r.ScorePath,
		MIDIPath:     r.MIDIPath,
		AudioPath:    r.AudioPath,
		Status:       models.SessionStatus(r.Status),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

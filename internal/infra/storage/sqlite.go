package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Storage is the local SQLite journal of sessions and issued nonces.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (and migrates) the database at dbPath. An empty path
// selects the per-user default location.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.SessionRecord{}, &domain.NonceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "hypersdk", "data", "hlsig.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Session Operations
// ======================================================================================

// SaveSession creates or replaces a session record.
func (s *Storage) SaveSession(rec *domain.SessionRecord) error {
	return s.db.Save(rec).Error
}

// GetSession retrieves a session by id
func (s *Storage) GetSession(id string) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &rec, err
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all.
func (s *Storage) ListSessions(limit int) ([]domain.SessionRecord, error) {
	var recs []domain.SessionRecord
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// FinishSession records the terminal state of a session.
func (s *Storage) FinishSession(id, state string, signers []string, failure error) error {
	updates := map[string]any{
		"state":   state,
		"signers": strings.Join(signers, ","),
	}
	if failure != nil {
		updates["error"] = failure.Error()
	}
	res := s.db.Model(&domain.SessionRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkSubmitted stores the exchange response of a submitted envelope.
func (s *Storage) MarkSubmitted(id, response string) error {
	now := time.Now()
	return s.db.Model(&domain.SessionRecord{}).Where("id = ?", id).Updates(map[string]any{
		"response":     response,
		"submitted_at": &now,
	}).Error
}

// ======================================================================================
// Nonce Operations
// ======================================================================================

// RecordNonce raises the stored floor for signer to n. Lower values are ignored.
func (s *Storage) RecordNonce(signer string, n uint64) error {
	signer = strings.ToLower(signer)
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec domain.NonceRecord
		err := tx.First(&rec, "signer = ?", signer).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&domain.NonceRecord{Signer: signer, Last: n}).Error
		case err != nil:
			return err
		case n <= rec.Last:
			return nil
		}
		rec.Last = n
		return tx.Save(&rec).Error
	})
}

// LastNonce returns the stored floor for signer, or 0.
func (s *Storage) LastNonce(signer string) (uint64, error) {
	var rec domain.NonceRecord
	err := s.db.First(&rec, "signer = ?", strings.ToLower(signer)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.Last, err
}

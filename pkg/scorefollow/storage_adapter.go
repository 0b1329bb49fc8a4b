package scorefollow

import (
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/storage"
)

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(dbPath string) (Storage, error) {
	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

var _ Storage = (*storage.DBClient)(nil)

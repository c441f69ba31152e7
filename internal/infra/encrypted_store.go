package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const recordingsDBName = "recordings.db"

// EncryptedRecordingStore implements domain.RecordingStore using a SQLCipher
// encrypted SQLite database. Each recording is one JSON document row.
type EncryptedRecordingStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedRecordingStore opens (or creates) the encrypted database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedRecordingStore(dataDir string, key []byte) (*EncryptedRecordingStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, recordingsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only surfaces on first access
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedRecordingStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedRecordingStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		document BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put inserts or replaces the recording document.
func (s *EncryptedRecordingStore) Put(rec *domain.Recording) error {
	if rec.ID == "" {
		return errors.New("recording id is required")
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recording: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO recordings (id, name, start_time, document, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.StartTime, doc, time.Now().Unix(),
	)
	return err
}

// Get returns one recording or domain.ErrNotFound.
func (s *EncryptedRecordingStore) Get(id string) (*domain.Recording, error) {
	var doc []byte
	err := s.db.QueryRow(`SELECT document FROM recordings WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec domain.Recording
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("recording %s is corrupt: %w", id, err)
	}
	return &rec, nil
}

// List decodes every row, skipping documents that fail to parse.
func (s *EncryptedRecordingStore) List() ([]*domain.Recording, []domain.SkippedRecord, error) {
	rows, err := s.db.Query(`SELECT id, document FROM recordings ORDER BY start_time DESC`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var recs []*domain.Recording
	var skipped []domain.SkippedRecord
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, nil, err
		}
		var rec domain.Recording
		if err := json.Unmarshal(doc, &rec); err != nil {
			skipped = append(skipped, domain.SkippedRecord{Key: id, Err: err})
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, skipped, rows.Err()
}

// Delete removes a row. Returns false if it did not exist.
func (s *EncryptedRecordingStore) Delete(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Path returns the database file path.
func (s *EncryptedRecordingStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedRecordingStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedRecordingStore implements domain.RecordingStore.
var _ domain.RecordingStore = (*EncryptedRecordingStore)(nil)

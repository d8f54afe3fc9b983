package infra

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	historySchemaVersion = "1"
	historyKeySize       = 32 // 256-bit SQLCipher key
)

var (
	// ErrNoHistory is returned when no history exists and creation was not requested.
	ErrNoHistory = errors.New("no title history yet")

	// ErrHistoryKeyMissing is returned when the database exists without its key.
	// A new key is never generated over an existing database.
	ErrHistoryKeyMissing = errors.New("title history exists but its key file is missing")
)

// HistoryFiles locates the title history database and its key file.
type HistoryFiles struct {
	DB  string
	Key string
}

// EncryptedHistory implements domain.TitleHistory using a SQLCipher
// encrypted SQLite database.
type EncryptedHistory struct {
	db      *sql.DB
	dbPath  string
	key     []byte
	keyPath string
}

// OpenHistory opens the title history in files. The key file and database
// are created together when neither exists and create is set.
func OpenHistory(files HistoryFiles, create bool) (*EncryptedHistory, error) {
	if fileExists(files.Key) {
		key, err := readHistoryKey(files.Key)
		if err != nil {
			return nil, err
		}
		h, err := NewEncryptedHistory(files.DB, key)
		if err != nil {
			return nil, err
		}
		h.keyPath = files.Key
		return h, nil
	}

	if fileExists(files.DB) {
		return nil, fmt.Errorf("%w: %s", ErrHistoryKeyMissing, files.Key)
	}
	if !create {
		return nil, ErrNoHistory
	}

	key, err := newHistoryKey()
	if err != nil {
		return nil, err
	}
	if err := writeHistoryKey(files.Key, key); err != nil {
		return nil, err
	}
	h, err := NewEncryptedHistory(files.DB, key)
	if err != nil {
		_ = os.Remove(files.Key)
		return nil, err
	}
	h.keyPath = files.Key
	return h, nil
}

// NewEncryptedHistory opens (or creates) the title history at dbPath.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedHistory(dbPath string, key []byte) (*EncryptedHistory, error) {
	if len(key) != historyKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), historyKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openCipherDB(dbPath, key)
	if err != nil {
		return nil, err
	}

	h := &EncryptedHistory{db: db, dbPath: dbPath, key: key}
	if err := h.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return h, nil
}

func openCipherDB(dbPath string, key []byte) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// A single connection keeps a rekey visible to every later statement.
	db.SetMaxOpenConns(1)

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}
	return db, nil
}

// RotateKey re-encrypts the database under a fresh key and replaces the key
// file. The old key stays in effect if the key file cannot be written.
func (h *EncryptedHistory) RotateKey() error {
	if h.keyPath == "" {
		return errors.New("history was opened without a key file")
	}

	key, err := newHistoryKey()
	if err != nil {
		return err
	}
	if err := h.rekey(key); err != nil {
		return fmt.Errorf("failed to re-encrypt history: %w", err)
	}
	if err := writeHistoryKey(h.keyPath, key); err != nil {
		if rollback := h.rekey(h.key); rollback != nil {
			return errors.Join(err, fmt.Errorf("failed to restore old key: %w", rollback))
		}
		return err
	}

	old := h.db
	db, err := openCipherDB(h.dbPath, key)
	if err != nil {
		return err
	}
	h.db, h.key = db, key
	return old.Close()
}

func (h *EncryptedHistory) rekey(key []byte) error {
	_, err := h.db.Exec(fmt.Sprintf(`PRAGMA rekey = "x'%s'"`, hex.EncodeToString(key)))
	return err
}

func newHistoryKey() ([]byte, error) {
	key := make([]byte, historyKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// readHistoryKey reads a base64 key file.
func readHistoryKey(path string) ([]byte, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != historyKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), historyKeySize)
	}
	return key, nil
}

// writeHistoryKey replaces the key file atomically with 0600 permissions.
func writeHistoryKey(path string, key []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(base64.StdEncoding.EncodeToString(key))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// createTables creates the schema if it doesn't exist.
func (h *EncryptedHistory) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS titles (
		program_id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		times_seen INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return err
	}
	_, err := h.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, historySchemaVersion)
	return err
}

// Record notes that programID became active at the given time.
func (h *EncryptedHistory) Record(programID uint64, at time.Time) error {
	id := domain.FormatProgramID(programID)
	sec := at.Unix()

	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE titles SET last_seen = ?, times_seen = times_seen + 1 WHERE program_id = ?`, sec, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Exec(`INSERT INTO titles (program_id, first_seen, last_seen, times_seen) VALUES (?, ?, ?, 1)`, id, sec, sec)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// List returns all known titles, most recently seen first.
func (h *EncryptedHistory) List() ([]domain.TitleRecord, error) {
	rows, err := h.db.Query(`SELECT program_id, first_seen, last_seen, times_seen FROM titles ORDER BY last_seen DESC, program_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TitleRecord
	for rows.Next() {
		var (
			id          string
			first, last int64
			timesSeen   int
		)
		if err := rows.Scan(&id, &first, &last, &timesSeen); err != nil {
			return nil, err
		}
		programID, err := strconv.ParseUint(id, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt program id %q: %w", id, err)
		}
		records = append(records, domain.TitleRecord{
			ProgramID: programID,
			FirstSeen: time.Unix(first, 0),
			LastSeen:  time.Unix(last, 0),
			TimesSeen: timesSeen,
		})
	}
	return records, rows.Err()
}

// Path returns the database file path.
func (h *EncryptedHistory) Path() string {
	return h.dbPath
}

// Close releases the database connection.
func (h *EncryptedHistory) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// Ensure EncryptedHistory implements domain.TitleHistory.
var _ domain.TitleHistory = (*EncryptedHistory)(nil)

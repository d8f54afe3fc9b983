package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	titleA uint64 = 0x0100ABCDEF123456
	titleB uint64 = 0x01000000000B0000
)

// newTestHistory creates an encrypted history in a temp directory for testing.
func newTestHistory(t *testing.T) (*EncryptedHistory, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "titles.db")
	key, err := newHistoryKey()
	require.NoError(t, err)

	h, err := NewEncryptedHistory(dbPath, key)
	require.NoError(t, err)

	t.Cleanup(func() { h.Close() })
	return h, dbPath
}

func TestEncryptedHistory_Record(t *testing.T) {
	h, _ := newTestHistory(t)
	t0 := time.Unix(1_700_000_000, 0)

	require.NoError(t, h.Record(titleA, t0))
	require.NoError(t, h.Record(titleB, t0.Add(time.Minute)))
	require.NoError(t, h.Record(titleA, t0.Add(2*time.Minute)))

	records, err := h.List()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, titleA, records[0].ProgramID, "most recently seen first")
	assert.Equal(t, 2, records[0].TimesSeen)
	assert.Equal(t, t0.Unix(), records[0].FirstSeen.Unix())
	assert.Equal(t, t0.Add(2*time.Minute).Unix(), records[0].LastSeen.Unix())

	assert.Equal(t, titleB, records[1].ProgramID)
	assert.Equal(t, 1, records[1].TimesSeen)
}

func TestEncryptedHistory_ListEmpty(t *testing.T) {
	h, _ := newTestHistory(t)

	records, err := h.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEncryptedHistory_HighProgramIDs(t *testing.T) {
	h, _ := newTestHistory(t)

	// Ids above MaxInt64 must survive the round trip.
	const high uint64 = 0xFF00000000000001
	require.NoError(t, h.Record(high, time.Unix(10, 0)))

	records, err := h.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, high, records[0].ProgramID)
}

func TestEncryptedHistory_Encryption(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T)
	}{
		{
			name: "database file is unreadable without key",
			testFn: func(t *testing.T) {
				dbPath := filepath.Join(t.TempDir(), "titles.db")
				key, err := newHistoryKey()
				require.NoError(t, err)

				h, err := NewEncryptedHistory(dbPath, key)
				require.NoError(t, err)
				require.NoError(t, h.Record(titleA, time.Unix(10, 0)))
				h.Close()

				rawData, err := os.ReadFile(dbPath)
				require.NoError(t, err)
				assert.NotContains(t, string(rawData), "0x0100ABCDEF123456")
				assert.NotContains(t, string(rawData), "titles")
			},
		},
		{
			name: "wrong key fails to open",
			testFn: func(t *testing.T) {
				dbPath := filepath.Join(t.TempDir(), "titles.db")
				key1, _ := newHistoryKey()
				key2, _ := newHistoryKey()

				h1, err := NewEncryptedHistory(dbPath, key1)
				require.NoError(t, err)
				require.NoError(t, h1.Record(titleA, time.Unix(10, 0)))
				h1.Close()

				_, err = NewEncryptedHistory(dbPath, key2)
				assert.Error(t, err)
			},
		},
		{
			name: "correct key reads data",
			testFn: func(t *testing.T) {
				dbPath := filepath.Join(t.TempDir(), "titles.db")
				key, _ := newHistoryKey()

				h1, err := NewEncryptedHistory(dbPath, key)
				require.NoError(t, err)
				require.NoError(t, h1.Record(titleA, time.Unix(10, 0)))
				h1.Close()

				h2, err := NewEncryptedHistory(dbPath, key)
				require.NoError(t, err)
				defer h2.Close()

				records, err := h2.List()
				require.NoError(t, err)
				require.Len(t, records, 1)
				assert.Equal(t, titleA, records[0].ProgramID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFn)
	}
}

func TestEncryptedHistory_SchemaVersion(t *testing.T) {
	h, _ := newTestHistory(t)

	var version string
	err := h.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, historySchemaVersion, version)
}

func TestEncryptedHistory_Close_Idempotent(t *testing.T) {
	h, dbPath := newTestHistory(t)
	assert.Equal(t, dbPath, h.Path())

	assert.NoError(t, h.Close())
	h.db = nil
	assert.NoError(t, h.Close())
}

func testHistoryFiles(t *testing.T) HistoryFiles {
	t.Helper()
	dir := t.TempDir()
	return HistoryFiles{
		DB:  filepath.Join(dir, "titles.db"),
		Key: filepath.Join(dir, "keys", ".titles.key"),
	}
}

func TestOpenHistory(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T, files HistoryFiles)
	}{
		{
			name: "creates key and database together",
			testFn: func(t *testing.T, files HistoryFiles) {
				h, err := OpenHistory(files, true)
				require.NoError(t, err)
				require.NoError(t, h.Record(titleA, time.Unix(10, 0)))
				require.NoError(t, h.Close())

				info, err := os.Stat(files.Key)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
				assert.FileExists(t, files.DB)
			},
		},
		{
			name: "reopens with the stored key",
			testFn: func(t *testing.T, files HistoryFiles) {
				h, err := OpenHistory(files, true)
				require.NoError(t, err)
				require.NoError(t, h.Record(titleA, time.Unix(10, 0)))
				require.NoError(t, h.Close())

				h, err = OpenHistory(files, false)
				require.NoError(t, err)
				defer h.Close()
				records, err := h.List()
				require.NoError(t, err)
				require.Len(t, records, 1)
				assert.Equal(t, titleA, records[0].ProgramID)
			},
		},
		{
			name: "read-only open creates nothing",
			testFn: func(t *testing.T, files HistoryFiles) {
				_, err := OpenHistory(files, false)
				assert.ErrorIs(t, err, ErrNoHistory)
				assert.NoFileExists(t, files.Key)
				assert.NoFileExists(t, files.DB)
			},
		},
		{
			name: "lost key is not regenerated over existing database",
			testFn: func(t *testing.T, files HistoryFiles) {
				h, err := OpenHistory(files, true)
				require.NoError(t, err)
				require.NoError(t, h.Record(titleA, time.Unix(10, 0)))
				require.NoError(t, h.Close())
				require.NoError(t, os.Remove(files.Key))

				_, err = OpenHistory(files, true)
				assert.ErrorIs(t, err, ErrHistoryKeyMissing)
				assert.NoFileExists(t, files.Key)
			},
		},
		{
			name: "key file without database starts a fresh history",
			testFn: func(t *testing.T, files HistoryFiles) {
				key, err := newHistoryKey()
				require.NoError(t, err)
				require.NoError(t, writeHistoryKey(files.Key, key))

				h, err := OpenHistory(files, false)
				require.NoError(t, err)
				defer h.Close()
				assert.Equal(t, key, h.key)
			},
		},
		{
			name: "corrupt key file",
			testFn: func(t *testing.T, files HistoryFiles) {
				require.NoError(t, os.MkdirAll(filepath.Dir(files.Key), 0700))
				require.NoError(t, os.WriteFile(files.Key, []byte("not base64!"), 0600))

				_, err := OpenHistory(files, true)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to decode key")
			},
		},
		{
			name: "short key file",
			testFn: func(t *testing.T, files HistoryFiles) {
				require.NoError(t, os.MkdirAll(filepath.Dir(files.Key), 0700))
				require.NoError(t, os.WriteFile(files.Key, []byte("c2hvcnQ="), 0600))

				_, err := OpenHistory(files, true)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid key size")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.testFn(t, testHistoryFiles(t))
		})
	}
}

func TestEncryptedHistory_RotateKey(t *testing.T) {
	files := testHistoryFiles(t)
	h, err := OpenHistory(files, true)
	require.NoError(t, err)
	require.NoError(t, h.Record(titleA, time.Unix(10, 0)))

	oldKey, err := readHistoryKey(files.Key)
	require.NoError(t, err)

	require.NoError(t, h.RotateKey())

	newKey, err := readHistoryKey(files.Key)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	// The open handle keeps working after rotation.
	require.NoError(t, h.Record(titleB, time.Unix(20, 0)))
	require.NoError(t, h.Close())

	_, err = NewEncryptedHistory(files.DB, oldKey)
	assert.Error(t, err, "old key no longer opens the database")

	h, err = OpenHistory(files, false)
	require.NoError(t, err)
	defer h.Close()
	records, err := h.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEncryptedHistory_RotateKeyNeedsKeyFile(t *testing.T) {
	h, _ := newTestHistory(t)
	assert.Error(t, h.RotateKey())
}

func TestNewEncryptedHistory_RejectsShortKey(t *testing.T) {
	_, err := NewEncryptedHistory(filepath.Join(t.TempDir(), "titles.db"), []byte("tooshort"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key size")
}

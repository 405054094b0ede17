package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robotctl/internal/commlog"
	"github.com/banshee-data/robotctl/internal/testutil"
	"github.com/banshee-data/robotctl/internal/timeutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "robot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)
	assert.False(t, dirty)

	for _, table := range []string{"comm_log", "sessions"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestNewDB_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.db")
	first, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewDB(path)
	require.NoError(t, err)
	defer second.Close()

	version, _, err := second.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)
}

func TestOpenDB_FreshVersionIsZero(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestAppendAndCommEntries(t *testing.T) {
	db := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2025, time.July, 9, 8, 7, 6, 543_000_000, time.UTC))
	log := commlog.New(clock)
	log.AddSink(db)

	log.RecordOutgoing("^01|PING| *31$", []byte("^01|PING| *31$"), 1)
	clock.Advance(12 * time.Millisecond)
	log.RecordIncoming("01|ACK|OK", []byte("^01|ACK|OK*4C$"), 1)
	log.Record(commlog.RX, "noise", nil, nil)

	got, err := db.CommEntries(log.Session())
	require.NoError(t, err)
	if diff := cmp.Diff(log.Entries(), got); diff != "" {
		t.Errorf("CommEntries mismatch (-want +got):\n%s", diff)
	}

	other, err := db.CommEntries("no-such-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSessions(t *testing.T) {
	db := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2025, time.July, 9, 0, 0, 0, 0, time.UTC))

	older := commlog.New(clock)
	older.AddSink(db)
	require.NoError(t, db.RecordSession(older.Session(), "/dev/ttyUSB0", 9600, clock.Now()))
	older.RecordOutgoing("a", nil, 1)
	older.RecordIncoming("b", nil, 1)

	clock.Advance(time.Hour)
	newer := commlog.New(clock)
	newer.AddSink(db)
	newer.RecordOutgoing("c", nil, 1)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, newer.Session(), sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Entries)
	assert.Empty(t, sessions[0].Port)

	assert.Equal(t, older.Session(), sessions[1].ID)
	assert.Equal(t, 2, sessions[1].Entries)
	assert.Equal(t, "/dev/ttyUSB0", sessions[1].Port)
	assert.Equal(t, 9600, sessions[1].BaudRate)
	assert.True(t, sessions[1].First.Equal(clock.Now().Add(-time.Hour)))
}

func TestRecordSession_Upsert(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	require.NoError(t, db.RecordSession("s1", "/dev/ttyUSB0", 9600, now))
	require.NoError(t, db.RecordSession("s1", "/dev/ttyUSB1", 115200, now))

	var port string
	var baud int
	require.NoError(t, db.QueryRow(`SELECT port, baud_rate FROM sessions WHERE session_id = 's1'`).Scan(&port, &baud))
	assert.Equal(t, "/dev/ttyUSB1", port)
	assert.Equal(t, 115200, baud)
}

func TestAppend_RejectsBadDirection(t *testing.T) {
	db := setupTestDB(t)
	err := db.Append("s", commlog.Entry{Time: time.Now(), Direction: "XX", Message: "m"})
	assert.Error(t, err)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Append("s", commlog.Entry{Time: time.Now(), Direction: commlog.TX, Message: "m"}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := testutil.LocalRequest(http.MethodGet, "/debug/backup", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:15]) == "SQLite format 3", "backup is a sqlite file")
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(sqlx.NewDb(db, "sqlmock"))
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func assertExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// assertErrorOmitsKey checks that err is set and does not echo the credential
// embedded in the key.
func assertErrorOmitsKey(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if strings.Contains(err.Error(), "gwb_secret-bearer-key") {
		t.Errorf("error %q contains the key", err)
	}
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

func TestGet_Found(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("conn:abc", fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("sealed"))

	v, found, err := s.Get(context.Background(), "conn:abc")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !found || v != "sealed" {
		t.Errorf("Get() = (%q, %v), want (sealed, true)", v, found)
	}
	assertExpectations(t, mock)
}

func TestGet_NotFoundOrExpired(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("pair:old", fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	v, found, err := s.Get(context.Background(), "pair:old")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if found || v != "" {
		t.Errorf("Get() = (%q, %v), want (\"\", false)", v, found)
	}
	assertExpectations(t, mock)
}

func TestGet_DBError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WillReturnError(errors.New("connection reset"))

	_, _, err := s.Get(context.Background(), "idx:gwb_secret-bearer-key")
	assertErrorOmitsKey(t, err)
	assertExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

func TestSet_WithTTL(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_entries").
		WithArgs("pair:code", "v", sql.NullTime{Time: fixedNow.Add(600 * time.Second), Valid: true}, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(context.Background(), "pair:code", "v", 600*time.Second); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestSet_WithoutTTL(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("ON CONFLICT \\(key\\) DO UPDATE").
		WithArgs("conn:abc", "v", sql.NullTime{}, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(context.Background(), "conn:abc", "v", 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestSet_DBError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_entries").WillReturnError(errors.New("disk full"))

	assertErrorOmitsKey(t, s.Set(context.Background(), "pending:gwb_secret-bearer-key", "v", 0))
	assertExpectations(t, mock)
}

func TestDelete_DBError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kv_entries").WillReturnError(errors.New("connection reset"))

	assertErrorOmitsKey(t, s.Delete(context.Background(), "pair:gwb_secret-bearer-key"))
	assertExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// Delete / PurgeExpired
// ---------------------------------------------------------------------------

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kv_entries WHERE key").
		WithArgs("pending:key").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Delete(context.Background(), "pending:key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestPurgeExpired(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kv_entries WHERE expires_at IS NOT NULL").
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired() error: %v", err)
	}
	if n != 3 {
		t.Errorf("PurgeExpired() = %d, want 3", n)
	}
	assertExpectations(t, mock)
}

func TestStartPurge_NonPositiveIntervalIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	s.StartPurge(0)
	mock.ExpectClose()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	assertExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// Migrations
// ---------------------------------------------------------------------------

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("found %d up and %d down migrations, want a matching non-zero pair", up, down)
	}

	body, err := fs.ReadFile(migrationsFS, "migrations/000001_create_kv_entries.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(body), "kv_entries") {
		t.Error("initial migration does not create kv_entries")
	}
}

package database

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(context.Background(), dir, discardLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	info, err := os.Stat(filepath.Join(dir, "flowphone.db"))
	if err != nil {
		t.Fatalf("database file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("database file mode = %o, want 600", perm)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "identity", "call_log"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 2 {
		t.Errorf("migration count = %d, want 2", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	var first, second bytes.Buffer

	db1, err := Open(context.Background(), dir, slog.New(slog.NewTextHandler(&first, nil)))
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(context.Background(), dir, slog.New(slog.NewTextHandler(&second, nil)))
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()

	if !strings.Contains(first.String(), "migrations_applied=2") {
		t.Errorf("first open log = %q, want migrations_applied=2", first.String())
	}
	if !strings.Contains(second.String(), "migrations_applied=0") {
		t.Errorf("second open log = %q, want migrations_applied=0", second.String())
	}
	if strings.Contains(second.String(), "applied migration") {
		t.Error("second open re-applied a migration")
	}
	if !strings.Contains(first.String(), "subsystem=database") {
		t.Errorf("log lines lack subsystem attribute: %q", first.String())
	}
}

func TestOpenCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, t.TempDir(), discardLogger()); err == nil {
		t.Fatal("expected error opening with a canceled context")
	}
}

func TestEncryptor(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	plaintext := "my-secret-password-123!"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}

	other, _ := NewEncryptor(make([]byte, 32))
	if _, err := other.Decrypt(ciphertext); err == nil {
		t.Error("expected decrypt with wrong key to fail")
	}
}

func TestEncryptorInvalidKeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestIdentityRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	repo, err := NewIdentityRepository(ctx, db, enc)
	if err != nil {
		t.Fatalf("NewIdentityRepository() error: %v", err)
	}

	creds, err := repo.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials() on empty store: %v", err)
	}
	if creds.UserID != "" || creds.AutoSignIn {
		t.Errorf("empty store returned %+v", creds)
	}

	if err := repo.SetPushToken(ctx, "tok-1"); err != nil {
		t.Fatalf("SetPushToken() error: %v", err)
	}

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	err = repo.SaveUser(ctx, auth.Credentials{
		AppID:       "https://pbx.example.com",
		UserID:      "101",
		AccessToken: "jwt-token",
		SIPPassword: "secret",
		AutoSignIn:  true,
	}, auth.Identity{
		UserID:      "101",
		Extension:   "101",
		DisplayName: "Front Desk",
		ExpiresAt:   expires,
	})
	if err != nil {
		t.Fatalf("SaveUser() error: %v", err)
	}

	// Secrets are sealed on disk.
	var stored string
	if err := db.QueryRow("SELECT value FROM identity WHERE key = ?", keySIPPassword).Scan(&stored); err != nil {
		t.Fatalf("reading sealed password: %v", err)
	}
	if stored == "secret" {
		t.Error("sip password stored in plaintext")
	}

	// A fresh repository reads back what was written.
	reloaded, err := NewIdentityRepository(ctx, db, enc)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	creds, err = reloaded.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials() error: %v", err)
	}
	want := auth.Credentials{
		AppID:       "https://pbx.example.com",
		UserID:      "101",
		AccessToken: "jwt-token",
		SIPPassword: "secret",
		PushToken:   "tok-1",
		AutoSignIn:  true,
	}
	if creds != want {
		t.Errorf("LoadCredentials() = %+v, want %+v", creds, want)
	}

	id := reloaded.Identity(ctx)
	if id.DisplayName != "Front Desk" || !id.ExpiresAt.Equal(expires) {
		t.Errorf("Identity() = %+v", id)
	}

	if err := reloaded.SetAutoSignIn(ctx, false); err != nil {
		t.Fatalf("SetAutoSignIn() error: %v", err)
	}
	creds, _ = reloaded.LoadCredentials(ctx)
	if creds.AutoSignIn {
		t.Error("auto sign-in still enabled")
	}

	if err := reloaded.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	creds, _ = reloaded.LoadCredentials(ctx)
	if creds.UserID != "" || creds.SIPPassword != "" {
		t.Errorf("credentials after Clear() = %+v", creds)
	}
	if creds.PushToken != "tok-1" {
		t.Errorf("push token after Clear() = %q, want tok-1", creds.PushToken)
	}
}

func TestIdentityRepository_Plaintext(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	repo, err := NewIdentityRepository(ctx, db, nil)
	if err != nil {
		t.Fatalf("NewIdentityRepository() error: %v", err)
	}
	if err := repo.SaveUser(ctx, auth.Credentials{UserID: "200", SIPPassword: "pw"}, auth.Identity{UserID: "200"}); err != nil {
		t.Fatalf("SaveUser() error: %v", err)
	}
	creds, err := repo.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials() error: %v", err)
	}
	if creds.SIPPassword != "pw" {
		t.Errorf("SIPPassword = %q, want pw", creds.SIPPassword)
	}
}

func TestCallLogRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewCallLogRepository(db)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snaps := []call.Snapshot{
		{
			CallID:      "c1",
			TransportID: uuid.New(),
			Role:        call.RoleCallee,
			Media:       call.MediaAudio,
			Remote:      call.Party{Handle: "200", DisplayName: "Alice"},
			Status:      call.StatusEnded,
			StartedAt:   base,
			ConnectedAt: base.Add(5 * time.Second),
			EndedAt:     base.Add(65 * time.Second),
			EndReason:   call.EndReasonCompleted,
		},
		{
			CallID:      "c2",
			TransportID: uuid.New(),
			Role:        call.RoleCaller,
			Media:       call.MediaVideo,
			Remote:      call.Party{Handle: "300"},
			Status:      call.StatusEnded,
			StartedAt:   base.Add(time.Hour),
			EndedAt:     base.Add(time.Hour + 30*time.Second),
			EndReason:   call.EndReasonNoAnswer,
		},
	}
	for _, s := range snaps {
		if err := repo.Record(ctx, s); err != nil {
			t.Fatalf("Record(%s) error: %v", s.CallID, err)
		}
	}

	entries, total, err := repo.List(ctx, CallLogFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("List() = %d entries, total %d, want 2", len(entries), total)
	}
	if entries[0].CallID != "c2" {
		t.Errorf("first entry = %s, want newest c2", entries[0].CallID)
	}
	if entries[0].ConnectedAt != nil {
		t.Error("unanswered call has connected_at")
	}
	if entries[0].Category != string(call.CategoryUnanswered) {
		t.Errorf("category = %q, want unanswered", entries[0].Category)
	}
	if entries[1].Duration != 60 {
		t.Errorf("duration = %d, want 60", entries[1].Duration)
	}
	if entries[1].ConnectedAt == nil {
		t.Error("answered call missing connected_at")
	}

	entries, total, err = repo.List(ctx, CallLogFilter{Search: "Ali"})
	if err != nil {
		t.Fatalf("List(search) error: %v", err)
	}
	if total != 1 || entries[0].CallID != "c1" {
		t.Errorf("search returned %d entries", total)
	}

	entries, total, err = repo.List(ctx, CallLogFilter{Role: string(call.RoleCaller)})
	if err != nil {
		t.Fatalf("List(role) error: %v", err)
	}
	if total != 1 || entries[0].CallID != "c2" {
		t.Errorf("role filter returned %d entries", total)
	}

	counts, err := repo.CountByCategory(ctx)
	if err != nil {
		t.Fatalf("CountByCategory() error: %v", err)
	}
	if counts[string(call.CategoryFailed)] != 1 || counts[string(call.CategoryUnanswered)] != 1 {
		t.Errorf("CountByCategory() = %v", counts)
	}
}

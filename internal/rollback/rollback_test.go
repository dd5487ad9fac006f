package rollback

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckAndRollbackNoSentinel(t *testing.T) {
	dir := t.TempDir()
	if CheckAndRollback(dir, testLogger()) {
		t.Fatal("expected no rollback with no sentinel present")
	}
}

func TestCheckAndRollbackStaleSentinel(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-60 * time.Second).Format(time.RFC3339)
	if err := os.WriteFile(sentinelPath(dir), []byte(old), 0o644); err != nil {
		t.Fatal(err)
	}

	if CheckAndRollback(dir, testLogger()) {
		t.Fatal("expected no rollback for a stale sentinel")
	}
	if _, err := os.Stat(sentinelPath(dir)); !os.IsNotExist(err) {
		t.Fatal("expected stale sentinel to be cleaned up")
	}
}

func TestCheckAndRollbackCorruptSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(sentinelPath(dir), []byte("not-a-timestamp"), 0o644); err != nil {
		t.Fatal(err)
	}

	if CheckAndRollback(dir, testLogger()) {
		t.Fatal("expected no rollback for a corrupt sentinel")
	}
	if _, err := os.Stat(sentinelPath(dir)); !os.IsNotExist(err) {
		t.Fatal("expected corrupt sentinel to be cleaned up")
	}
}

func TestCheckAndRollbackFreshSentinelNoBackup(t *testing.T) {
	dir := t.TempDir()
	fresh := time.Now().Format(time.RFC3339)
	if err := os.WriteFile(sentinelPath(dir), []byte(fresh), 0o644); err != nil {
		t.Fatal(err)
	}

	// The test binary has no "{exe}.backup" on disk, so this only exercises
	// the no-backup branch and must not panic.
	CheckAndRollback(dir, testLogger())

	if _, err := os.Stat(sentinelPath(dir)); !os.IsNotExist(err) {
		t.Fatal("expected sentinel to be removed when no backup exists")
	}
}

func TestDeleteSentinelRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawd-rollback.sentinel")
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		t.Fatal(err)
	}

	DeleteSentinel(dir)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected sentinel file to be removed")
	}
}

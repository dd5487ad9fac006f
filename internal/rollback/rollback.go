// Package rollback implements the daemon's crash-recovery half of the
// self-update mechanism: a sentinel file written before an update is
// applied, and a startup check that restores the previous binary if the
// new one crashed before clearing the sentinel. Grounded in
// original_source/daemon/src/update/mod.rs's write_rollback_sentinel/
// delete_rollback_sentinel/check_and_rollback. The download-and-apply path
// that writes the sentinel in the first place is out of scope (spec.md
// §1's Non-goals) — only the startup-side check is implemented here.
package rollback

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const sentinelMaxAge = 30 * time.Second

func sentinelPath(dataDir string) string {
	return filepath.Join(dataDir, "clawd-rollback.sentinel")
}

// DeleteSentinel clears the sentinel at the end of a successful startup.
func DeleteSentinel(dataDir string) {
	_ = os.Remove(sentinelPath(dataDir))
}

// CheckAndRollback inspects dataDir for a rollback sentinel left behind by
// a crashed update apply. If the sentinel is fresh (<30s old) and a backup
// binary exists next to the running executable, the backup is restored and
// true is returned — the caller should log this prominently and the
// restarted supervisor (launchd/systemd/Windows service manager) will pick
// up the restored binary on its next relaunch. A stale, corrupt, or
// backup-less sentinel is treated as a no-op and cleaned up.
func CheckAndRollback(dataDir string, log *slog.Logger) bool {
	path := sentinelPath(dataDir)
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	ts, err := time.Parse(time.RFC3339, string(content))
	if err != nil {
		_ = os.Remove(path)
		return false
	}

	if time.Since(ts) > sentinelMaxAge {
		_ = os.Remove(path)
		return false
	}

	exe, err := os.Executable()
	if err != nil {
		return false
	}
	backup := exe + ".backup"
	if _, err := os.Stat(backup); err != nil {
		_ = os.Remove(path)
		return false
	}

	if err := os.Rename(backup, exe); err != nil {
		log.Warn("rollback attempted but rename failed", "error", err)
		return false
	}
	_ = os.Remove(path)
	log.Warn("ROLLBACK: update binary crashed within 30s — restored backup, previous version runs after the next restart")
	return true
}

// Package storage lays out the on-disk session directory tree and the
// per-session manifest.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxpipe/internal/domain"
)

// Dirs are the fixed subdirectories of a session directory.
type Dirs struct {
	Root      string
	Downloads string
	Work      string
	Final     string
	Meta      string
	Logs      string
}

// NormalizeSlug lowercases s and collapses runs of non-alphanumerics
// into single dashes so the result is safe in a directory name.
func NormalizeSlug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// FormatDurationCompact renders seconds as 1h02m03s (hours omitted
// when zero).
func FormatDurationCompact(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds + 0.5)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// BaseName builds the session directory name:
// <timestamp>_<server>_<channel>_<id>_<N>u_<duration>.
func BaseName(rec domain.Recording) string {
	ts := "unknown"
	if rec.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, rec.StartTime); err == nil {
			ts = t.UTC().Format("2006-01-02_15-04-05")
		}
	}
	server := NormalizeSlug(rec.Server)
	if server == "" {
		server = "server"
	}
	channel := NormalizeSlug(rec.Channel)
	if channel == "" {
		channel = "channel"
	}
	return fmt.Sprintf("%s_%s_%s_%s_%du_%s",
		ts, server, channel, rec.ID, len(rec.Users), FormatDurationCompact(rec.Duration))
}

// SessionDir creates the session directory under root with the fixed
// subdirectory layout. Without clobber an existing directory gets a
// numeric suffix instead of being reused.
func SessionDir(root, base string, clobber bool) (Dirs, error) {
	if root == "" {
		root = "."
	}
	dir := filepath.Join(root, base)
	if !clobber {
		chosen := dir
		for n := 2; ; n++ {
			if _, err := os.Stat(chosen); os.IsNotExist(err) {
				break
			}
			chosen = fmt.Sprintf("%s-%d", dir, n)
		}
		dir = chosen
	}
	d := Dirs{
		Root:      dir,
		Downloads: filepath.Join(dir, "downloads"),
		Work:      filepath.Join(dir, "work"),
		Final:     filepath.Join(dir, "final"),
		Meta:      filepath.Join(dir, "meta"),
		Logs:      filepath.Join(dir, "logs"),
	}
	for _, p := range []string{d.Root, d.Downloads, d.Work, d.Final, d.Meta, d.Logs} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Dirs{}, err
		}
	}
	return d, nil
}

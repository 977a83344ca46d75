package filter

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

// Names of the built-in auxiliary filters.
const (
	TempFilesName   = "temp_files"
	SystemFilesName = "system_files"
	SizeBoundsName  = "size_bounds"
	TimeWindowName  = "time_window"
	FrequencyName   = "frequency_cap"
)

var tempSuffixes = []string{
	"~", ".swp", ".swo", ".swx", ".tmp", ".temp", ".part", ".crdownload", ":Zone.Identifier",
}

var tempPrefixes = []string{".#", "~$", ".~lock."}

// systemDirs are path components whose whole subtree is ignored.
var systemDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	".jj":          true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	".idea":        true,
	".vscode":      true,
	".trash":       true,
	".Trashes":     true,
}

var systemFiles = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
	".localized":  true,
	".directory":  true,
	"4913":        true, // vim's write probe
}

// TempFiles rejects editor swap files, backups and partial downloads.
func TempFiles() Filter {
	return New(TempFilesName, func(ev event.FileEvent) bool {
		return !IsTempFile(ev.Path)
	})
}

// IsTempFile reports whether p looks like an editor or download artifact.
func IsTempFile(p string) bool {
	base := filepath.Base(p)
	for _, s := range tempSuffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	for _, s := range tempPrefixes {
		if strings.HasPrefix(base, s) {
			return true
		}
	}
	return strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#")
}

// SystemFiles rejects VCS metadata, dependency caches and OS droppings.
func SystemFiles() Filter {
	return New(SystemFilesName, func(ev event.FileEvent) bool {
		return !IsSystemPath(ev.Path)
	})
}

// IsSystemPath reports whether any component of p is a system directory or
// the file itself is a known OS metadata file.
func IsSystemPath(p string) bool {
	p = filepath.ToSlash(p)
	if systemFiles[filepath.Base(p)] {
		return true
	}
	for _, part := range strings.Split(p, "/") {
		if systemDirs[part] {
			return true
		}
	}
	return false
}

// SizeBounds rejects files outside [min, max] bytes. A zero bound is open.
// Events without metadata and deletes always pass.
func SizeBounds(minSize, maxSize int64) Filter {
	return New(SizeBoundsName, func(ev event.FileEvent) bool {
		if ev.Metadata == nil || ev.Kind == event.KindDeleted {
			return true
		}
		if minSize > 0 && ev.Metadata.Size < minSize {
			return false
		}
		return maxSize <= 0 || ev.Metadata.Size <= maxSize
	})
}

// ClockFunc returns the current time.
type ClockFunc func() time.Time

// TimeWindow allows events only between start and end, given as offsets
// since midnight in loc. A window whose end precedes its start wraps past
// midnight.
func TimeWindow(start, end time.Duration, loc *time.Location, now ClockFunc) Filter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return New(TimeWindowName, func(event.FileEvent) bool {
		return inWindow(now().In(loc), start, end)
	})
}

func inWindow(t time.Time, start, end time.Duration) bool {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)
	if start <= end {
		return offset >= start && offset < end
	}
	return offset >= start || offset < end
}

// ParseTimeWindow parses "HH:MM-HH:MM" into offsets since midnight.
func ParseTimeWindow(s string) (start, end time.Duration, err error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("time window %q: want HH:MM-HH:MM", s)
	}
	if start, err = parseClock(from); err != nil {
		return 0, 0, fmt.Errorf("time window %q: %w", s, err)
	}
	if end, err = parseClock(to); err != nil {
		return 0, 0, fmt.Errorf("time window %q: %w", s, err)
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

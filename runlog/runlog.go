// Package runlog manages the per-run log files under logs/datafeeds/:
// one JSON-formatted file per ingest or resolver run, swept after the
// retention window.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
)

// Retention is how long run log files are kept.
const Retention = 7 * 24 * time.Hour

// Handle is one open run log. Loggers write JSON lines to the file only;
// process-level logging stays on the global logger.
type Handle struct {
	*log.Logger
	Path string
	file *os.File
}

func (h *Handle) Close() error {
	return h.file.Close()
}

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// Slug renders a retailer name safe for a directory segment.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// ForIngest opens the log file of one feed run:
// logs/datafeeds/affiliate/<retailer-slug>/<iso-timestamp>.log for
// affiliate feeds, logs/datafeeds/retailers/<iso-timestamp>.log for
// retailer feeds.
func ForIngest(baseDir string, kind model.FeedKind, retailer string, now time.Time) (*Handle, error) {
	var dir string
	if kind == model.KindRetailer {
		dir = filepath.Join(baseDir, "datafeeds", "retailers")
	} else {
		dir = filepath.Join(baseDir, "datafeeds", "affiliate", Slug(retailer))
	}
	return open(filepath.Join(dir, now.UTC().Format("2006-01-02T15-04-05Z")+".log"))
}

// ForResolver opens the resolver log of a feed run, or the shared daily
// file when the resolution is not tied to a run.
func ForResolver(baseDir string, runID int64, now time.Time) (*Handle, error) {
	var dir = filepath.Join(baseDir, "datafeeds", "resolver")
	if runID == 0 {
		return open(filepath.Join(dir, "daily-"+now.UTC().Format("2006-01-02")+".log"))
	}
	return open(filepath.Join(dir, fmt.Sprintf("%d.log", runID)))
}

func open(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}

	var logger = log.New()
	logger.SetOutput(f)
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(log.DebugLevel)
	return &Handle{Logger: logger, Path: path, file: f}, nil
}

// Sweep removes run logs older than the retention window and then prunes
// directories the sweep emptied.
func Sweep(baseDir string, now time.Time) error {
	var root = filepath.Join(baseDir, "datafeeds")
	var cutoff = now.Add(-Retention)

	var dirs []string
	var err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		} else if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if info.ModTime().Before(cutoff) {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweeping run logs: %w", err)
	}

	// Deepest first, so a chain of empty directories collapses.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
	return nil
}

// RunSweeper loops Sweep on an interval until ctx is done, for the
// daemon's errgroup.
func RunSweeper(baseDir string, interval time.Duration, done <-chan struct{}) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := Sweep(baseDir, time.Now()); err != nil {
				log.WithError(err).Warn("run log sweep failed")
			}
		}
	}
}

// Package logger records refresh events as per-session CSV tracks.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/missilemap/missilemap-go/internal/fusion"
)

// Logger writes one track file per fusion session. Following refreshes are
// spaced at least interval apart; a follow-mode change is always written.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	now      func() time.Time

	session    string // session of the open track, "" if none
	file       *os.File
	writer     *csv.Writer
	lastTs     time.Time
	lastFollow bool
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

var csvHeader = []string{
	"timestamp", "latitude", "longitude",
	"bearing_rad", "bearing_deg", "follow",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/missilemap"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		now:      time.Now,
	}
}

// Record appends ev to its session's track.
func (l *Logger) Record(ev fusion.RefreshEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || ev.Session == "" {
		return
	}

	if ev.Session != l.session {
		if err := l.openTrack(ev.Session); err != nil {
			log.Printf("[logger] %v", err)
			return
		}
	}

	now := l.now()
	modeChange := ev.Follow != l.lastFollow
	if !modeChange && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now
	l.lastFollow = ev.Follow

	if err := l.writer.Write(buildRow(ev)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
}

// Close flushes and closes the current track.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeTrack()
}

// openTrack closes the previous session's file and starts
// track_<session>.csv.
func (l *Logger) openTrack(session string) error {
	l.closeTrack()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, "track_"+session+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return fmt.Errorf("write header %s: %w", path, err)
	}
	w.Flush()

	l.session, l.file, l.writer = session, f, w
	l.lastTs = time.Time{}
	l.lastFollow = true
	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeTrack() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.session = ""
}

func buildRow(ev fusion.RefreshEvent) []string {
	follow := "0"
	if ev.Follow {
		follow = "1"
	}
	return []string{
		time.UnixMilli(ev.Stamp).UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(ev.Location.Latitude, 'f', 7, 64),
		strconv.FormatFloat(ev.Location.Longitude, 'f', 7, 64),
		strconv.FormatFloat(ev.Bearing.Radians(), 'f', 4, 64),
		strconv.FormatFloat(ev.BearingDeg, 'f', 1, 64),
		follow,
	}
}

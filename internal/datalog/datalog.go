// Package datalog records the channel vector to CSV files with rotation.
package datalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/engine"
)

// Config holds data logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	DefaultPath = "/var/log/dashbridge"

	defaultInterval = 100 * time.Millisecond
	minInterval     = 50 * time.Millisecond
	rowsPerSegment  = 100_000
	stampLayout     = "2006-01-02_150405.000"
)

// segment is one open CSV file. Its columns are fixed when it is created.
type segment struct {
	path    string
	f       *os.File
	w       *csv.Writer
	columns []string
	rows    int
}

func createSegment(dir string, at time.Time, columns []string) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datalog: create dir: %w", err)
	}
	path := filepath.Join(dir, "dashbridge_"+at.Format(stampLayout)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("datalog: %w", err)
	}
	seg := &segment{path: path, f: f, w: csv.NewWriter(f), columns: columns}
	if err := seg.append(columns); err != nil {
		seg.close()
		return nil, err
	}
	seg.rows = 0
	return seg, nil
}

func (s *segment) append(record []string) error {
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("datalog: write %s: %w", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("datalog: flush %s: %w", s.path, err)
	}
	s.rows++
	return nil
}

func (s *segment) close() error {
	s.w.Flush()
	return s.f.Close()
}

// Logger writes timestamped channel snapshots, at most one per interval.
// A file's header names the subscribed PIDs, so a new subscription starts
// a new file.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	seg  *segment
	last time.Time
}

func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < minInterval {
		interval = defaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("datalog"),
	}
}

// SetEnabled toggles recording. Turning it off closes the open file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled == on {
		return
	}
	l.enabled = on
	l.log.Info("data logging toggled", zap.Bool("enabled", on))
	if !on {
		l.finish()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record appends one row for values unless disabled or the previous row
// is younger than the interval.
func (l *Logger) Record(now time.Time, pids []engine.PID, values []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || now.Sub(l.last) < l.interval {
		return
	}
	l.last = now

	columns := Header(pids, len(values))
	if l.seg == nil || l.seg.rows >= rowsPerSegment || !slices.Equal(columns, l.seg.columns) {
		l.finish()
		seg, err := createSegment(l.dir, now, columns)
		if err != nil {
			l.log.Error("cannot start data log", zap.Error(err))
			return
		}
		l.seg = seg
		l.log.Info("opened data log", zap.String("path", seg.path), zap.Strings("columns", columns))
	}

	record := append(make([]string, 0, len(values)+1), now.Format(time.RFC3339Nano))
	for _, v := range values {
		record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if err := l.seg.append(record); err != nil {
		l.log.Error("dropping data log row", zap.Error(err))
	}
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finish()
}

func (l *Logger) finish() {
	if l.seg == nil {
		return
	}
	if err := l.seg.close(); err != nil {
		l.log.Warn("closing data log", zap.String("path", l.seg.path), zap.Error(err))
	}
	l.seg = nil
}

// Header names the CSV columns: the timestamp, then one column per slot,
// labelled by its PID or by slot number when nothing is subscribed there.
func Header(pids []engine.PID, slots int) []string {
	h := make([]string, 0, slots+1)
	h = append(h, "timestamp")
	for i := 0; i < slots; i++ {
		if i < len(pids) {
			h = append(h, fmt.Sprintf("pid_0x%04X", uint16(pids[i])))
		} else {
			h = append(h, "slot_"+strconv.Itoa(i))
		}
	}
	return h
}

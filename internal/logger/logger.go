package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel converts a config level name into a slog level
// Unknown names map to INFO
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config logger configuration
type Config struct {
	LogDir     string    // Log directory
	Level      string    // Log level name
	MaxDays    int       // Max days to keep logs
	ConsoleOut bool      // Output to console as well
	Console    io.Writer // Console writer, defaults to os.Stderr
}

// Logger is a slog logger writing JSON to a daily rotated file and,
// optionally, text to the console
type Logger struct {
	*slog.Logger
	file *dailyFile
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 7
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}

	file, err := newDailyFile(cfg.LogDir, cfg.MaxDays)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger: NewWithWriters(cfg.Console, file, ParseLevel(cfg.Level), cfg.ConsoleOut),
		file:   file,
	}, nil
}

// NewWithWriters builds the handler fan-out over arbitrary writers
func NewWithWriters(console, file io.Writer, level slog.Level, consoleOut bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewJSONHandler(file, opts)}
	if consoleOut {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// Close closes the underlying log file
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// dailyFile is an io.Writer that switches to a new file every day
// and keeps at most maxDays files
type dailyFile struct {
	mu          sync.Mutex
	dir         string
	maxDays     int
	currentFile *os.File
	currentDate string
	now         func() time.Time
}

func newDailyFile(dir string, maxDays int) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f := &dailyFile{dir: dir, maxDays: maxDays, now: time.Now}
	if err := f.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *dailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return f.currentFile.Write(p)
}

// rotateIfNeeded opens today's file; caller holds mu except during construction
func (f *dailyFile) rotateIfNeeded() error {
	today := f.now().Format("2006-01-02")
	if f.currentDate == today && f.currentFile != nil {
		return nil
	}

	if f.currentFile != nil {
		f.currentFile.Close()
	}

	filename := filepath.Join(f.dir, fmt.Sprintf("memcore-%s.log", today))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	f.currentFile = file
	f.currentDate = today

	f.cleanOldLogs()
	return nil
}

// cleanOldLogs removes log files beyond maxDays
func (f *dailyFile) cleanOldLogs() {
	files, err := filepath.Glob(filepath.Join(f.dir, "memcore-*.log"))
	if err != nil || len(files) <= f.maxDays {
		return
	}

	// Names sort by date
	sort.Strings(files)
	for i := 0; i < len(files)-f.maxDays; i++ {
		os.Remove(files[i])
	}
}

func (f *dailyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentFile == nil {
		return nil
	}
	err := f.currentFile.Close()
	f.currentFile = nil
	return err
}

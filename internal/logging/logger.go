package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxAge is how long dated log files are kept
	DefaultMaxAge = 3 * 24 * time.Hour

	DirPermissions  = 0755
	FilePermissions = 0644

	// MaxMessageLength caps messages forwarded from the web UI
	MaxMessageLength = 10000

	// MaxDataSize caps the number of keys in a forwarded data map
	MaxDataSize = 50

	// MaxDataValueLength caps individual string values in a forwarded data map
	MaxDataValueLength = 1000

	filePrefix = "taskhub"
)

// SensitiveKeys are redacted from forwarded data maps (substring match)
var SensitiveKeys = []string{
	"password", "passwd", "pwd",
	"token", "secret", "api_key", "apikey", "api-key",
	"authorization", "auth", "credential",
	"private_key", "privatekey",
	"session", "cookie",
}

var validLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
	currentConfig Config
	closer        io.Closer
)

// Config holds logger configuration
type Config struct {
	LogDir     string        // Directory for log files
	MaxAge     time.Duration // Retention for dated files
	JSONOutput bool          // JSON lines instead of text
	DevMode    bool          // Mirror output to stdout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(homeDir, ".taskhub", "logs"),
		MaxAge:     DefaultMaxAge,
		JSONOutput: true,
	}
}

// IsDevMode reports whether stdout mirroring is enabled
func IsDevMode() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return currentConfig.DevMode
}

// RotatingFileHandler writes to one file per day and prunes old ones
type RotatingFileHandler struct {
	dir         string
	prefix      string
	maxAge      time.Duration
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
	pruning     atomic.Bool
}

// NewRotatingFileHandler creates the directory and opens today's file
func NewRotatingFileHandler(dir, prefix string, maxAge time.Duration) (*RotatingFileHandler, error) {
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, err
	}
	h := &RotatingFileHandler{dir: dir, prefix: prefix, maxAge: maxAge}
	if err := h.rotate(time.Now()); err != nil {
		return nil, err
	}
	return h, nil
}

// Write implements io.Writer
func (h *RotatingFileHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if now.Format(time.DateOnly) != h.currentDate {
		if err := h.rotate(now); err != nil {
			return 0, err
		}
		if h.pruning.CompareAndSwap(false, true) {
			go func() {
				defer h.pruning.Store(false)
				h.prune(now)
			}()
		}
	}
	return h.currentFile.Write(p)
}

func (h *RotatingFileHandler) rotate(now time.Time) error {
	if h.currentFile != nil {
		h.currentFile.Close()
	}

	date := now.Format(time.DateOnly)
	name := filepath.Join(h.dir, h.prefix+"."+date+".log")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, FilePermissions)
	if err != nil {
		return err
	}
	h.currentFile = file
	h.currentDate = date

	// <prefix>.log always points at today's file
	link := filepath.Join(h.dir, h.prefix+".log")
	// (stderr only: rotate runs under h.mu and slog may route back into Write)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "logging: remove symlink %s: %v\n", link, err)
	}
	if err := os.Symlink(name, link); err != nil {
		fmt.Fprintf(os.Stderr, "logging: create symlink %s: %v\n", link, err)
	}
	return nil
}

func (h *RotatingFileHandler) prune(now time.Time) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		slog.Warn("Failed to read log directory", "dir", h.dir, "error", err)
		return
	}

	cutoff := now.Add(-h.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name(), h.prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(h.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove old log file", "path", path, "error", err)
		}
	}
}

// isLogFile matches "<prefix>.YYYY-MM-DD.log" and rejects the "<prefix>.log" symlink
func isLogFile(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix+".") || !strings.HasSuffix(name, ".log") {
		return false
	}
	date := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"."), ".log")
	if len(date) != len(time.DateOnly) {
		return false
	}
	_, err := time.Parse(time.DateOnly, date)
	return err == nil
}

// Close closes the current file
func (h *RotatingFileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentFile != nil {
		return h.currentFile.Close()
	}
	return nil
}

// Init installs a logger built from cfg as the package and slog default
func Init(cfg Config) error {
	fileHandler, err := NewRotatingFileHandler(cfg.LogDir, filePrefix, cfg.MaxAge)
	if err != nil {
		return err
	}

	var out io.Writer = fileHandler
	if cfg.DevMode {
		out = io.MultiWriter(fileHandler, os.Stdout)
	}

	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.JSONOutput {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	loggerMu.Lock()
	if closer != nil {
		closer.Close()
	}
	closer = fileHandler
	currentConfig = cfg
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	loggerMu.Unlock()

	return nil
}

// InitDefault initializes the logger with DefaultConfig
func InitDefault() error {
	return Init(DefaultConfig())
}

// Shutdown closes the log file
func Shutdown() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
}

// Logger returns the installed logger, or slog's default before Init
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Component returns a logger tagged with the component name
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger().Warn(msg, args...) }
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// With returns a logger with additional attributes
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// LogEntry is a log line forwarded from the web UI
type LogEntry struct {
	Level   string                 `json:"level"`
	Module  string                 `json:"module"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func sanitizeData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}

	result := make(map[string]interface{}, min(len(data), MaxDataSize+1))
	count := 0
	for key, value := range data {
		if count >= MaxDataSize {
			result["_truncated"] = true
			break
		}
		count++

		if isSensitiveKey(key) {
			result[key] = "[REDACTED]"
			continue
		}
		if s, ok := value.(string); ok && len(s) > MaxDataValueLength {
			result[key] = s[:MaxDataValueLength] + "...[truncated]"
			continue
		}
		result[key] = value
	}
	return result
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range SensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func truncateMessage(msg string) string {
	if len(msg) > MaxMessageLength {
		return msg[:MaxMessageLength] + "...[truncated]"
	}
	return msg
}

// parseLevel normalizes a level name, falling back to info
func parseLevel(level string) slog.Level {
	if l, ok := validLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	Logger().Warn("Invalid log level from frontend, defaulting to info", "providedLevel", level)
	return slog.LevelInfo
}

// MaskPath replaces the home directory prefix with ~
func MaskPath(path string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return path
	}
	if path == homeDir || strings.HasPrefix(path, homeDir+string(filepath.Separator)) {
		return "~" + path[len(homeDir):]
	}
	return path
}

// LogFromFrontend records a sanitized entry coming from the web UI
func LogFromFrontend(entry LogEntry) {
	logger := Logger().With("source", "frontend", "module", entry.Module)
	if data := sanitizeData(entry.Data); len(data) > 0 {
		logger = logger.With("data", data)
	}
	logger.Log(context.Background(), parseLevel(entry.Level), truncateMessage(entry.Message))
}

// Package convlog writes chat conversations as newline-delimited JSON.
package convlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
}

// Event is one logged conversation line.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts events without blocking the caller.
type Logger interface {
	Log(Event)
	Close() error
}

// Nop discards everything.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	// mu guards closed against the close of queue.
	mu     sync.RWMutex
	closed bool

	files  map[string]*os.File
	global io.WriteCloser
}

// New returns a Logger writing one file per tab session under cfg.Dir and,
// optionally, every event to a rotated global file.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalPath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
	}

	go l.run()
	return l, nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Log queues an event; it is dropped if the queue is full or the logger
// has been closed.
func (l *fileLogger) Log(ev Event) {
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Debug("conversation log closed, dropping event",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"event_type", ev.EventType,
		)
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"event_type", ev.EventType,
		)
	}
}

// Close drains the queue and closes all files.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done

	var firstErr error
	for key, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close conversation log %s: %w", key, err)
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close global conversation log: %w", err)
		}
	}
	return firstErr
}

func (l *fileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := l.writeSession(ev, line); err != nil {
				l.logger.Warn("failed to write conversation log", "error", err, "user_id", ev.UserID)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileLogger) writeSession(ev Event, line []byte) error {
	path := filepath.Join(l.cfg.Dir, safeName(ev.UserID), safeName(ev.SessionID)+".ndjson")
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create user log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open conversation log: %w", err)
		}
		l.files[path] = f
	}
	_, err := f.Write(line)
	return err
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	controlPattern = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)
	spacePattern   = regexp.MustCompile(`[ \t]+`)
)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = controlPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

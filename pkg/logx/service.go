package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // defaults to ./groupkeeper.log
}

// ChatConfig posts log lines at or above MinLevel (default warn) to a group
// or channel, at most RatePerSec per second. Lines over the rate are dropped.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./groupkeeper.log"

// Service owns the log outputs. Apply rebuilds them; every Logger handed
// out by the Service picks up the change on its next line.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	active atomic.Pointer[zerolog.Logger]
}

// New builds the outputs for cfg. sender is used by the log chat output and
// may be nil when that output is never enabled.
func New(cfg Config, sender ChatSender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// ChatDropped is the number of log chat lines lost to the rate limit or a
// full queue.
func (s *Service) ChatDropped() uint64 { return s.chat.dropped.Load() }

// Apply swaps outputs and levels. It is safe to call while logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	var problems []string
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			problems = append(problems, fmt.Sprintf("log file %s: %v", path, err))
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Chat)
	if cfg.Chat.Enabled {
		if cfg.Chat.ChatID == 0 {
			problems = append(problems, "log chat enabled without a chat id")
		} else {
			writers = append(writers, s.chat)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.active.Store(&zl)

	for _, p := range problems {
		zl.Warn().Str("comp", "logx").Msg(p)
	}
}

// Close stops the log chat worker and closes the log file. Lines still
// queued for the chat are discarded.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

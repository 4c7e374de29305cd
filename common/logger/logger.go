package logger

import (
	"sync"

	golog "github.com/mason-leap-lab/go-utils/logger"
)

// ILogger Interface shared by all components to log messages
type ILogger interface {
	Trace(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	GetLevel() int
}

const LOG_LEVEL_ALL int = golog.LOG_LEVEL_ALL
const LOG_LEVEL_INFO int = golog.LOG_LEVEL_INFO
const LOG_LEVEL_WARN int = golog.LOG_LEVEL_WARN

var (
	// LevelProvider Overrides the level of every ColorLogger if set.
	LevelProvider func(ILogger) int

	// NilLogger Logger that prints nothing.
	NilLogger ILogger = &nilLogger{}
)

type nilLogger struct{}

func (l *nilLogger) Trace(format string, args ...interface{}) {}
func (l *nilLogger) Debug(format string, args ...interface{}) {}
func (l *nilLogger) Info(format string, args ...interface{})  {}
func (l *nilLogger) Warn(format string, args ...interface{})  {}
func (l *nilLogger) Error(format string, args ...interface{}) {}
func (l *nilLogger) GetLevel() int                            { return LOG_LEVEL_WARN + 1 }

// ColorLogger Component logger that prints with a prefix. The output is delegated to go-utils.
type ColorLogger struct {
	Prefix string
	Level  int
	Color  bool

	once    sync.Once
	backend *golog.ColorLogger
	mu      sync.Mutex
}

func (l *ColorLogger) Trace(format string, args ...interface{}) {
	if l.GetLevel() > LOG_LEVEL_ALL {
		return
	}
	l.get().Trace(format, args...)
}

func (l *ColorLogger) Debug(format string, args ...interface{}) {
	if l.GetLevel() > LOG_LEVEL_ALL {
		return
	}
	l.get().Debug(format, args...)
}

func (l *ColorLogger) Info(format string, args ...interface{}) {
	if l.GetLevel() > LOG_LEVEL_INFO {
		return
	}
	l.get().Info(format, args...)
}

func (l *ColorLogger) Warn(format string, args ...interface{}) {
	if l.GetLevel() > LOG_LEVEL_WARN {
		return
	}
	l.get().Warn(format, args...)
}

func (l *ColorLogger) Error(format string, args ...interface{}) {
	l.get().Error(format, args...)
}

func (l *ColorLogger) GetLevel() int {
	if LevelProvider != nil {
		return LevelProvider(l)
	}
	return l.Level
}

func (l *ColorLogger) get() *golog.ColorLogger {
	l.once.Do(func() {
		l.backend = &golog.ColorLogger{Prefix: l.Prefix, Color: l.Color}
	})
	l.mu.Lock()
	l.backend.Level = l.GetLevel()
	l.backend.Color = l.Color
	l.mu.Unlock()
	return l.backend
}

// Func Function wrapper that support lazy evaluation for the logger
type Func func() string

func (f Func) String() string {
	return f()
}

// NewFunc Create the function wrapper for func() string
func NewFunc(f Func) Func {
	return f
}

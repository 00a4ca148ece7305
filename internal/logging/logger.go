// Package logging はslogを包んだ構造化ロガーを提供する
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level はログレベル
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Logger はコンポーネント名付きのslogロガー
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config はロガー設定
type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// New は設定からLoggerを作成する
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
	}
}

// Discard は何も出力しないLoggerを返す（テスト用）
func Discard() *Logger {
	return New(Config{Level: LevelError + 4, Output: io.Discard})
}

// Default はデフォルトロガーを返す
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault はデフォルトロガーを差し替える
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Or は l が nil の場合にデフォルトロガーを返す
func Or(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// SetLevel はログレベルを動的に変更する
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent はcomponentフィールド付きのロガーを返す
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}

// With は任意の属性付きのロガーを返す
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// ParseLevel は文字列をログレベルに変換する。不明な値はINFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

package logger

import (
	"encoding/hex"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	globalSugar  *zap.SugaredLogger
	once         sync.Once
	mu           sync.RWMutex
)

// fixedWidthColorLevelEncoder 固定宽度（5字符）的彩色日志等级编码器
func fixedWidthColorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := level.CapitalString()
	for len(s) < 5 {
		s += " "
	}
	switch level {
	case zapcore.DebugLevel:
		s = "\x1b[35m" + s + "\x1b[0m"
	case zapcore.InfoLevel:
		s = "\x1b[34m" + s + "\x1b[0m"
	case zapcore.WarnLevel:
		s = "\x1b[33m" + s + "\x1b[0m"
	case zapcore.ErrorLevel:
		s = "\x1b[31m" + s + "\x1b[0m"
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		s = "\x1b[31;1m" + s + "\x1b[0m"
	}
	enc.AppendString(s)
}

// Init 初始化全局日志器
// level: debug, info, warn, error
// format: json, console
func Init(level, format string) error {
	var err error
	once.Do(func() {
		err = initLogger(level, format)
	})
	return err
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func initLogger(level, format string) error {
	var encoderConfig zapcore.EncoderConfig
	if format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = fixedWidthColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		encoderConfig.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			const width = 32
			s := caller.TrimmedPath()
			if len(s) < width {
				s += strings.Repeat(" ", width-len(s))
			}
			enc.AppendString(s)
		}
		encoderConfig.ConsoleSeparator = " "
	}
	encoderConfig.TimeKey = "time"

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), parseLevel(level))

	mu.Lock()
	globalLogger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	globalSugar = globalLogger.Sugar()
	mu.Unlock()
	return nil
}

// Replace 替换全局 Logger（测试中注入 zap.NewNop / zaptest 观察器）
func Replace(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	globalLogger = l
	globalSugar = l.Sugar()
	mu.Unlock()
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		Init("info", "console")
		mu.RLock()
		l = globalLogger
		mu.RUnlock()
	}
	return l
}

// Sugar 获取 SugaredLogger
func Sugar() *zap.SugaredLogger {
	Get()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// Sync 刷新日志缓冲
func Sync() {
	l := Get()
	done := make(chan struct{})
	go func() {
		_ = l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

// Named 为组件创建命名 Logger，nil 时回落到全局 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// OrNamed 组件构造时常用：调用方给了 Logger 就用它，否则取全局命名 Logger
func OrNamed(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}

// With 创建带字段的 Logger
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Hex 以十六进制输出 cookie、SPI 等标识；禁止用于密钥材料
func Hex(key string, b []byte) zap.Field {
	return zap.String(key, hex.EncodeToString(b))
}

// Addr 输出对端/本端地址，nil 安全
func Addr(key string, a net.Addr) zap.Field {
	if a == nil {
		return zap.String(key, "<nil>")
	}
	return zap.String(key, a.String())
}

// 便捷字段函数 (从 zap 导出)
var (
	String   = zap.String
	Stringer = zap.Stringer
	Int      = zap.Int
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Err      = zap.Error
	Any      = zap.Any
)

package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level (debug..fatal) and the encoder (console, json).
// Empty fields mean info and console.
type Config struct {
	Level  string
	Format string
}

var (
	baseLogger *zap.Logger
	sugar      *zap.SugaredLogger
	nodeID     atomic.Value
	connSeq    uint64
)

func init() {
	baseLogger = zap.NewNop()
	sugar = baseLogger.Sugar()
}

// InitFromEnv reads LOG_LEVEL and LOG_FORMAT; used by the tools that have
// no config file.
func InitFromEnv() error {
	return Init(Config{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})
}

func Init(cfg Config) error {
	zapCfg, err := encoderConfig(cfg.Format)
	if err != nil {
		return err
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	baseLogger = logger
	sugar = logger.Sugar()
	return nil
}

func encoderConfig(format string) (zap.Config, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		c := zap.NewDevelopmentConfig()
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return c, nil
	case "json":
		c := zap.NewProductionConfig()
		c.EncoderConfig.TimeKey = "ts"
		c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return c, nil
	default:
		return zap.Config{}, fmt.Errorf("invalid log format %q", format)
	}
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	l, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return l, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

func Sync() {
	_ = baseLogger.Sync()
}

// SetNodeID tags every log line of this process with id.
func SetNodeID(id string) {
	if strings.TrimSpace(id) != "" {
		nodeID.Store(id)
	}
}

func NewNodeID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "node-unknown"
	}
	return hex.EncodeToString(buf)
}

// NextConnID returns a process-unique label for a device connection.
func NextConnID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, atomic.AddUint64(&connSeq, 1))
}

func Infof(format string, args ...interface{}) { process().Infof(format, args...) }
func Warnf(format string, args ...interface{}) { process().Warnf(format, args...) }

// Logger is a scoped logger carrying extra key/value context such as
// conn_id or session_id.
type Logger struct {
	kv []interface{}
}

// With returns a Logger that appends keysAndValues to every entry.
func With(keysAndValues ...interface{}) *Logger {
	return &Logger{kv: keysAndValues}
}

// With extends the scope of l.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	kv := make([]interface{}, 0, len(l.kv)+len(keysAndValues))
	kv = append(kv, l.kv...)
	kv = append(kv, keysAndValues...)
	return &Logger{kv: kv}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.sugared().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugared().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugared().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugared().Errorf(format, args...) }

func (l *Logger) sugared() *zap.SugaredLogger {
	return process().With(l.kv...)
}

func process() *zap.SugaredLogger {
	id, _ := nodeID.Load().(string)
	if id == "" {
		id = "node-unknown"
	}
	return sugar.With("node_id", id)
}

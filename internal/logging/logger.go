package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/any-image/internal/config"
)

// ServiceName 写入每条日志的 service 字段，便于与同机其他服务的日志区分。
const ServiceName = "any-image"

// serviceHook 给没有显式 service 字段的日志补齐服务名。
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	return nil
}

// InitLogger 根据全局配置初始化 JSON 结构化日志，确保文件/控制台输出一致。
// 日志目录不可写时降级到 stdout，不阻断启动。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	if info, err := os.Stat(cfg.LogFilePath); err == nil && info.IsDir() {
		return os.Stdout, fmt.Errorf("日志路径是目录: %s", cfg.LogFilePath)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}

// Rotate 在日志写入文件时立即切分（进程收到 SIGHUP 时调用）；输出为 stdout 时无操作。
func Rotate(logger *logrus.Logger) error {
	if logger == nil {
		return nil
	}
	if rotator, ok := logger.Out.(*lumberjack.Logger); ok {
		return rotator.Rotate()
	}
	return nil
}

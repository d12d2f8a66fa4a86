package pkg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewLogger 测试 NewLogger 是否能够正确创建一个 logger
func TestNewLogger(t *testing.T) {
	config := &LogConfig{
		LogPath:    filepath.Join(t.TempDir(), "test.log"),
		MaxSize:    1,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   false,
		Level:      "infoo",
	}

	logger := NewLogger(config)
	assert.NotNil(t, logger)
	// 无法解析的级别回落到 info
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

// TestWithLogger 测试 WithLogger 是否能够正确添加 logger 到 context
func TestWithLogger(t *testing.T) {
	logger := zap.NewNop()

	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, logger, LoggerFromContext(ctx))
}

// TestWithLoggerAndModule 验证 WithLoggerAndModule 是否能够正确添加模块信息
func TestWithLoggerAndModule(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLoggerAndModule(context.Background(), zap.New(core), "testModule")

	LoggerFromContext(ctx).Info("Module log")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "testModule", logs.All()[0].ContextMap()["module"])
}

// TestLoggerFromContext_NoLogger 未挂载 logger 时返回 no-op logger
func TestLoggerFromContext_NoLogger(t *testing.T) {
	logger := LoggerFromContext(context.Background())
	assert.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zap.ErrorLevel))
}

package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	stmt := func(sql string) func() (string, int64) {
		return func() (string, int64) { return sql, 1 }
	}

	// fast, successful statements are silent at Warn
	gl.Trace(context.Background(), time.Now(), stmt("SELECT 1"), nil)
	assert.Equal(t, 0, logs.Len())

	gl.Trace(context.Background(), time.Now(), stmt("UPDATE organization_balances SET credit_balance = 1"), errors.New("boom"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "UPDATE", entry.ContextMap()["operation"])

	gl.Trace(context.Background(), time.Now(), stmt("SELECT 1"), gormlogger.ErrRecordNotFound)
	assert.Equal(t, 1, logs.Len())
}

func TestGormLoggerUsesLockThresholdForRowLocks(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	begin := time.Now().Add(-500 * time.Millisecond)
	gl.Trace(context.Background(), begin, func() (string, int64) {
		return "SELECT * FROM organization_balances WHERE org_id = 1 FOR UPDATE", 1
	}, nil)
	assert.Equal(t, 0, logs.Len())

	gl.Trace(context.Background(), begin, func() (string, int64) {
		return "SELECT * FROM credit_transactions", 3
	}, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "gorm.query.slow", logs.All()[0].Message)
}

func TestGormLoggerParamsFilterDropsValues(t *testing.T) {
	gl := NewGormLogger(zap.NewNop(), DefaultGormLoggerConfig())
	sql, params := gl.ParamsFilter(context.Background(), "SELECT ?", "secret")
	assert.Equal(t, "SELECT ?", sql)
	assert.Nil(t, params)
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL("insert into x values (1)"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH t AS (SELECT 1) SELECT * FROM t"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

package db_test

import (
	"testing"

	"github.com/smallbiznis/creditline/pkg/db"
	"github.com/smallbiznis/creditline/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type lockRow struct {
	ID    int64 `gorm:"primaryKey"`
	Value int64
}

func TestForUpdateIsNoopOnSQLite(t *testing.T) {
	conn := dbtest.Open(t, &lockRow{})
	require.NoError(t, conn.Create(&lockRow{ID: 1, Value: 5}).Error)

	stmt := conn.Session(&gorm.Session{DryRun: true})
	sql := db.ForUpdate(stmt).First(&lockRow{}, 1).Statement.SQL.String()
	assert.NotContains(t, sql, "FOR UPDATE")

	var row lockRow
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return db.ForUpdateSkipLocked(tx).First(&row, 1).Error
	}))
	assert.Equal(t, int64(5), row.Value)
}

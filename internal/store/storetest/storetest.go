// Package storetest 为仓储测试提供临时 SQLite 数据库。
package storetest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"perp-pilot/internal/config"
	"perp-pilot/internal/store"
)

// New 在临时目录创建数据库并在测试结束时关闭。
func New(tb testing.TB) *sql.DB {
	tb.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:            filepath.Join(tb.TempDir(), "test.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		tb.Fatalf("创建测试数据库失败: %v", err)
	}
	tb.Cleanup(func() { _ = st.Close() })
	return st.DB()
}

package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// mockPool 基于 sqlmock 的 postgres 连接池，关闭由调用方负责
func mockPool(t *testing.T, cfg PoolConfig) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	p, err := New(gdb, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p, mock
}

func smallPool() PoolConfig {
	return PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}
}

func TestNew(t *testing.T) {
	p, mock := mockPool(t, smallPool())

	assert.Equal(t, "postgres", p.DB().Dialector.Name())
	assert.Equal(t, 4, p.Stats().MaxOpen)
	assert.Zero(t, p.Stats().InUse)

	mock.ExpectClose()
	require.NoError(t, p.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err := New(nil, smallPool(), nil)
	assert.Error(t, err)
}

func TestPool_Ping(t *testing.T) {
	p, mock := mockPool(t, smallPool())

	mock.ExpectPing()
	assert.NoError(t, p.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, p.Ping(context.Background()))

	mock.ExpectClose()
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Ping(context.Background()), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_CloseIdempotent(t *testing.T) {
	cfg := smallPool()
	cfg.HealthCheckInterval = time.Hour
	p, mock := mockPool(t, cfg)

	mock.ExpectClose()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Tx(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_Tx(t *testing.T) {
	p, mock := mockPool(t, smallPool())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "flow_checkpoints"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	err := p.Tx(ctx, func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO "flow_checkpoints" (id) VALUES (?)`, "cp-1").Error
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = p.Tx(ctx, func(*gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	mock.ExpectClose()
	require.NoError(t, p.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_TxRetry(t *testing.T) {
	p, mock := mockPool(t, smallPool())
	ctx := context.Background()

	t.Run("deadlock is retried", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err := p.TxRetry(ctx, 3, func(*gorm.DB) error {
			calls++
			if calls == 1 {
				return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("constraint violation is not retried", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		calls := 0
		err := p.TxRetry(ctx, 3, func(*gorm.DB) error {
			calls++
			return errors.New(`duplicate key value violates unique constraint "flow_checkpoints_pkey"`)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	mock.ExpectClose()
	require.NoError(t, p.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr string
	}{
		{"default", func(*PoolConfig) {}, ""},
		{"no open conns", func(c *PoolConfig) { c.MaxOpenConns = 0 }, "max_open_conns"},
		{"no idle conns", func(c *PoolConfig) { c.MaxIdleConns = 0 }, "max_idle_conns must be positive"},
		{"idle above open", func(c *PoolConfig) { c.MaxIdleConns = 20 }, "exceeds"},
		{"negative interval", func(c *PoolConfig) { c.HealthCheckInterval = -time.Second }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPoolConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDialector(t *testing.T) {
	for driverName, want := range map[string]string{
		"postgres":   "postgres",
		"PG":         "postgres",
		"mysql":      "mysql",
		"sqlite3":    "sqlite",
		"SQLite":     "sqlite",
		"postgresql": "postgres",
	} {
		d, err := Dialector(driverName, "dsn")
		require.NoError(t, err, driverName)
		assert.Equal(t, want, d.Name(), driverName)
	}

	_, err := Dialector("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported")
}

func TestOpen_SQLiteFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "checkpoints.db")
	p, err := Open(Config{Driver: DriverSQLite, DSN: dsn, SlowQuery: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, p.Stats().MaxOpen)

	err = p.TxRetry(context.Background(), 2, func(tx *gorm.DB) error {
		return tx.Exec("CREATE TABLE scratch (id INTEGER PRIMARY KEY)").Error
	})
	require.NoError(t, err)
	var n int64
	require.NoError(t, p.DB().Raw("SELECT COUNT(*) FROM scratch").Scan(&n).Error)
	assert.Zero(t, n)

	_, err = Open(Config{Driver: DriverSQLite}, nil)
	assert.ErrorContains(t, err, "dsn is required")
}

func TestTransient(t *testing.T) {
	transient := []error{
		errors.New("Error 1213: Deadlock found when trying to get lock"),
		errors.New("Error 1205: Lock wait timeout exceeded"),
		errors.New("ERROR: could not serialize access (SQLSTATE 40001)"),
		errors.New("database is locked (5) (SQLITE_BUSY)"),
		fmt.Errorf("save checkpoint: %w", driver.ErrBadConn),
	}
	for _, err := range transient {
		assert.True(t, Transient(err), err.Error())
	}

	permanent := []error{
		nil,
		errors.New("duplicate key"),
		ErrPoolClosed,
		fmt.Errorf("tx: %w", context.Canceled),
	}
	for _, err := range permanent {
		assert.False(t, Transient(err), "%v", err)
	}
}

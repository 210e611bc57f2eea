package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/retry"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// Config SQL checkpoint 后端的连接配置
type Config struct {
	// Driver postgres | mysql | sqlite
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// DSN sqlite 时为文件路径或 "file::memory:"
	DSN string `yaml:"dsn" json:"dsn" env:"DSN"`
	// SlowQuery 超过该耗时的语句以 warn 级别记录，0 表示不记录
	SlowQuery time.Duration `yaml:"slow_query" json:"slow_query" env:"SLOW_QUERY"`
	Pool      PoolConfig    `yaml:"pool" json:"pool" env:"POOL"`
}

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// HealthCheckInterval 后台探活间隔，0 关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultPoolConfig checkpoint 写入是低并发的小事务，连接数保持较小
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        2,
		MaxOpenConns:        8,
		ConnMaxLifetime:     30 * time.Minute,
		ConnMaxIdleTime:     5 * time.Minute,
		HealthCheckInterval: time.Minute,
	}
}

// Validate 汇总全部问题后返回
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}
	if c.MaxIdleConns <= 0 {
		errs = append(errs, errors.New("max_idle_conns must be positive"))
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 || c.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("pool durations must not be negative"))
	}
	return errors.Join(errs...)
}

func (c PoolConfig) isZero() bool {
	return c == PoolConfig{}
}

// Dialector 驱动名到 GORM dialector；sqlite 走纯 Go 实现
func Dialector(driverName, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driverName) {
	case DriverPostgres, "postgresql", "pg":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %q", driverName)
}

// Pool 持有 GORM DB 与底层 sql.DB，Close 后所有操作返回 ErrPoolClosed
type Pool struct {
	gdb *gorm.DB
	raw *sql.DB
	cfg PoolConfig
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open 打开数据库；Pool 为零值时使用 DefaultPoolConfig
func Open(cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: queryLogger(logger, cfg.SlowQuery)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	pc := cfg.Pool
	if pc.isZero() {
		pc = DefaultPoolConfig()
	}
	return New(gdb, pc, logger)
}

// queryLogger GORM 日志接到 zap；只输出慢查询与错误
func queryLogger(logger *zap.Logger, slow time.Duration) gormlogger.Interface {
	if slow <= 0 {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// New 包装已打开的 GORM DB 并应用连接池参数
func New(gdb *gorm.DB, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if gdb == nil {
		return nil, errors.New("gorm db is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConns)
	raw.SetMaxIdleConns(cfg.MaxIdleConns)
	raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	raw.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	p := &Pool{
		gdb:  gdb,
		raw:  raw,
		cfg:  cfg,
		log:  logger.With(zap.String("component", "checkpoint_db")),
		done: make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop(cfg.HealthCheckInterval)
	}

	p.log.Info("checkpoint database opened",
		zap.String("dialect", gdb.Dialector.Name()),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return p, nil
}

// DB 返回 GORM 实例
func (p *Pool) DB() *gorm.DB {
	return p.gdb
}

// Ping 探活
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.raw.PingContext(ctx)
}

// Stats 连接池运行指标
type Stats struct {
	MaxOpen      int           `json:"max_open"`
	Open         int           `json:"open"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration"`
}

func (p *Pool) Stats() Stats {
	s := p.raw.Stats()
	return Stats{
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}
}

// Close 停止探活并关闭连接，可重复调用
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("checkpoint database closed")
	return p.raw.Close()
}

func (p *Pool) healthLoop(every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every/2+time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return
			}
			p.log.Warn("checkpoint database ping failed", zap.Error(err))
			continue
		}
		s := p.Stats()
		p.log.Debug("checkpoint database healthy", zap.Int("open", s.Open), zap.Int("in_use", s.InUse))
	}
}

// Tx 在单个事务中执行 fn，fn 返回错误时回滚
func (p *Pool) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return p.gdb.WithContext(ctx).Transaction(fn)
}

// TxRetry 与 Tx 相同，但死锁、锁等待、断连这类瞬时错误会整体重试
func (p *Pool) TxRetry(ctx context.Context, attempts int, fn func(tx *gorm.DB) error) error {
	policy := &retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		RetryIf:      Transient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.log.Warn("checkpoint transaction retry",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}
	return retry.NewBackoffRetryer(policy, p.log).Do(ctx, func() error {
		return p.Tx(ctx, fn)
	})
}

// 各驱动瞬时错误的文本特征
var transientMarkers = []string{
	"deadlock",          // mysql 1213 / postgres 40P01
	"40001",             // postgres serialization_failure
	"lock wait timeout", // mysql 1205
	"database is locked",
	"sqlite_busy",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

// Transient 判断错误是否值得重试整个事务
func Transient(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

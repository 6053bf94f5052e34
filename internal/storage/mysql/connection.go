package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultIOTimeout       = 30 * time.Second
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
)

// driverConfig 解析 DSN 并补齐历史库需要的连接参数：
// 必须指定库名，时间统一按 UTC 处理，未设置时补上拨号与读写超时。
func (c Config) driverConfig() (*gomysql.Config, error) {
	if strings.TrimSpace(c.DSN) == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}
	dcfg, err := gomysql.ParseDSN(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	if dcfg.DBName == "" {
		return nil, errors.New("MySQL DSN 缺少数据库名")
	}
	dcfg.Loc = time.UTC
	// 迁移文件按语句拆分执行，连接上不开启多语句。
	dcfg.MultiStatements = false
	if dcfg.Timeout == 0 {
		dcfg.Timeout = defaultDialTimeout
	}
	if dcfg.ReadTimeout == 0 {
		dcfg.ReadTimeout = defaultIOTimeout
	}
	if dcfg.WriteTimeout == 0 {
		dcfg.WriteTimeout = defaultIOTimeout
	}
	return dcfg, nil
}

func (c Config) applyPool(db *sql.DB) {
	maxOpen := c.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := c.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	lifetime := c.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	if c.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}
}

// openDatabase 建立连接池并确认历史库可达，错误信息中不包含凭据。
func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	dcfg, err := cfg.driverConfig()
	if err != nil {
		return nil, err
	}
	connector, err := gomysql.NewConnector(dcfg)
	if err != nil {
		return nil, fmt.Errorf("创建 MySQL 连接器失败: %w", err)
	}
	db := sql.OpenDB(connector)
	cfg.applyPool(db)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL %s/%s: %w", dcfg.Addr, dcfg.DBName, err)
	}
	return db, nil
}

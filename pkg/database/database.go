// Package database 负责初始化关系型存储（SQLite 或 MySQL）和 Redis 连接。
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB 根据配置打开数据库连接，失败时终止进程。
func InitDB(cfg config.DatabaseConfig) {
	var err error
	DB, err = Open(cfg)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	log.Infof("数据库连接成功 (driver=%s)", cfg.Driver)
}

// Open 打开数据库连接并配置连接池。
// 所有时间戳都来自单调递增的 UTC 时钟，保证同一会话内的消息按写入顺序排列。
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		NowFunc: NewMonotonicClock().Now,
		Logger:  logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Driver {
	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
		return db, nil

	case "sqlite", "":
		return OpenSQLite(cfg.SQLite.Path, gormCfg)

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite 打开（必要时创建）SQLite 数据库文件，开启外键约束。
// path 为 ":memory:" 或以 "file:" 开头时原样作为 DSN 使用。
func OpenSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if gormCfg == nil {
		gormCfg = &gorm.Config{NowFunc: NewMonotonicClock().Now, Logger: logger.Default.LogMode(logger.Silent)}
	}

	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// 单写者：SQLite 只保留一个连接，避免 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

package orm

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver      string `mapstructure:"driver"`      // mysql / sqlite，默认 mysql
	DSN         string `mapstructure:"dsn"`         // 连接字符串
	MaxIdle     int    `mapstructure:"maxIdle"`     // 最大空闲连接
	MaxOpen     int    `mapstructure:"maxOpen"`     // 最大打开连接
	MaxLifetime int    `mapstructure:"maxLifetime"` // 连接存活秒数
	LogLevel    string `mapstructure:"logLevel"`    // silent/error/warn/info
}

// Open 初始化 GORM；生产用 mysql，本地开发和单测用 sqlite
func Open(c *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(c.Driver) {
	case "", "mysql":
		dialector = mysql.Open(c.DSN)
	case "sqlite":
		dialector = sqlite.Open(c.DSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		// 生产环境建议用 Warn/Error，开发环境用 Info (打印SQL)
		Logger: logger.Default.LogMode(logLevel(c.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 关键配置：连接池优化
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}

	return db, nil
}

// NewMySQL 初始化失败直接 panic，给 main 用
func NewMySQL(c *Config) *gorm.DB {
	db, err := Open(c)
	if err != nil {
		panic("failed to connect database: " + err.Error())
	}
	return db
}

func logLevel(s string) logger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenConfig 数据库打开参数
type OpenConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接字符串
	DSN string `yaml:"dsn" json:"dsn"`
}

// Open 按驱动类型打开数据库连接。
// sqlite 使用纯 Go 驱动，便于开发环境与测试免 CGO 运行。
func Open(cfg OpenConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	logger.Info("database opened", zap.String("driver", cfg.Driver))
	return db, nil
}

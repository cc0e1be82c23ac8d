package migration

import (
	"fmt"
	"net/url"

	appconfig "github.com/BaSui01/modelgate/config"
)

// NewMigratorFromDatabaseConfig 从网关数据库配置构造迁移器。
// Driver 字段决定方言，其余字段拼出对应方言的连接串。
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*SchemaMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  BuildDSN(dbType, dbCfg),
	})
}

// NewMigratorFromURL 从方言名与现成连接串构造迁移器，
// 供 migrate 子命令的 --db-url 直连场景使用
func NewMigratorFromURL(dbType, dbURL string) (*SchemaMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}

// BuildDSN 按方言拼接迁移器使用的连接串。
// SQLite 下 Name 是数据库文件路径，并显式打开外键约束。
func BuildDSN(dbType DatabaseType, dbCfg appconfig.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := dbCfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(dbCfg.User), url.QueryEscape(dbCfg.Password),
			dbCfg.Host, dbCfg.Port, dbCfg.Name, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name)
	case DatabaseTypeSQLite:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", dbCfg.Name)
	default:
		return ""
	}
}

package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让上层代码无需关心具体实现
type DatabaseAdapter interface {
	// 基础连接管理
	Open() error
	Close() error
	Ping(ctx context.Context) error

	// 获取数据库连接
	GetDB() *sql.DB

	// 数据库初始化
	InitSchema() error

	// 类型标识
	GetDatabaseType() string
}

// DatabaseConfig 统一数据库配置结构
type DatabaseConfig struct {
	// 数据库类型
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	DatabasePath string `yaml:"database_path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置（简化版，适合本地使用）
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	// MySQL特定配置
	Charset string `yaml:"charset,omitempty"`
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(config DatabaseConfig) (DatabaseAdapter, error) {
	switch getDatabaseType(config) {
	case "sqlite":
		return NewSQLiteAdapter(config), nil
	case "mysql":
		return NewMySQLAdapter(config), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// getDatabaseType 从配置推断数据库类型
func getDatabaseType(config DatabaseConfig) string {
	// 1. 优先使用明确配置的类型
	if config.Type != "" {
		return config.Type
	}

	// 2. 根据配置内容推断类型
	if config.Host != "" || config.Database != "" {
		return "mysql"
	}

	// 3. 默认为SQLite
	return "sqlite"
}

// setDefaultConfig 设置数据库配置默认值
func setDefaultConfig(config *DatabaseConfig) {
	switch getDatabaseType(*config) {
	case "mysql":
		if config.Port == 0 {
			config.Port = 3306
		}
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = 10 // 本地使用足够
		}
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = 5
		}
		if config.ConnMaxLifetime == 0 {
			config.ConnMaxLifetime = time.Hour
		}
		if config.Charset == "" {
			config.Charset = "utf8mb4"
		}
	default:
		if config.DatabasePath == "" {
			config.DatabasePath = "data/usage.db"
		}
	}
}

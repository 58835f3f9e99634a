package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type (
	// PresenceConfig selects and configures the presence store
	PresenceConfig struct {
		Type  string              `yaml:"type"` // memory or redis
		Redis PresenceRedisConfig `yaml:"redis"`
	}

	// PresenceRedisConfig represents the Redis configuration for presence data
	PresenceRedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, sentinel, cluster
		Addr        string `yaml:"addr"`         // multiple addresses separated by ; or ,
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"` // key namespace, default "kefu"
		Topic       string `yaml:"topic"`  // pub/sub channel for session events
	}

	// MessageLogConfig selects and configures the chat message log
	MessageLogConfig struct {
		Type       string         `yaml:"type"`         // memory or db
		MaxPerPair int            `yaml:"max_per_pair"` // newest messages kept per conversation pair
		Database   DatabaseConfig `yaml:"database"`
	}

	DatabaseConfig struct {
		Type     string `yaml:"type"`     // mysql, postgres, sqlite
		Host     string `yaml:"host"`     // localhost
		Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
		Password string `yaml:"password"` // password
		DBName   string `yaml:"dbname"`   // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() (string, error) {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN(), nil
	case "mysql":
		return c.getMySQLDSN(), nil
	case "sqlite":
		if c.DBName == ":memory:" {
			return c.DBName, nil
		}
		if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for sqlite database: %w", err)
		}
		return c.DBName, nil // For SQLite, DBName is the file path
	default:
		return "", fmt.Errorf("unsupported database type: %s", c.Type)
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

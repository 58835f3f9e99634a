package chatlog

import (
	"context"
	"fmt"
	"sort"

	"github.com/amoylab/kefu/internal/common/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DBStore implements Store on a relational database through gorm
type DBStore struct {
	logger     *zap.Logger
	db         *gorm.DB
	maxPerPair int
}

var _ Store = (*DBStore)(nil)

// NewDBStore opens the configured database and migrates the message table
func NewDBStore(logger *zap.Logger, cfg *config.DatabaseConfig, maxPerPair int) (*DBStore, error) {
	dsn, err := cfg.GetDSN()
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Type == "sqlite" && dsn == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := gormDB.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DBStore{
		logger:     logger.Named("chatlog.db"),
		db:         gormDB,
		maxPerPair: maxPerPair,
	}, nil
}

// Save implements Store.Save
func (s *DBStore) Save(ctx context.Context, msg *Message) error {
	msg.PairKey = PairKey(msg.From, msg.To)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		if s.maxPerPair <= 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&Message{}).Where("pair_key = ?", msg.PairKey).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}
		excess := int(count) - s.maxPerPair
		if excess <= 0 {
			return nil
		}

		var ids []string
		if err := tx.Model(&Message{}).
			Where("pair_key = ?", msg.PairKey).
			Order("timestamp asc").Order("id asc").
			Limit(excess).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to select trimmed messages: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("failed to trim messages: %w", err)
		}
		return nil
	})
}

// Recent implements Store.Recent
func (s *DBStore) Recent(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	var messages []*Message
	q := s.db.WithContext(ctx).
		Where("pair_key = ?", PairKey(a, b)).
		Order("timestamp desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

// Close closes the database connection
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

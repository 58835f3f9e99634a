package chatlog

import (
	"fmt"

	"github.com/amoylab/kefu/internal/common/cnst"
	"github.com/amoylab/kefu/internal/common/config"
	"go.uber.org/zap"
)

// NewStore creates a message log based on configuration
func NewStore(logger *zap.Logger, cfg *config.MessageLogConfig) (Store, error) {
	logger.Info("Initializing message log", zap.String("type", cfg.Type))
	switch cnst.StoreType(cfg.Type) {
	case cnst.StoreTypeMemory:
		return NewMemoryStore(cfg.MaxPerPair), nil
	case cnst.StoreTypeDB:
		store, err := NewDBStore(logger, &cfg.Database, cfg.MaxPerPair)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
}

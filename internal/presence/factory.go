package presence

import (
	"fmt"

	"github.com/amoylab/kefu/internal/common/cnst"
	"github.com/amoylab/kefu/internal/common/config"
	"go.uber.org/zap"
)

// NewStore creates a presence store based on configuration
func NewStore(logger *zap.Logger, cfg *config.PresenceConfig) (Store, error) {
	logger.Info("Initializing presence store", zap.String("type", cfg.Type))
	switch cnst.StoreType(cfg.Type) {
	case cnst.StoreTypeMemory:
		return NewMemoryStore(logger), nil
	case cnst.StoreTypeRedis:
		store, err := NewRedisStore(logger, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedStoreType, cfg.Type)
	}
}

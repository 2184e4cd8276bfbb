package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/nupi-ai/hostd/internal/config"
)

// Open returns the broker selected by settings: redis when clustering is
// enabled, the local loopback otherwise.
func Open(ctx context.Context, s config.Settings, logger *log.Logger) (Broker, error) {
	if !s.Cluster {
		return NewLocal(logger), nil
	}
	if s.RedisURL == "" {
		return nil, fmt.Errorf("broker: %s is set but %s is empty", config.EnvCluster, config.EnvRedisURL)
	}
	return DialRedis(ctx, s.RedisURL, s.GroupID, logger)
}

// Redis connection bootstrap shared by the durable queue, the instance
// state store, and the migration history.
//
// Purpose:
//   - One place that parses the Redis URL, applies the DB selection, and
//     verifies connectivity before any component starts
//   - KeySpace gives every persisted key a common namespace prefix so
//     multiple deployments can share one Redis
//
// Scope:
//   - Connection construction and ping verification only; data access
//     lives in the owning packages (queue, store, migration)
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient connects to Redis at the given URL, selects db when the URL
// does not carry one, and verifies connectivity with a short ping.
func NewRedisClient(url string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &ControlError{
			Op:      "core.NewRedisClient",
			Kind:    KindValidation,
			Message: fmt.Sprintf("invalid redis URL: %v (check GPUFLEET_REDIS_URL, format: redis://host:port)", err),
			Err:     ErrInvalidConfiguration,
		}
	}

	if db != 0 {
		if db < 0 || db > 15 {
			return nil, &ControlError{
				Op:      "core.NewRedisClient",
				Kind:    KindValidation,
				Message: fmt.Sprintf("redis database must be 0-15, got %d", db),
				Err:     ErrInvalidConfiguration,
			}
		}
		opts.DB = db
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &ControlError{
			Op:      "core.NewRedisClient",
			Kind:    KindNetwork,
			Message: fmt.Sprintf("redis ping failed: %v (verify the server is reachable)", err),
			Err:     ErrConnectionFailed,
		}
	}

	return client, nil
}

// KeySpace builds namespaced Redis keys: prefix:part:part:...
// All persisted state lives under one prefix per deployment.
type KeySpace struct {
	prefix string
}

// NewKeySpace returns a KeySpace for the given prefix. An empty prefix falls
// back to "gpufleet".
func NewKeySpace(prefix string) KeySpace {
	if prefix == "" {
		prefix = "gpufleet"
	}
	return KeySpace{prefix: prefix}
}

// Key joins the prefix and parts with ":".
func (k KeySpace) Key(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

// Prefix returns the raw namespace prefix.
func (k KeySpace) Prefix() string {
	return k.prefix
}

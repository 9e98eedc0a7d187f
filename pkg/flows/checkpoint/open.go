package checkpoint

import (
	"context"
	"fmt"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/registry"
)

// Factory opens a saver from its configuration.
type Factory func(ctx context.Context, cfg config.StoreConfig) (Saver, error)

var backends = registry.New[string, Factory]()

func init() {
	RegisterBackend("memory", func(context.Context, config.StoreConfig) (Saver, error) {
		return NewMemorySaver(), nil
	})
	RegisterBackend("sqlite", func(ctx context.Context, cfg config.StoreConfig) (Saver, error) {
		path := cfg.DSN
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteSaver(ctx, path)
	})
	RegisterBackend("postgres", func(ctx context.Context, cfg config.StoreConfig) (Saver, error) {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires dsn")
		}
		return NewPostgresSaver(ctx, cfg.DSN)
	})
	RegisterBackend("redis", func(_ context.Context, cfg config.StoreConfig) (Saver, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis backend requires url")
		}
		var opts []RedisOption
		if cfg.TTL > 0 {
			opts = append(opts, WithRedisTTL(cfg.TTL))
		}
		return NewRedisSaver(cfg.URL, opts...)
	})
}

// RegisterBackend makes a saver backend available to Open. Registering an
// existing name replaces it.
func RegisterBackend(name string, factory Factory) {
	backends.Register(name, factory)
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	return backends.Keys()
}

// Open creates the saver selected by cfg. It returns nil, nil when no
// backend is configured.
func Open(ctx context.Context, cfg config.StoreConfig) (Saver, error) {
	if cfg.Backend == "" {
		return nil, nil
	}
	factory, ok := backends.Get(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint backend %q (available: %v)", cfg.Backend, Backends())
	}
	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint backend: %w", cfg.Backend, err)
	}
	return s, nil
}

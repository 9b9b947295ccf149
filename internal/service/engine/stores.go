package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/cache"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/database"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/store/memory"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
)

// Stores is the persistence the engine runs on
type Stores struct {
	ContactEvents compliance.ContactEventStore
	CeaseDesist   compliance.CeaseDesistStore
	Records       compliance.RecordStore
	Flags         compliance.FlagStore

	closers []func()
	pools   map[string]func() metrics.PoolStats
}

// MemoryStores returns fresh in-process stores
func MemoryStores() *Stores {
	return &Stores{
		ContactEvents: memory.NewContactEventStore(),
		CeaseDesist:   memory.NewCeaseDesistStore(),
		Records:       memory.NewRecordStore(),
		Flags:         memory.NewFlagStore(),
	}
}

// OpenStores connects the backend selected by store.backend:
//
//	memory    everything in process
//	redis     contact events and cease-desist records in Redis; the audit
//	          log in PostgreSQL when database.url is set, in memory otherwise
//	postgres  everything in PostgreSQL
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := MemoryStores()
	s.pools = make(map[string]func() metrics.PoolStats)

	switch cfg.Store.Backend {
	case "memory":
		return s, nil

	case "redis":
		client, err := cache.NewClient(&cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		s.useRedis(client, cfg.Redis.KeyPrefix, logger)

		if cfg.Database.URL != "" {
			pool, err := database.NewPool(ctx, &cfg.Database, logger)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.usePostgres(pool, logger, false)
		} else {
			logger.Warn("redis backend without database.url keeps the audit log in memory")
		}
		return s, nil

	case "postgres":
		pool, err := database.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		s.usePostgres(pool, logger, true)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (s *Stores) useRedis(client *redis.Client, prefix string, logger *zap.Logger) {
	s.ContactEvents = cache.NewContactEventStore(client, prefix, logger)
	s.CeaseDesist = cache.NewCeaseDesistStore(client, prefix, logger)
	s.closers = append(s.closers, func() { _ = client.Close() })
	s.pools["redis"] = func() metrics.PoolStats {
		st := client.PoolStats()
		return metrics.PoolStats{
			Total: int64(st.TotalConns),
			Idle:  int64(st.IdleConns),
			InUse: int64(st.TotalConns) - int64(st.IdleConns),
		}
	}
}

func (s *Stores) usePostgres(pool *pgxpool.Pool, logger *zap.Logger, all bool) {
	s.Records = database.NewRecordStore(pool, logger)
	s.Flags = database.NewFlagStore(pool, logger)
	if all {
		s.ContactEvents = database.NewContactEventStore(pool, logger)
		s.CeaseDesist = database.NewCeaseDesistStore(pool, logger)
	}
	s.closers = append(s.closers, pool.Close)
	s.pools["postgres"] = func() metrics.PoolStats {
		st := pool.Stat()
		return metrics.PoolStats{
			Total: int64(st.TotalConns()),
			Idle:  int64(st.IdleConns()),
			InUse: int64(st.AcquiredConns()),
		}
	}
}

// Close releases backend connections in reverse order of opening
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

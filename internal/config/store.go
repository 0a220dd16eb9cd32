package config

import (
	"context"
	"fmt"

	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/docstore/memstore"
	"github.com/steveyegge/tasksync/internal/docstore/mongostore"
	"github.com/steveyegge/tasksync/internal/docstore/sqlitestore"
	"github.com/steveyegge/tasksync/internal/docstore/wsstore"
)

// OpenStore builds the configured backend. Network backends are wrapped in
// a circuit breaker when store.breaker.enabled is set.
//
// The caller MUST call Close() on the result.
func OpenStore(ctx context.Context, c StoreConfig, logging *Logging) (docstore.Store, error) {
	switch c.Backend {
	case BackendMemory:
		return memstore.New(logging.Logger("memstore")), nil

	case BackendSQLite:
		sc := sqlitestore.DefaultConfig(c.SQLite.Path)
		sc.Logger = logging.Logger("sqlitestore")
		s, err := sqlitestore.OpenWithConfig(sc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case BackendMongo:
		s, err := mongostore.Connect(ctx, &mongostore.Config{
			URI:        c.Mongo.URI,
			Database:   c.Mongo.Database,
			Collection: c.Mongo.Collection,
			Logger:     logging.Logger("mongostore"),
		})
		if err != nil {
			return nil, err
		}
		return withBreaker(s, c.Breaker, "mongo", logging), nil

	case BackendRemote:
		s, err := wsstore.Dial(ctx, &wsstore.Config{
			URL:    c.Remote.URL,
			Logger: logging.Logger("wsstore"),
		})
		if err != nil {
			return nil, err
		}
		return withBreaker(s, c.Breaker, "remote", logging), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}

func withBreaker(s docstore.Store, c BreakerConfig, name string, logging *Logging) docstore.Store {
	if !c.Enabled {
		return s
	}
	bc := docstore.DefaultBreakerConfig()
	bc.Name = name
	if c.ConsecutiveFailures > 0 {
		bc.ConsecutiveFailures = c.ConsecutiveFailures
	}
	if c.Timeout > 0 {
		bc.Timeout = c.Timeout
	}
	if c.MaxRequests > 0 {
		bc.MaxRequests = c.MaxRequests
	}
	bc.Logger = logging.Logger("breaker")
	return docstore.NewBreaker(s, bc)
}

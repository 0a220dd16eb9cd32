package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker once exceeded.
	ConsecutiveFailures uint32

	// Logger for state changes (default: stderr logger)
	Logger *log.Logger
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:                "docstore",
		MaxRequests:         1,
		Timeout:             5 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// Breaker decorates a Store with a circuit breaker. While the circuit is
// open calls fail fast with ErrUnavailable. Caller errors (not found,
// already exists, wrong field type) do not trip it.
type Breaker struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// NewBreaker wraps store. A nil config uses DefaultBreakerConfig.
func NewBreaker(store Store, config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[breaker] ", log.LstdFlags)
	}
	limit := config.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("Circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerError(err) || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{Store: store, cb: cb}
}

// State returns the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) run(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

// Subscribe implements Store.Subscribe.
func (b *Breaker) Subscribe(ctx context.Context, key string, fn Listener) (Unsubscribe, error) {
	v, err := b.run(func() (any, error) {
		return b.Store.Subscribe(ctx, key, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(Unsubscribe), nil
}

// Read implements Store.Read.
func (b *Breaker) Read(ctx context.Context, key string) (Snapshot, error) {
	v, err := b.run(func() (any, error) {
		return b.Store.Read(ctx, key)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// ArrayUnion implements Store.ArrayUnion.
func (b *Breaker) ArrayUnion(ctx context.Context, key, field string, element Element) error {
	_, err := b.run(func() (any, error) {
		return nil, b.Store.ArrayUnion(ctx, key, field, element)
	})
	return err
}

// ArrayRemove implements Store.ArrayRemove.
func (b *Breaker) ArrayRemove(ctx context.Context, key, field string, element Element) (int, error) {
	return b.count(func() (int, error) {
		return b.Store.ArrayRemove(ctx, key, field, element)
	})
}

// Overwrite implements Store.Overwrite.
func (b *Breaker) Overwrite(ctx context.Context, key, field string, elements []Element) error {
	_, err := b.run(func() (any, error) {
		return nil, b.Store.Overwrite(ctx, key, field, elements)
	})
	return err
}

// RemoveByKey implements Store.RemoveByKey.
func (b *Breaker) RemoveByKey(ctx context.Context, key, field, idField, id string) (int, error) {
	return b.count(func() (int, error) {
		return b.Store.RemoveByKey(ctx, key, field, idField, id)
	})
}

// UpdateByKey implements Store.UpdateByKey.
func (b *Breaker) UpdateByKey(ctx context.Context, key, field, idField, id string, changes map[string]any) (int, error) {
	return b.count(func() (int, error) {
		return b.Store.UpdateByKey(ctx, key, field, idField, id, changes)
	})
}

// CreateDocument implements Store.CreateDocument.
func (b *Breaker) CreateDocument(ctx context.Context, key string, fields map[string]any) error {
	_, err := b.run(func() (any, error) {
		return nil, b.Store.CreateDocument(ctx, key, fields)
	})
	return err
}

func (b *Breaker) count(fn func() (int, error)) (int, error) {
	v, err := b.run(func() (any, error) {
		n, err := fn()
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultMirrorLimit is the largest encoded value copied to the secondary tier.
const DefaultMirrorLimit = 5_000_000

// FailureCounter records swallowed tier failures.
type FailureCounter interface {
	PersistenceFailure(tier, op string)
}

// PersistenceStore is the dual-tier key/value store. The primary tier is the
// durability signal; the secondary tier is a size-bounded best-effort mirror.
// Tier failures are logged and never returned to the caller.
type PersistenceStore struct {
	primary     Tier
	secondary   Tier
	mirrorLimit int
	logger      *zap.Logger
	failures    FailureCounter
}

type Option func(*PersistenceStore)

// WithMirrorLimit sets the secondary tier size ceiling in bytes.
func WithMirrorLimit(n int) Option {
	return func(p *PersistenceStore) { p.mirrorLimit = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *PersistenceStore) { p.logger = l }
}

func WithFailureCounter(c FailureCounter) Option {
	return func(p *PersistenceStore) { p.failures = c }
}

// NewPersistenceStore wires the two tiers. secondary may be nil.
func NewPersistenceStore(primary, secondary Tier, opts ...Option) *PersistenceStore {
	p := &PersistenceStore{
		primary:     primary,
		secondary:   secondary,
		mirrorLimit: DefaultMirrorLimit,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PersistenceStore) fail(tier, op, key string, err error) {
	if p.failures != nil {
		p.failures.PersistenceFailure(tier, op)
	}
	p.logger.Warn("persistence tier failure",
		zap.String("tier", tier), zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// Get reads the primary tier and falls back to the secondary tier when the
// primary errors or misses. The second result is false when neither has it.
func (p *PersistenceStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := p.primary.Get(ctx, key)
	if err == nil {
		return val, true
	}
	if !errors.Is(err, ErrNotFound) {
		p.fail("primary", "get", key, err)
	}

	if p.secondary == nil {
		return nil, false
	}
	val, err = p.secondary.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.fail("secondary", "get", key, err)
		}
		return nil, false
	}
	return val, true
}

// Load decodes the stored JSON value for key into out.
func (p *PersistenceStore) Load(ctx context.Context, key string, out any) (bool, error) {
	raw, ok := p.Get(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Set encodes value as JSON, writes it to the primary tier and mirrors it to
// the secondary tier when it fits under the ceiling. Only an encoding error is
// returned.
func (p *PersistenceStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := p.primary.Set(ctx, key, data); err != nil {
		p.fail("primary", "set", key, err)
	}

	if p.secondary == nil {
		return nil
	}
	if len(data) >= p.mirrorLimit {
		p.logger.Debug("value too large for mirror", zap.String("key", key), zap.Int("bytes", len(data)))
		return nil
	}
	if err := p.secondary.Set(ctx, key, data); err != nil {
		p.fail("secondary", "set", key, err)
	}
	return nil
}

// Delete removes key from both tiers independently.
func (p *PersistenceStore) Delete(ctx context.Context, key string) {
	if p.secondary != nil {
		if err := p.secondary.Delete(ctx, key); err != nil {
			p.fail("secondary", "delete", key, err)
		}
	}
	if err := p.primary.Delete(ctx, key); err != nil {
		p.fail("primary", "delete", key, err)
	}
}

// Close closes both tiers.
func (p *PersistenceStore) Close() error {
	var errs []error
	if err := p.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.secondary != nil {
		if err := p.secondary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

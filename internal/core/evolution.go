package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/metrics"
	"soulkyn.app/character-chat/internal/store"
)

const (
	evolutionWindow  = 10
	evolutionTimeout = 2 * time.Minute
)

// EvolutionUpdater revises a character's memory after it speaks. Updates run
// detached from the turn; the last one to resolve wins.
type EvolutionUpdater struct {
	state   *StateStore
	reviser MemoryReviser
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewEvolutionUpdater(state *StateStore, reviser MemoryReviser, m *metrics.Metrics, logger *zap.Logger) *EvolutionUpdater {
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvolutionUpdater{state: state, reviser: reviser, metrics: m, logger: logger}
}

// Schedule starts a memory revision for characterID over the last exchanges
// of recent. It returns immediately.
func (u *EvolutionUpdater) Schedule(characterID string, recent []ContextLine) {
	char, ok := u.state.Character(characterID)
	if !ok || u.reviser == nil {
		return
	}
	if len(recent) > evolutionWindow {
		recent = recent[len(recent)-evolutionWindow:]
	}
	window := append([]ContextLine(nil), recent...)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), evolutionTimeout)
		defer cancel()

		revised := strings.TrimSpace(u.reviser.ReviseMemory(ctx, char.Name, char.Description, char.EvolutionContext, window))
		u.apply(characterID, revised)
	}()
}

func (u *EvolutionUpdater) apply(characterID, revised string) {
	if revised == "" {
		u.metrics.EvolutionUpdates.WithLabelValues("dropped").Inc()
		return
	}
	changed := false
	_, err := u.state.UpdateCharacter(characterID, func(c *store.Character) bool {
		if c.EvolutionContext == revised {
			return false
		}
		c.EvolutionContext = revised
		changed = true
		return true
	})
	switch {
	case errors.Is(err, ErrCharacterNotFound):
		u.metrics.EvolutionUpdates.WithLabelValues("dropped").Inc()
		u.logger.Debug("Character gone before memory revision resolved", zap.String("character_id", characterID))
	case err != nil:
		u.metrics.EvolutionUpdates.WithLabelValues("dropped").Inc()
		u.logger.Warn("Failed to apply memory revision", zap.String("character_id", characterID), zap.Error(err))
	case changed:
		u.metrics.EvolutionUpdates.WithLabelValues("applied").Inc()
	default:
		u.metrics.EvolutionUpdates.WithLabelValues("unchanged").Inc()
	}
}

// Wait blocks until every scheduled revision has resolved.
func (u *EvolutionUpdater) Wait() {
	u.wg.Wait()
}

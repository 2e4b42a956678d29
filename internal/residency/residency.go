// Package residency enforces the persistent-core / on-demand-specialist
// policy: the chat model stays resident in accelerator memory for the life
// of the Brain, while vision/embed/audio specialists are loaded per call and
// evicted immediately after, so no two heavy specialists ever coexist.
package residency

import (
	"context"
	"fmt"
	"time"

	"studymate/internal/logging"
	"studymate/internal/runtime"
	"studymate/internal/types"
)

// defaultSpecialistKeepAlive is used when the caller's context carries no
// deadline. The post-call eviction makes the exact value unimportant; it
// only guards against a crash between load and cleanup.
const defaultSpecialistKeepAlive = 5 * time.Minute

// cleanupTimeout bounds the eviction path, which must run even when the
// caller's context is already cancelled.
const cleanupTimeout = 15 * time.Second

// Manager owns model residency for one runtime.
type Manager struct {
	rt        runtime.Runtime
	coreModel string

	// specialist is a one-slot FIFO gate: at most one specialist is
	// resident, and waiters are served in arrival order.
	specialist chan struct{}
}

// NewManager creates a residency manager for rt with the given core model.
func NewManager(rt runtime.Runtime, coreModel string) *Manager {
	m := &Manager{
		rt:         rt,
		coreModel:  coreModel,
		specialist: make(chan struct{}, 1),
	}
	m.specialist <- struct{}{}
	return m
}

// CoreModel returns the stable identifier of the resident chat model.
func (m *Manager) CoreModel() string { return m.coreModel }

// Start makes the core model resident with an unbounded keep-alive and
// verifies the runtime answers.
func (m *Manager) Start(ctx context.Context) error {
	log := logging.Get(logging.CategoryResidency)

	if err := m.rt.Health(ctx); err != nil {
		return fmt.Errorf("runtime not reachable: %w", err)
	}
	if err := m.rt.Load(ctx, m.coreModel, runtime.KeepForever); err != nil {
		return fmt.Errorf("failed to load core model %s: %w", m.coreModel, err)
	}
	log.Infow("core model resident", "model", m.coreModel)
	return nil
}

// WithSpecialist loads model, runs fn while it is resident, then evicts it
// and triggers memory reclamation. The load→use→evict sequence is mutually
// exclusive across all specialists; the core model is untouched.
func (m *Manager) WithSpecialist(ctx context.Context, model string, fn func(ctx context.Context) error) error {
	log := logging.Get(logging.CategoryResidency)

	select {
	case <-m.specialist:
	case <-ctx.Done():
		return types.Wrap(types.KindTimeout, "timed out waiting for specialist slot", ctx.Err())
	}
	defer func() { m.specialist <- struct{}{} }()

	keepAlive := defaultSpecialistKeepAlive
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain > 0 {
			keepAlive = remain
		}
	}

	if err := m.rt.Load(ctx, model, keepAlive); err != nil {
		// Load failed: the model may still be partially resident, so run
		// the eviction path anyway.
		m.evict(model)
		return fmt.Errorf("failed to load specialist %s: %w", model, err)
	}
	log.Debugw("specialist loaded", "model", model, "keep_alive", keepAlive)

	callErr := fn(ctx)

	m.evict(model)
	return callErr
}

// evict resets the specialist's keep-alive to zero and runs the runtime's
// memory-reclamation hook. Runs on its own context so cancelled requests
// still clean up.
func (m *Manager) evict(model string) {
	log := logging.Get(logging.CategoryResidency)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := m.rt.Load(ctx, model, 0); err != nil {
		log.Warnw("specialist eviction failed", "model", model, "error", err)
	}
	if err := m.rt.Reclaim(ctx); err != nil {
		log.Warnw("memory reclaim failed", "model", model, "error", err)
	}
	log.Debugw("specialist evicted", "model", model)
}

// Shutdown is the only path that unloads the core model.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.rt.Load(ctx, m.coreModel, 0); err != nil {
		return fmt.Errorf("failed to unload core model: %w", err)
	}
	logging.Get(logging.CategoryResidency).Infow("core model unloaded", "model", m.coreModel)
	return nil
}

// Package agent supervises the frame's subsystems: bluetooth provisioning,
// the kiosk browser, and the local status page.
package agent

import (
	"context"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/subsystems"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

const (
	healthCheckInterval = time.Second * 10
	healthCheckTimeout  = time.Second * 15

	// stopAllTimeout must be lower than the systemd service stop timeout
	stopAllTimeout = time.Minute
)

type subsystemEntry struct {
	name string
	sub  subsystems.Subsystem
}

// Manager starts subsystems in order, watches their health, and restarts the
// ones that stop responding.
type Manager struct {
	logger *zap.SugaredLogger

	mu         sync.Mutex
	subsystems []subsystemEntry
}

func NewManager(logger *zap.SugaredLogger) *Manager {
	return &Manager{logger: logger}
}

// Add registers a subsystem. Start order follows registration order, stop
// order is the reverse.
func (m *Manager) Add(name string, sub subsystems.Subsystem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsystems = append(m.subsystems, subsystemEntry{name: name, sub: sub})
}

// StartAll starts every subsystem, stopping the already-started ones when a
// later one fails.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	entries := m.subsystems
	m.mu.Unlock()

	for i, entry := range entries {
		m.logger.Infof("Starting subsystem: %s", entry.name)
		if err := entry.sub.Start(ctx); err != nil {
			err = errw.Wrapf(err, "starting subsystem %s", entry.name)
			m.stopEntries(ctx, entries[:i])
			return err
		}
	}
	return nil
}

// HealthLoop runs periodic health checks until the context ends. It blocks,
// so callers usually run it as the main loop of the process.
func (m *Manager) HealthLoop(ctx context.Context) {
	defer utils.Recover(m.logger, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
		m.healthChecks(ctx)
	}
}

func (m *Manager) healthChecks(ctx context.Context) {
	m.mu.Lock()
	entries := m.subsystems
	m.mu.Unlock()

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		ctxTimeout, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := entry.sub.HealthCheck(ctxTimeout)
		cancel()
		if err == nil {
			m.logger.Debugf("Subsystem healthcheck succeeded for %s", entry.name)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.logger.Errorw("Subsystem healthcheck failed, restarting", "subsystem", entry.name, "err", err)
		if err := entry.sub.Stop(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", entry.name))
		}
		if ctx.Err() != nil {
			return
		}
		if err := entry.sub.Start(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "restarting subsystem %s", entry.name))
		}
	}
}

// StopAll stops every subsystem in reverse start order.
func (m *Manager) StopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()

	m.mu.Lock()
	entries := m.subsystems
	m.mu.Unlock()

	m.stopEntries(ctx, entries)
}

func (m *Manager) stopEntries(ctx context.Context, entries []subsystemEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		m.logger.Infof("Stopping subsystem: %s", entry.name)
		if err := entry.sub.Stop(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", entry.name))
		}
	}
}

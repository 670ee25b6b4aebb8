package networking

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// connectionState tracks online/offline transitions with timestamps.
type connectionState struct {
	mu     sync.Mutex
	logger *zap.SugaredLogger

	online     bool
	lastOnline time.Time
	lastTested time.Time
}

func newConnectionState(logger *zap.SugaredLogger) *connectionState {
	return &connectionState{logger: logger}
}

func (c *connectionState) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.online != online {
		if online {
			c.logger.Info("Internet connection restored")
		} else if !c.lastTested.IsZero() {
			c.logger.Warn("Internet connection lost")
		}
	}

	now := time.Now()
	c.online = online
	c.lastTested = now
	if online {
		c.lastOnline = now
	}
}

func (c *connectionState) getOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *connectionState) getLastOnline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOnline
}

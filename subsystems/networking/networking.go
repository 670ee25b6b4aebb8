// Package networking reconciles NetworkManager wifi profiles against
// credentials provisioned over bluetooth, and answers connectivity queries
// for the rest of the agent.
package networking

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	ping "github.com/prometheus-community/pro-bing"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.uber.org/zap"
)

const (
	wifiConnType = "802-11-wireless"

	probeAttempts = 2
	probeTimeout  = time.Second * 3
	probeRetryGap = time.Millisecond * 300
)

var (
	// ErrNM indicates NetworkManager is missing, unresponsive, or too old.
	ErrNM = errw.New("NetworkManager does not appear to be responding or is too old (requires >= 1.30.0)")
)

// Outcome is the result of a wifi reconciliation attempt.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeAuthFailed
	OutcomeConfigError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeAuthFailed:
		return "authentication failed"
	case OutcomeConfigError:
		return "configuration error"
	default:
		return "unknown"
	}
}

// wifiConnection is the slice of a saved NetworkManager connection the
// reconciler needs.
type wifiConnection interface {
	GetSettings() (gnm.ConnectionSettings, error)
	GetSecrets(settingName string) (gnm.ConnectionSettings, error)
	Delete() error
}

// profile is one saved wireless connection, identified by its connection name.
type profile struct {
	id   string
	conn wifiConnection
}

// profileStore is the narrow port onto NetworkManager used by the reconciler,
// so the reconciliation logic is testable without a system bus.
type profileStore interface {
	// WifiProfiles lists every saved wireless profile.
	WifiProfiles() ([]profile, error)

	// AddWifiProfile saves a new wireless profile.
	AddWifiProfile(settings gnm.ConnectionSettings) (wifiConnection, error)

	// Reload asks NetworkManager to reload its profile store.
	Reload() error

	// Activate brings up the saved profile with the given connection name.
	Activate(ctx context.Context, id string) error

	// ActiveWifiSSID returns the connection name of the active wireless
	// connection, or "" when none is active.
	ActiveWifiSSID() string

	// Reconnect re-activates the current (or last known) wireless profile.
	Reconnect(ctx context.Context) error

	// StateOnline reports whether NetworkManager itself believes the device
	// has global connectivity.
	StateOnline() (bool, error)
}

// Manager owns wifi profile reconciliation and connectivity checking.
type Manager struct {
	logger *zap.SugaredLogger
	cfg    utils.NetworkConfiguration

	// serializes reconciliation operations
	opMu  sync.Mutex
	store profileStore

	connState *connectionState

	// injected for tests
	probe  func(ctx context.Context) bool
	settle func(ctx context.Context, d time.Duration) bool
}

// New connects to NetworkManager over the system bus and returns a Manager.
func New(logger *zap.SugaredLogger, cfg utils.NetworkConfiguration) (*Manager, error) {
	nm, settings, err := getNM(logger)
	if err != nil {
		return nil, err
	}
	store := &nmStore{nm: nm, settings: settings, logger: logger}
	return newWithStore(logger, cfg, store), nil
}

func newWithStore(logger *zap.SugaredLogger, cfg utils.NetworkConfiguration, store profileStore) *Manager {
	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		connState: newConnectionState(logger),
	}
	m.probe = m.probeInternet
	m.settle = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
	return m
}

func getNM(logger *zap.SugaredLogger) (gnm.NetworkManager, gnm.Settings, error) {
	nm, err := gnm.NewNetworkManager()
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}

	ver, err := nm.GetPropertyVersion()
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}
	logger.Infof("Found NetworkManager version: %s", ver)

	sv, err := semver.NewVersion(ver)
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}
	if !sv.GreaterThanEqual(semver.MustParse("1.30.0")) {
		return nil, nil, ErrNM
	}

	settings, err := gnm.NewSettings()
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}
	return nm, settings, nil
}

// Online returns the last recorded connectivity state without re-probing.
func (m *Manager) Online() bool {
	return m.connState.getOnline()
}

// CheckOnline answers whether the device can reach the internet right now.
// NetworkManager's own state is trusted when it reports global connectivity,
// otherwise a direct probe decides.
func (m *Manager) CheckOnline(ctx context.Context) bool {
	if ok, err := m.store.StateOnline(); err == nil && ok {
		m.connState.setOnline(true)
		return true
	} else if err != nil {
		m.logger.Warn(errw.Wrap(err, "querying NetworkManager state"))
	}

	online := m.probe(ctx)
	m.connState.setOnline(online)
	return online
}

// probeInternet makes a bounded number of short attempts against the
// configured host: an ICMP ping first, then a TCP dial to the fallback port
// for environments where raw sockets are filtered.
func (m *Manager) probeInternet(ctx context.Context) bool {
	addr := net.JoinHostPort(m.cfg.ConnectivityHost, strconv.Itoa(m.cfg.ConnectivityPort))
	for i := 0; i < probeAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(probeRetryGap):
			}
		}

		pinger, err := ping.NewPinger(m.cfg.ConnectivityHost)
		if err == nil {
			pinger.Count = 1
			pinger.Timeout = probeTimeout
			pinger.SetPrivileged(true)
			if err := pinger.RunWithContext(ctx); err == nil && pinger.Statistics().PacketsRecv > 0 {
				return true
			}
		}

		dialer := net.Dialer{Timeout: probeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if err := conn.Close(); err != nil {
				m.logger.Debug(err)
			}
			return true
		}
	}
	return false
}

// Reconnect nudges NetworkManager to bring the configured connection back up.
// Used after sustained offline periods; never deletes profiles.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if last := m.connState.getLastOnline(); !last.IsZero() {
		m.logger.Infof("Issuing network reconnect, last online %s", last.Format(time.RFC3339))
	} else {
		m.logger.Info("Issuing network reconnect")
	}
	return m.store.Reconnect(ctx)
}

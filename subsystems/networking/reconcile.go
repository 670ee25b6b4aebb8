package networking

import (
	"context"

	errw "github.com/pkg/errors"
)

// Apply reconciles the saved wifi profiles against newly provisioned
// credentials. On success exactly one wifi profile remains and the device is
// online through it. On activation failure the new profile is rolled back so
// a working connection is never replaced by a broken one.
func (m *Manager) Apply(ctx context.Context, ssid, psk string) (Outcome, error) {
	if ssid == "" || psk == "" {
		return OutcomeConfigError, errw.New("both ssid and password are required")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Re-provisioning the network we are already connected to is a no-op as
	// long as the password is unchanged and it still has internet access.
	if m.store.ActiveWifiSSID() == ssid && m.storedPSKMatches(ssid, psk) && m.CheckOnline(ctx) {
		m.logger.Infof("Already connected to %s, nothing to do", ssid)
		return OutcomeConnected, nil
	}

	m.logger.Infof("Configuring wifi network: %s", ssid)

	if err := m.deleteAllProfiles(); err != nil {
		return OutcomeConfigError, err
	}

	conn, err := m.store.AddWifiProfile(generateWifiSettings(ssid, psk))
	if err != nil {
		return OutcomeConfigError, err
	}
	if err := m.store.Reload(); err != nil {
		m.logger.Warn(errw.Wrap(err, "reloading connections"))
	}

	if err := m.store.Activate(ctx, ssid); err != nil {
		m.logger.Warn(err)
		m.rollback(conn, ssid)
		return OutcomeAuthFailed, nil
	}

	// Give dhcp and routing a moment before judging the connection.
	if !m.settle(ctx, m.cfg.WifiSettleTime.Unwrap()) {
		return OutcomeConfigError, ctx.Err()
	}

	if !m.CheckOnline(ctx) {
		m.logger.Warnf("Network %s activated but has no internet access, rolling back", ssid)
		m.rollback(conn, ssid)
		return OutcomeAuthFailed, nil
	}

	m.logger.Infof("Successfully connected to %s", ssid)
	return OutcomeConnected, nil
}

// ClearProfiles removes every saved wifi profile, returning the frame to its
// unprovisioned state.
func (m *Manager) ClearProfiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Info("Clearing all saved wifi networks")
	if err := m.deleteAllProfiles(); err != nil {
		return err
	}
	if err := m.store.Reload(); err != nil {
		m.logger.Warn(errw.Wrap(err, "reloading connections"))
	}
	m.connState.setOnline(false)
	return nil
}

func (m *Manager) deleteAllProfiles() error {
	profiles, err := m.store.WifiProfiles()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		m.logger.Infof("Removing saved wifi network: %s", p.id)
		if err := p.conn.Delete(); err != nil {
			return errw.Wrapf(err, "removing network: %s", p.id)
		}
	}
	return nil
}

// storedPSKMatches reports whether the saved profile for ssid carries the
// given psk. NetworkManager strips secrets out of GetSettings, so the
// security section has to come from GetSecrets.
func (m *Manager) storedPSKMatches(ssid, psk string) bool {
	profiles, err := m.store.WifiProfiles()
	if err != nil {
		m.logger.Warn(errw.Wrap(err, "listing saved networks"))
		return false
	}
	for _, p := range profiles {
		if p.id != ssid {
			continue
		}
		secrets, err := p.conn.GetSecrets("802-11-wireless-security")
		if err != nil {
			m.logger.Warn(errw.Wrapf(err, "reading secrets for network: %s", ssid))
			return false
		}
		sec, ok := secrets["802-11-wireless-security"]
		if !ok {
			return false
		}
		stored, ok := sec["psk"].(string)
		return ok && stored == psk
	}
	return false
}

func (m *Manager) rollback(conn wifiConnection, ssid string) {
	if err := conn.Delete(); err != nil {
		m.logger.Warn(errw.Wrapf(err, "rolling back network: %s", ssid))
	}
}

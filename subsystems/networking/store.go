package networking

import (
	"context"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.uber.org/zap"
)

// nmStore is the real profileStore, backed by NetworkManager via dbus.
type nmStore struct {
	nm       gnm.NetworkManager
	settings gnm.Settings
	logger   *zap.SugaredLogger
}

func (s *nmStore) WifiProfiles() ([]profile, error) {
	conns, err := s.settings.ListConnections()
	if err != nil {
		return nil, errw.Wrap(err, "listing connections")
	}

	var profiles []profile
	for _, conn := range conns {
		settings, err := conn.GetSettings()
		if err != nil {
			s.logger.Warn(errw.Wrap(err, "reading connection settings"))
			continue
		}
		connSection, ok := settings["connection"]
		if !ok {
			continue
		}
		if connType, _ := connSection["type"].(string); connType != wifiConnType {
			continue
		}
		id, _ := connSection["id"].(string)
		profiles = append(profiles, profile{id: id, conn: conn})
	}
	return profiles, nil
}

func (s *nmStore) AddWifiProfile(settings gnm.ConnectionSettings) (wifiConnection, error) {
	conn, err := s.settings.AddConnection(settings)
	if err != nil {
		return nil, errw.Wrap(err, "adding connection")
	}
	return conn, nil
}

func (s *nmStore) Reload() error {
	return s.settings.ReloadConnections()
}

func (s *nmStore) wifiDevice() (gnm.Device, error) {
	devices, err := s.nm.GetDevices()
	if err != nil {
		return nil, errw.Wrap(err, "listing devices")
	}
	for _, device := range devices {
		devType, err := device.GetPropertyDeviceType()
		if err != nil {
			s.logger.Debug(err)
			continue
		}
		if devType == gnm.NmDeviceTypeWifi {
			return device, nil
		}
	}
	return nil, errw.New("no wifi device found")
}

func (s *nmStore) Activate(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conns, err := s.settings.ListConnections()
	if err != nil {
		return errw.Wrap(err, "listing connections")
	}
	for _, conn := range conns {
		settings, err := conn.GetSettings()
		if err != nil {
			continue
		}
		connSection, ok := settings["connection"]
		if !ok {
			continue
		}
		if connID, _ := connSection["id"].(string); connID != id {
			continue
		}

		device, err := s.wifiDevice()
		if err != nil {
			return err
		}
		if _, err := s.nm.ActivateConnection(conn, device, nil); err != nil {
			return errw.Wrapf(err, "activating connection: %s", id)
		}
		return nil
	}
	return errw.Errorf("no saved connection: %s", id)
}

func (s *nmStore) ActiveWifiSSID() string {
	active, err := s.nm.GetPropertyActiveConnections()
	if err != nil {
		s.logger.Debug(err)
		return ""
	}
	for _, ac := range active {
		acType, err := ac.GetPropertyType()
		if err != nil || acType != wifiConnType {
			continue
		}
		id, err := ac.GetPropertyID()
		if err != nil {
			continue
		}
		return id
	}
	return ""
}

// Reconnect re-activates the active wireless profile, or the first saved one
// when nothing is active. Mirrors what an operator would do with
// "nmcli connection up".
func (s *nmStore) Reconnect(ctx context.Context) error {
	id := s.ActiveWifiSSID()
	if id == "" {
		profiles, err := s.WifiProfiles()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			return errw.New("no wifi profile to reconnect")
		}
		id = profiles[0].id
	}
	return s.Activate(ctx, id)
}

func (s *nmStore) StateOnline() (bool, error) {
	state, err := s.nm.State()
	if err != nil {
		return false, err
	}
	return state == gnm.NmStateConnectedGlobal, nil
}

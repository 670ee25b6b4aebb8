package networking

import (
	"github.com/google/uuid"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
)

// generateWifiSettings builds a NetworkManager connection for an
// infrastructure-mode, wpa-psk protected network. The connection name is the
// ssid itself, which keeps profile lookup simple.
func generateWifiSettings(ssid, psk string) gnm.ConnectionSettings {
	settings := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":          ssid,
			"uuid":        uuid.New().String(),
			"type":        wifiConnType,
			"autoconnect": true,
		},
		"802-11-wireless": map[string]any{
			"mode": "infrastructure",
			"ssid": []byte(ssid),
		},
		"802-11-wireless-security": map[string]any{
			"key-mgmt": "wpa-psk",
			"psk":      psk,
		},
		"ipv4": map[string]any{
			"method": "auto",
		},
		"ipv6": map[string]any{
			"method": "auto",
		},
	}
	return settings
}

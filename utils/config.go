package utils

import (
	"encoding/json"
	"io/fs"
	"os"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

var (
	// AppConfigFilePath can be overwritten via cli arguments.
	AppConfigFilePath = "/etc/pixelpaper.json"

	DefaultConfiguration = FrameConfig{
		AdvancedSettings: AdvancedSettings{
			Debug:                 Tribool(0),
			DisableBTProvisioning: Tribool(0),
			DisableAutoUpdate:     Tribool(0),
		},
		NetworkConfiguration: NetworkConfiguration{
			ConnectivityHost:           "8.8.8.8",
			ConnectivityPort:           53,
			CheckInterval:              Timeout(time.Second * 5),
			WifiSettleTime:             Timeout(time.Second * 8),
			OfflineFailuresBeforeNudge: 3,
		},
		DisplayConfiguration: DisplayConfiguration{
			LayoutUnit:          "kanshi.service",
			AutoBrightnessDay:   80,
			AutoBrightnessNight: 20,
		},
		KioskConfiguration: KioskConfiguration{
			FrameBaseURL:  "https://pixelpaper.com/frame.html",
			BrowserBin:    "chromium",
			StatusAddress: "127.0.0.1:8484",
		},
	}
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

//nolint:recvcheck
type Timeout time.Duration

func (t Timeout) Unwrap() time.Duration {
	return time.Duration(t)
}

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Second))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}

type FrameConfig struct {
	AdvancedSettings     AdvancedSettings     `json:"advanced_settings,omitempty"`
	NetworkConfiguration NetworkConfiguration `json:"network_configuration,omitempty"`
	DisplayConfiguration DisplayConfiguration `json:"display_configuration,omitempty"`
	KioskConfiguration   KioskConfiguration   `json:"kiosk_configuration,omitempty"`
}

type AdvancedSettings struct {
	Debug                 Tribool `json:"debug,omitempty"`
	DisableBTProvisioning Tribool `json:"disable_bt_provisioning,omitempty"`
	DisableAutoUpdate     Tribool `json:"disable_auto_update,omitempty"`
}

type NetworkConfiguration struct {
	// ConnectivityHost is pinged to decide online/offline; ConnectivityPort is
	// the TCP fallback when ICMP is unavailable.
	ConnectivityHost           string  `json:"connectivity_host,omitempty"`
	ConnectivityPort           int     `json:"connectivity_port,omitempty"`
	CheckInterval              Timeout `json:"check_interval_seconds,omitempty"`
	WifiSettleTime             Timeout `json:"wifi_settle_seconds,omitempty"`
	OfflineFailuresBeforeNudge int     `json:"offline_failures_before_nudge,omitempty"`
}

type DisplayConfiguration struct {
	// LayoutConfigPath defaults to $HOME/.config/kanshi/config when empty.
	LayoutConfigPath    string `json:"layout_config_path,omitempty"`
	LayoutUnit          string `json:"layout_unit,omitempty"`
	BacklightDevice     string `json:"backlight_device,omitempty"`
	AutoBrightnessDay   int    `json:"auto_brightness_day,omitempty"`
	AutoBrightnessNight int    `json:"auto_brightness_night,omitempty"`
}

type KioskConfiguration struct {
	FrameBaseURL string `json:"frame_base_url,omitempty"`
	BrowserBin   string `json:"browser_bin,omitempty"`

	// StatusAddress is where the local status page listens.
	StatusAddress string `json:"status_address,omitempty"`

	// UpdateManifestURL points at a small yaml document with the latest app
	// version. UpdateSource is a go-getter source (git repo or tarball URL)
	// fetched when the manifest is newer than the installed version.
	UpdateManifestURL string `json:"update_manifest_url,omitempty"`
	UpdateSource      string `json:"update_source,omitempty"`
}

// LoadConfig reads the on-disk configuration (jsonc allowed) merged over
// defaults. A missing file is not an error, defaults are returned.
func LoadConfig(path string) (FrameConfig, error) {
	cfg := DefaultConfiguration
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if errw.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, errw.Wrap(err, "reading config file")
	}

	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return DefaultConfiguration, errw.Wrap(err, "parsing config file")
	}
	return cfg, nil
}

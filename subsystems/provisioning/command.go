// Package provisioning publishes a small GATT service that phones use to
// hand wifi credentials and display settings to the frame, and routes the
// received commands to the subsystems that carry them out.
package provisioning

import (
	"strconv"
	"strings"

	errw "github.com/pkg/errors"
)

// Command is one parsed instruction received over bluetooth.
type Command interface {
	commandName() string
}

type WifiCredentials struct {
	SSID string
	PSK  string
}

func (WifiCredentials) commandName() string { return "WIFI" }

type Orientation struct {
	// Transform is one of normal, 90, 180, 270.
	Transform string
}

func (Orientation) commandName() string { return "ORIENT" }

type Brightness struct {
	Percent int
}

func (Brightness) commandName() string { return "BRIGHT" }

type AutoBrightness struct {
	Enabled bool
	// Fallback is the fixed level applied when disabling, -1 when unset.
	Fallback int
}

func (AutoBrightness) commandName() string { return "AUTOBRIGHT" }

type ClearWifi struct{}

func (ClearWifi) commandName() string { return "CLEAR_WIFI" }

type Reboot struct{}

func (Reboot) commandName() string { return "REBOOT" }

// Unknown carries an unrecognized command verbatim so it can be logged.
type Unknown struct {
	Raw string
}

func (Unknown) commandName() string { return "UNKNOWN" }

var validTransforms = map[string]bool{
	"normal": true,
	"90":     true,
	"180":    true,
	"270":    true,
}

// ParseCommand decodes a raw characteristic write. Blank writes return
// (nil, nil) and are ignored. Commands that fail validation return an error.
// Unrecognized commands are not errors, they parse to Unknown.
func ParseCommand(raw []byte) (Command, error) {
	text := strings.Trim(string(raw), "\x00 \t\r\n")
	if text == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(text, "WIFI:"):
		return parseWifi(strings.TrimPrefix(text, "WIFI:"))
	case strings.HasPrefix(text, "ORIENT:"):
		transform := strings.TrimPrefix(text, "ORIENT:")
		if !validTransforms[transform] {
			return nil, errw.Errorf("invalid orientation: %s", transform)
		}
		return Orientation{Transform: transform}, nil
	case strings.HasPrefix(text, "BRIGHT:"):
		percent, err := strconv.Atoi(strings.TrimPrefix(text, "BRIGHT:"))
		if err != nil {
			return nil, errw.Wrap(err, "invalid brightness")
		}
		if percent < 0 || percent > 100 {
			return nil, errw.Errorf("brightness out of range: %d", percent)
		}
		return Brightness{Percent: percent}, nil
	case strings.HasPrefix(text, "AUTOBRIGHT:"):
		return parseAutoBrightness(strings.TrimPrefix(text, "AUTOBRIGHT:"))
	case text == "CLEAR_WIFI":
		return ClearWifi{}, nil
	case text == "REBOOT":
		return Reboot{}, nil
	default:
		return Unknown{Raw: text}, nil
	}
}

// parseWifi splits "ssid;PASS:password". The password separator is matched
// from the end so ssids containing the separator text still work.
func parseWifi(body string) (Command, error) {
	idx := strings.LastIndex(body, ";PASS:")
	if idx < 0 {
		return nil, errw.New("wifi command missing password")
	}
	ssid := body[:idx]
	psk := body[idx+len(";PASS:"):]
	if ssid == "" {
		return nil, errw.New("wifi command missing ssid")
	}
	if psk == "" {
		return nil, errw.New("wifi command missing password")
	}
	return WifiCredentials{SSID: ssid, PSK: psk}, nil
}

// parseAutoBrightness handles "ON", "OFF", and "OFF:<fallback>".
func parseAutoBrightness(body string) (Command, error) {
	parts := strings.SplitN(body, ":", 2)
	switch parts[0] {
	case "ON":
		if len(parts) > 1 {
			return nil, errw.New("auto brightness ON takes no argument")
		}
		return AutoBrightness{Enabled: true, Fallback: -1}, nil
	case "OFF":
		fallback := -1
		if len(parts) > 1 {
			var err error
			fallback, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, errw.Wrap(err, "invalid auto brightness fallback")
			}
			if fallback < 0 || fallback > 100 {
				return nil, errw.Errorf("auto brightness fallback out of range: %d", fallback)
			}
		}
		return AutoBrightness{Enabled: false, Fallback: fallback}, nil
	default:
		return nil, errw.Errorf("invalid auto brightness mode: %s", parts[0])
	}
}

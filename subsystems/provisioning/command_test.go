package provisioning

import (
	"testing"

	"go.viam.com/test"
)

func TestParseCommandWifi(t *testing.T) {
	cmd, err := ParseCommand([]byte("WIFI:HomeNet;PASS:hunter22"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, WifiCredentials{SSID: "HomeNet", PSK: "hunter22"})

	// ssids may contain the separator text, the password split is from the end
	cmd, err = ParseCommand([]byte("WIFI:weird;PASS:net;PASS:secret"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, WifiCredentials{SSID: "weird;PASS:net", PSK: "secret"})

	// passwords may contain colons
	cmd, err = ParseCommand([]byte("WIFI:net;PASS:pa:ss"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, WifiCredentials{SSID: "net", PSK: "pa:ss"})

	for _, bad := range []string{"WIFI:net", "WIFI:;PASS:pw", "WIFI:net;PASS:"} {
		_, err = ParseCommand([]byte(bad))
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestParseCommandOrient(t *testing.T) {
	for _, transform := range []string{"normal", "90", "180", "270"} {
		cmd, err := ParseCommand([]byte("ORIENT:" + transform))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmd, test.ShouldResemble, Orientation{Transform: transform})
	}

	_, err := ParseCommand([]byte("ORIENT:45"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseCommand([]byte("ORIENT:"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseCommandBright(t *testing.T) {
	cmd, err := ParseCommand([]byte("BRIGHT:0"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Brightness{Percent: 0})

	cmd, err = ParseCommand([]byte("BRIGHT:100"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Brightness{Percent: 100})

	for _, bad := range []string{"BRIGHT:101", "BRIGHT:-1", "BRIGHT:high", "BRIGHT:"} {
		_, err = ParseCommand([]byte(bad))
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestParseCommandAutoBright(t *testing.T) {
	cmd, err := ParseCommand([]byte("AUTOBRIGHT:ON"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, AutoBrightness{Enabled: true, Fallback: -1})

	cmd, err = ParseCommand([]byte("AUTOBRIGHT:OFF"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, AutoBrightness{Enabled: false, Fallback: -1})

	cmd, err = ParseCommand([]byte("AUTOBRIGHT:OFF:40"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, AutoBrightness{Enabled: false, Fallback: 40})

	for _, bad := range []string{"AUTOBRIGHT:maybe", "AUTOBRIGHT:ON:50", "AUTOBRIGHT:OFF:400", "AUTOBRIGHT:OFF:x"} {
		_, err = ParseCommand([]byte(bad))
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestParseCommandSimple(t *testing.T) {
	cmd, err := ParseCommand([]byte("CLEAR_WIFI"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, ClearWifi{})

	cmd, err = ParseCommand([]byte("REBOOT"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Reboot{})
}

func TestParseCommandBlankAndUnknown(t *testing.T) {
	for _, blank := range []string{"", "   ", "\x00\x00", "\r\n"} {
		cmd, err := ParseCommand([]byte(blank))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmd, test.ShouldBeNil)
	}

	cmd, err := ParseCommand([]byte("FACTORY_RESET"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Unknown{Raw: "FACTORY_RESET"})

	// trailing whitespace and nulls from the bluetooth stack are stripped
	cmd, err = ParseCommand([]byte("REBOOT\x00\n"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldResemble, Reboot{})
}

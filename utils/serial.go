package utils

import (
	"os"
	"strings"
	"sync"
)

const serialPrefix = "PX"

// SerialFilePath is the hardware identity file, overridable for tests.
var SerialFilePath = "/proc/device-tree/serial-number"

var (
	serialOnce   sync.Once
	cachedSerial string
)

// DeviceSerial returns the board serial with the frame prefix. It is read
// once and cached for the process lifetime. Devices without a readable
// serial report as "PXunknown" rather than failing.
func DeviceSerial() string {
	serialOnce.Do(func() {
		cachedSerial = readSerial(SerialFilePath)
	})
	return cachedSerial
}

func readSerial(path string) string {
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return serialPrefix + "unknown"
	}
	serial := strings.Trim(string(b), "\x00\n ")
	if serial == "" {
		return serialPrefix + "unknown"
	}
	return serialPrefix + serial
}

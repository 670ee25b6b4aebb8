package display

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

const (
	autoBrightnessInterval = time.Minute

	// day runs 08:00 to 20:00 local time
	dayStartHour = 8
	dayEndHour   = 20
)

// backlight drives the kernel backlight interface and the optional day/night
// schedule.
type backlight struct {
	logger *zap.SugaredLogger
	cfg    utils.DisplayConfiguration

	// sysfsRoot is overridable for tests
	sysfsRoot string
	now       func() time.Time

	mu         sync.Mutex
	autoCancel context.CancelFunc
	workers    sync.WaitGroup
}

func newBacklight(logger *zap.SugaredLogger, cfg utils.DisplayConfiguration) *backlight {
	return &backlight{
		logger:    logger,
		cfg:       cfg,
		sysfsRoot: "/sys/class/backlight",
		now:       time.Now,
	}
}

// devicePath returns the sysfs directory for the configured backlight device,
// falling back to the first one the kernel exposes.
func (b *backlight) devicePath() (string, error) {
	if b.cfg.BacklightDevice != "" {
		return filepath.Join(b.sysfsRoot, b.cfg.BacklightDevice), nil
	}
	entries, err := os.ReadDir(b.sysfsRoot)
	if err != nil {
		return "", errw.Wrap(err, "listing backlight devices")
	}
	if len(entries) == 0 {
		return "", errw.New("no backlight device found")
	}
	return filepath.Join(b.sysfsRoot, entries[0].Name()), nil
}

// set applies a brightness percentage, scaled to the device's maximum.
func (b *backlight) set(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	dev, err := b.devicePath()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(dev, "max_brightness")) //nolint:gosec
	if err != nil {
		return errw.Wrap(err, "reading max brightness")
	}
	maxLevel, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return errw.Wrap(err, "parsing max brightness")
	}

	level := maxLevel * percent / 100
	b.logger.Infof("Setting brightness to %d%% (%d/%d)", percent, level, maxLevel)
	err = os.WriteFile(filepath.Join(dev, "brightness"), []byte(strconv.Itoa(level)), 0o644) //nolint:gosec
	return errw.Wrap(err, "writing brightness")
}

// scheduledLevel picks the day or night brightness for the given time.
func (b *backlight) scheduledLevel(t time.Time) int {
	hour := t.Hour()
	if hour >= dayStartHour && hour < dayEndHour {
		return b.cfg.AutoBrightnessDay
	}
	return b.cfg.AutoBrightnessNight
}

// startAuto applies the schedule immediately and keeps it applied in the
// background until stopAuto or context cancellation.
func (b *backlight) startAuto(ctx context.Context) error {
	b.mu.Lock()
	if b.autoCancel != nil {
		b.mu.Unlock()
		b.logger.Debug("Auto brightness already running")
		return nil
	}
	autoCtx, cancel := context.WithCancel(ctx)
	b.autoCancel = cancel
	b.mu.Unlock()

	b.logger.Info("Enabling auto brightness schedule")
	if err := b.set(b.scheduledLevel(b.now())); err != nil {
		b.stopAuto()
		return err
	}

	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		defer utils.Recover(b.logger, nil)
		for {
			select {
			case <-autoCtx.Done():
				return
			case <-time.After(autoBrightnessInterval):
			}
			if err := b.set(b.scheduledLevel(b.now())); err != nil {
				b.logger.Warn(err)
			}
		}
	}()
	return nil
}

func (b *backlight) stopAuto() {
	b.mu.Lock()
	cancel := b.autoCancel
	b.autoCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		b.logger.Info("Disabling auto brightness schedule")
		cancel()
		b.workers.Wait()
	}
}

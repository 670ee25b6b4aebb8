package provisioning

import (
	"errors"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const (
	serviceUUIDStr = "12345678-1234-5678-1234-56789abcdef0"
	commandUUIDStr = "12345678-1234-5678-1234-56789abcdef1"
	serialUUIDStr  = "12345678-1234-5678-1234-56789abcdef2"

	bluezAdapterPath = "/org/bluez/hci0"
)

// peripheral is the hardware-facing port of the supervisor, faked in tests.
type peripheral interface {
	// probe verifies the adapter exists and keeps pairing disabled.
	probe() error

	// cleanup unregisters gatt applications left behind by an earlier
	// process. Best effort.
	cleanup()

	// publish registers the gatt service and starts advertising. onWrite is
	// called for every write to the command characteristic.
	publish(onWrite func(value []byte)) error

	// unpublish stops advertising and removes the gatt service.
	unpublish() error
}

// btPeripheral is the real peripheral, using bluez via dbus for adapter
// management and tinygo bluetooth for the gatt service itself.
type btPeripheral struct {
	logger    *zap.SugaredLogger
	localName string
	serial    string

	adv *bluetooth.Advertisement
}

func newBTPeripheral(logger *zap.SugaredLogger, localName, serial string) *btPeripheral {
	return &btPeripheral{logger: logger, localName: localName, serial: serial}
}

func bluetoothAdapter() (dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errw.Wrap(err, "connecting to system dbus")
	}
	adapter := conn.Object("org.bluez", dbus.ObjectPath(bluezAdapterPath))
	// the Address property doubles as an existence check for the adapter
	if _, err := adapter.GetProperty("org.bluez.Adapter1.Address"); err != nil {
		dErr := &dbus.Error{}
		if errors.As(err, dErr) && dErr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return nil, errw.Errorf("bluetooth adapter %s does not exist", bluezAdapterPath)
		}
		return nil, errw.Wrap(err, "getting bluetooth adapter")
	}
	return adapter, nil
}

func (b *btPeripheral) probe() error {
	adapter, err := bluetoothAdapter()
	if err != nil {
		return err
	}
	// phones talk to us unauthenticated, never let them pair
	if err := adapter.SetProperty("org.bluez.Adapter1.Pairable", dbus.MakeVariant(false)); err != nil {
		b.logger.Warn(errw.Wrap(err, "disabling pairing"))
	}
	return nil
}

// cleanup unregisters stale gatt applications. The bluetooth library names
// service paths sequentially and never removes them, so a crashed process
// can leave registrations behind that block ours.
func (b *btPeripheral) cleanup() {
	adapter, err := bluetoothAdapter()
	if err != nil {
		b.logger.Debug(err)
		return
	}

	for id := 0; id < 10000; id++ {
		path := dbus.ObjectPath(fmt.Sprintf("/org/tinygo/bluetooth/service%d", id))
		if err := adapter.Call("org.bluez.GattManager1.UnregisterApplication", 0, path).Err; err == nil {
			b.logger.Debugf("removed stale gatt service %s", path)
		}
	}
}

func (b *btPeripheral) publish(onWrite func(value []byte)) error {
	if b.adv != nil {
		return errors.New("already advertising")
	}

	serviceUUID := bluetooth.NewUUID(uuid.MustParse(serviceUUIDStr))

	commandChar := bluetooth.CharacteristicConfig{
		UUID:  bluetooth.NewUUID(uuid.MustParse(commandUUIDStr)),
		Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
		WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
			// the stack reuses the buffer after this callback returns
			raw := make([]byte, len(value))
			copy(raw, value)
			onWrite(raw)
		},
	}
	serialChar := bluetooth.CharacteristicConfig{
		Handle: &bluetooth.Characteristic{},
		UUID:   bluetooth.NewUUID(uuid.MustParse(serialUUIDStr)),
		Flags:  bluetooth.CharacteristicReadPermission,
		Value:  []byte(b.serial),
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}
	err := adapter.AddService(&bluetooth.Service{
		UUID:            serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{commandChar, serialChar},
	})
	if err != nil {
		return errw.Wrap(err, "adding gatt service")
	}

	adv := adapter.DefaultAdvertisement()
	opts := bluetooth.AdvertisementOptions{
		LocalName:    b.localName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}
	if err := adv.Configure(opts); err != nil {
		return errw.Wrap(err, "configuring advertisement")
	}
	if err := adv.Start(); err != nil {
		return errw.Wrap(err, "starting advertisement")
	}

	b.adv = adv
	b.logger.Debugf("Advertising gatt service %s as %s", serviceUUIDStr, b.localName)
	return nil
}

func (b *btPeripheral) unpublish() error {
	if b.adv == nil {
		return nil
	}
	if err := b.adv.Stop(); err != nil {
		return errw.Wrap(err, "stopping advertisement")
	}
	b.adv = nil
	b.cleanup()
	return nil
}

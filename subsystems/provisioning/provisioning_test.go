package provisioning

import (
	"context"
	"sync"
	"testing"
	"time"

	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

type fakePeripheral struct {
	mu          sync.Mutex
	probeErrs   []error
	published   int
	unpublished int
	cleanups    int
	onWrite     func(value []byte)
}

func (f *fakePeripheral) probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.probeErrs) == 0 {
		return nil
	}
	err := f.probeErrs[0]
	f.probeErrs = f.probeErrs[1:]
	return err
}

func (f *fakePeripheral) cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func (f *fakePeripheral) publish(onWrite func(value []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	f.onWrite = onWrite
	return nil
}

func (f *fakePeripheral) unpublish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpublished++
	return nil
}

func (f *fakePeripheral) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

func newTestProvisioning(t *testing.T, periph peripheral, dispatched *[][]byte) *Provisioning {
	t.Helper()
	var mu sync.Mutex
	return &Provisioning{
		logger:  zaptest.NewLogger(t).Sugar(),
		monitor: utils.NewHealth(),
		periph:  periph,
		dispatch: func(ctx context.Context, raw []byte) {
			mu.Lock()
			defer mu.Unlock()
			*dispatched = append(*dispatched, raw)
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for deadline := time.Now().Add(time.Second * 5); time.Now().Before(deadline); {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("condition never became true")
}

func TestSupervisorPublishesAndDispatches(t *testing.T) {
	periph := &fakePeripheral{}
	var dispatched [][]byte
	p := newTestProvisioning(t, periph, &dispatched)
	ctx := context.Background()

	test.That(t, p.Start(ctx), test.ShouldBeNil)
	waitFor(t, func() bool { return p.getState() == statePublished })
	test.That(t, periph.publishCount(), test.ShouldEqual, 1)
	test.That(t, p.HealthCheck(ctx), test.ShouldBeNil)

	// a characteristic write flows through to the dispatcher
	periph.mu.Lock()
	onWrite := periph.onWrite
	periph.mu.Unlock()
	onWrite([]byte("REBOOT"))
	test.That(t, len(dispatched), test.ShouldEqual, 1)
	test.That(t, string(dispatched[0]), test.ShouldEqual, "REBOOT")

	test.That(t, p.Stop(ctx), test.ShouldBeNil)
	test.That(t, p.getState(), test.ShouldEqual, stateIdle)
}

func TestSupervisorRetriesWhenAdapterMissing(t *testing.T) {
	periph := &fakePeripheral{probeErrs: []error{errw.New("bluetooth adapter /org/bluez/hci0 does not exist")}}
	var dispatched [][]byte
	p := newTestProvisioning(t, periph, &dispatched)
	p.monitor.Timeout = time.Minute

	ctx := context.Background()
	test.That(t, p.Start(ctx), test.ShouldBeNil)

	// first probe fails, supervisor backs off and then succeeds
	waitFor(t, func() bool { return p.getState() == stateFaulted || p.getState() == statePublished })
	test.That(t, p.Stop(ctx), test.ShouldBeNil)
	test.That(t, periph.publishCount(), test.ShouldBeLessThanOrEqualTo, 1)
}

func TestSupervisorDisabled(t *testing.T) {
	cfg := utils.DefaultConfiguration
	cfg.AdvancedSettings.DisableBTProvisioning = 1

	p := New(zaptest.NewLogger(t).Sugar(), cfg, nil)
	ctx := context.Background()
	test.That(t, p.Start(ctx), test.ShouldBeNil)
	test.That(t, p.HealthCheck(ctx), test.ShouldBeNil)
	test.That(t, p.Stop(ctx), test.ShouldBeNil)
	test.That(t, p.getState(), test.ShouldEqual, stateIdle)
}

func TestSupervisorStopDuringBackoff(t *testing.T) {
	periph := &fakePeripheral{probeErrs: []error{
		errw.New("adapter missing"), errw.New("adapter missing"), errw.New("adapter missing"),
	}}
	var dispatched [][]byte
	p := newTestProvisioning(t, periph, &dispatched)

	ctx := context.Background()
	test.That(t, p.Start(ctx), test.ShouldBeNil)
	waitFor(t, func() bool { return p.getState() == stateFaulted })

	done := make(chan struct{})
	go func() {
		test.That(t, p.Stop(ctx), test.ShouldBeNil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("Stop blocked on backoff sleep")
	}
}

package kiosk

import (
	"context"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	errw "github.com/pkg/errors"
	agent "github.com/pixelpaper/agent"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

const (
	browserStartTimeout = time.Minute
	stopTermTimeout     = time.Second * 10
	stopKillTimeout     = time.Second * 5
)

// readyRegex is printed by chromium once its debugging endpoint is up, which
// is the earliest reliable signal that the process came up properly.
var readyRegex = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// browserProcess runs the kiosk browser as a supervised child process.
type browserProcess struct {
	logger *zap.SugaredLogger
	bin    string

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	exitChan chan struct{}
}

func newBrowserProcess(logger *zap.SugaredLogger, bin string) *browserProcess {
	return &browserProcess{logger: logger, bin: bin}
}

func (b *browserProcess) start(ctx context.Context, url string) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}

	b.logger.Infof("Launching browser for %s", url)

	stdio := agent.NewMatchingLogger(b.logger, false)
	stderr := agent.NewMatchingLogger(b.logger, true)
	//nolint:gosec
	cmd := exec.Command(b.bin,
		"--kiosk",
		"--noerrdialogs",
		"--disable-session-crashed-bubble",
		"--remote-debugging-port=0",
		url,
	)
	utils.PlatformSubprocessSettings(cmd)
	cmd.Stdout = stdio
	cmd.Stderr = stderr

	// chromium reports the debugging endpoint on stderr
	ready, err := stderr.AddMatcher("ready", readyRegex, false)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	defer stderr.DeleteMatcher("ready")

	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return errw.Wrap(err, "starting browser")
	}
	b.cmd = cmd
	b.running = true
	b.exitChan = make(chan struct{})
	exitChan := b.exitChan

	// must be unlocked before spawning the waiter
	b.mu.Unlock()
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.running = false
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "browser exited"))
		} else {
			b.logger.Info("Browser exited")
		}
		close(exitChan)
	}()

	select {
	case matches := <-ready:
		b.logger.Debugf("Browser debugging endpoint: %s", matches[1])
		b.logger.Info("Browser started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(browserStartTimeout):
		return errw.New("browser startup timed out")
	case <-exitChan:
		return errw.New("browser exited during startup")
	}
}

func (b *browserProcess) stop(ctx context.Context) {
	b.mu.Lock()
	running := b.running
	cmd := b.cmd
	b.mu.Unlock()

	if !running || cmd == nil {
		return
	}

	b.logger.Info("Stopping browser")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		b.logger.Error(err)
	}
	if b.waitForExit(ctx, stopTermTimeout) {
		return
	}

	b.logger.Warn("Browser refused to exit, killing")
	utils.PlatformKill(b.logger, cmd)
	if !b.waitForExit(ctx, stopKillTimeout) {
		b.logger.Error("Browser process could not be killed")
	}
}

func (b *browserProcess) waitForExit(ctx context.Context, timeout time.Duration) bool {
	b.mu.Lock()
	exitChan := b.exitChan
	running := b.running
	b.mu.Unlock()

	if !running {
		return true
	}

	select {
	case <-exitChan:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

func (b *browserProcess) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// killStrays removes browser processes this agent does not own, e.g. ones
// left behind by a previous agent that crashed without cleanup.
func (b *browserProcess) killStrays(ctx context.Context) {
	if b.isRunning() {
		return
	}
	//nolint:gosec
	err := exec.CommandContext(ctx, "pkill", "-f", b.bin).Run()
	if err == nil {
		b.logger.Info("Cleaned up stray browser processes")
	}
}

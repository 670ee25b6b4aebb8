// pixelpaper-agent is the on-device service for Pixel Paper frames. It owns
// bluetooth provisioning, wifi reconciliation, the kiosk browser, and the
// local status page.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	agent "github.com/pixelpaper/agent"
	"github.com/pixelpaper/agent/subsystems/display"
	"github.com/pixelpaper/agent/subsystems/kiosk"
	"github.com/pixelpaper/agent/subsystems/networking"
	"github.com/pixelpaper/agent/subsystems/presenter"
	"github.com/pixelpaper/agent/subsystems/provisioning"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
)

var (
	activeBackgroundWorkers sync.WaitGroup

	// only set at startup, so no mutex
	globalLogger = zap.Must(zap.NewDevelopment()).Sugar()
)

//nolint:lll
type agentOpts struct {
	Config  string `default:"/etc/pixelpaper.json"              description:"Path to config file"     long:"config"  short:"c"`
	Debug   bool   `description:"Enable debug logging"          env:"PIXELPAPER_DEBUG"                long:"debug"   short:"d"`
	Help    bool   `description:"Show this help message"        long:"help"                           short:"h"`
	Version bool   `description:"Show version"                  long:"version"                        short:"v"`
	Install bool   `description:"Install systemd service"       long:"install"`
	DevMode bool   `description:"Allow non-root and non-service" env:"PIXELPAPER_DEVMODE"             long:"dev-mode"`
}

func main() {
	ctx, cancel := setupExitSignalHandling()
	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts agentOpts
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "runs as a background service managing provisioning, connectivity, and the kiosk browser for a Pixel Paper frame."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", agent.GetVersion(), agent.GetRevision())
		return
	}

	if !opts.Debug {
		logger, err := zap.Config{
			Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
			Encoding:         "console",
			EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}.Build()
		exitIfError(err)
		globalLogger = logger.Sugar()
	}

	// need to be root to go any further than this
	curUser, err := user.Current()
	exitIfError(err)
	if curUser.Uid != "0" && !opts.DevMode {
		//nolint:forbidigo
		fmt.Printf("pixelpaper-agent must be run as root (uid 0), but current user is %s (uid %s)\n",
			curUser.Username, curUser.Uid)
		return
	}

	if opts.Install {
		exitIfError(agent.InstallAgent(ctx, globalLogger))
		return
	}

	exitIfError(utils.InitPaths())

	// a lockfile prevents two agents fighting over the adapter and browser
	pidFile, err := getLock()
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	utils.AppConfigFilePath = opts.Config
	cfg, err := utils.LoadConfig(opts.Config)
	if err != nil {
		globalLogger.Warn(errors.Wrap(err, "loading config, continuing with defaults"))
	}

	globalLogger.Infof("Pixel Paper Agent Version: %s Git Revision: %s", agent.GetVersion(), agent.GetRevision())
	globalLogger.Infof("Device serial: %s", utils.DeviceSerial())

	statusPage := presenter.New(globalLogger.Named("status"), cfg.KioskConfiguration)

	netMgr, err := networking.New(globalLogger.Named("networking"), cfg.NetworkConfiguration)
	exitIfError(err)

	dispMgr := display.New(globalLogger.Named("display"), cfg.DisplayConfiguration)
	defer dispMgr.Stop()

	kioskSub := kiosk.New(globalLogger.Named("kiosk"), cfg, netMgr, statusPage)

	router := provisioning.NewRouter(
		globalLogger.Named("provisioning"),
		netMgr,
		dispMgr,
		statusPage,
		kioskSub.StopBrowser,
	)
	provSub := provisioning.New(globalLogger.Named("provisioning"), cfg, router)

	manager := agent.NewManager(globalLogger)
	manager.Add("status-page", statusPage)
	manager.Add(provisioning.SubsysName, provSub)
	manager.Add(kiosk.SubsysName, kioskSub)

	exitIfError(manager.StartAll(ctx))

	manager.HealthLoop(ctx)
	manager.StopAll()
}

func setupExitSignalHandling() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt:
				fallthrough
			case syscall.SIGABRT:
				fallthrough
			case syscall.SIGTERM:
				globalLogger.Info("exiting")
				// keep SIGQUIT available for stack trace debugging
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
				return

			case syscall.SIGHUP:
				// reserved for config reload

			default:
				globalLogger.Debugw("received unknown signal", "signal", sig)
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
	return ctx, cancel
}

func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}

func getLock() (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(utils.FrameDirs["tmp"], "pixelpaper-agent.pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	globalLogger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// a stale or slow-to-release lock is worth one retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		globalLogger.Warn("retrying lock")
		if err = pidFile.TryLock(); err == nil {
			return pidFile, nil
		}
	}
	return "", errors.Wrapf(err, "locking %s", pidFile)
}

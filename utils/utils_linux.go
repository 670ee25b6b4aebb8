package utils

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	errw "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SyncFS flushes the filesystem containing the given path.
func SyncFS(syncPath string) (errRet error) {
	file, errRet := os.Open(filepath.Dir(syncPath))
	if errRet != nil {
		return errw.Wrapf(errRet, "syncing fs %s", syncPath)
	}
	err := unix.Syncfs(int(file.Fd()))
	if err != nil {
		errRet = errw.Wrapf(err, "syncing fs %s", syncPath)
	}
	return errors.Join(errRet, file.Close())
}

// PlatformSubprocessSettings puts a child process into its own process group,
// so the whole group can be signalled together.
func PlatformSubprocessSettings(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// PlatformKill does SIGKILL on the whole process group.
func PlatformKill(logger *zap.SugaredLogger, cmd *exec.Cmd) {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil {
		logger.Error(err)
	}
}

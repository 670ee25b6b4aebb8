// Package utils contains helpers shared between the main agent and its subsystems.
package utils

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

var (
	// FrameDirs holds the filesystem layout used by the agent.
	FrameDirs = map[string]string{"base": "/opt/pixelpaper"}

	HealthCheckTimeout = time.Minute
)

func init() {
	FrameDirs["bin"] = filepath.Join(FrameDirs["base"], "bin")
	FrameDirs["app"] = filepath.Join(FrameDirs["base"], "app")
	FrameDirs["cache"] = filepath.Join(FrameDirs["base"], "cache")
	FrameDirs["tmp"] = filepath.Join(FrameDirs["base"], "tmp")
	FrameDirs["etc"] = filepath.Join(FrameDirs["base"], "etc")
}

// InitPaths makes sure the agent directory tree exists and is usable.
func InitPaths() error {
	for _, p := range FrameDirs {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				//nolint:gosec
				if err := os.MkdirAll(p, 0o755); err != nil {
					return errw.Wrapf(err, "creating directory %s", p)
				}
				continue
			}
			return errw.Wrapf(err, "checking directory %s", p)
		}
		if !info.IsDir() {
			return errw.Errorf("%s should be a directory, but is not", p)
		}
	}
	return nil
}

// DownloadFile downloads a file into the cache directory and returns a path to it.
func DownloadFile(ctx context.Context, rawURL string, logger *zap.SugaredLogger) (outPath string, errRet error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errw.Errorf("unsupported url scheme %s", parsedURL.Scheme)
	}

	logger.Infof("Starting download of %s", rawURL)
	outPath = filepath.Join(FrameDirs["cache"], path.Base(parsedURL.Path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return "", errw.Wrap(err, "downloading file")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errw.Wrapf(err, "downloading file %s", rawURL)
	}
	defer func() {
		errRet = errors.Join(errRet, resp.Body.Close())
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", errw.Errorf("got response '%s' while downloading %s", resp.Status, parsedURL)
	}

	out, err := os.CreateTemp(FrameDirs["tmp"], "*")
	if err != nil {
		return "", err
	}
	defer func() {
		errClose := out.Close()
		if !errors.Is(errClose, os.ErrClosed) {
			errRet = errors.Join(errRet, errClose)
		}
		if err := os.Remove(out.Name()); err != nil && !os.IsNotExist(err) {
			errRet = errors.Join(errRet, err)
		}
	}()

	bar := progressbar.NewOptions64(
		resp.ContentLength,
		progressbar.OptionSetDescription("Downloading "+filepath.Base(outPath)),
		progressbar.OptionSetWriter(io.Discard),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
	)

	_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
	if err != nil {
		return "", errors.Join(errRet, err)
	}

	errRet = errors.Join(errRet, out.Close(), os.Rename(out.Name(), outPath), SyncFS(outPath))
	if errRet == nil {
		logger.Infof("Download complete for %s", rawURL)
	}
	return outPath, errRet
}

// DecompressFile extracts an xz-compressed file and returns the path to the extracted file.
func DecompressFile(inPath string) (outPath string, errRet error) {
	//nolint:gosec
	in, err := os.Open(inPath)
	if err != nil {
		return "", err
	}
	defer func() {
		errRet = errors.Join(errRet, in.Close())
	}()

	reader, err := xz.NewReader(bufio.NewReader(in))
	if err != nil {
		return "", err
	}

	out, err := os.CreateTemp(FrameDirs["tmp"], "*")
	if err != nil {
		return "", err
	}
	defer func() {
		errClose := out.Close()
		if !errors.Is(errClose, os.ErrClosed) {
			errRet = errors.Join(errRet, errClose)
		}
		if err := os.Remove(out.Name()); err != nil && !os.IsNotExist(err) {
			errRet = errors.Join(errRet, err)
		}
	}()

	_, err = io.Copy(out, reader)
	if err != nil {
		errRet = errors.Join(errRet, err)
	}

	outPath = filepath.Join(FrameDirs["cache"], strings.Replace(filepath.Base(inPath), ".xz", "", 1))
	errRet = errors.Join(errRet, out.Close(), os.Rename(out.Name(), outPath), SyncFS(outPath))
	return outPath, errRet
}

// GetFileSum returns the sha256 sum of a file.
func GetFileSum(filePath string) (outSum []byte, errRet error) {
	//nolint:gosec
	in, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		errRet = errors.Join(errRet, in.Close())
	}()

	h := sha256.New()
	_, errRet = io.Copy(h, in)
	return h.Sum(nil), errRet
}

// WriteFileIfNew returns true if contents changed and a write happened.
func WriteFileIfNew(outPath string, data []byte, perms os.FileMode) (bool, error) {
	curFileBytes, err := os.ReadFile(outPath) //nolint:gosec
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	if err := os.MkdirAll(path.Dir(outPath), 0o700); err != nil {
		return true, errw.Wrapf(err, "creating directory for %s", outPath)
	}

	if err := os.WriteFile(outPath, data, perms); err != nil {
		return true, errw.Wrapf(err, "writing %s", outPath)
	}

	return true, SyncFS(outPath)
}

// FuzzTime adds random jitter of +/- pct (0.0 - 1.0) to a duration.
func FuzzTime(duration time.Duration, pct float64) time.Duration {
	//nolint:gosec
	random := rand.New(rand.NewSource(time.Now().UnixNano())).Float64()
	slop := float64(duration) * pct * 2
	return time.Duration(float64(duration) - slop + (random * slop))
}

// Health tracks responsiveness of a loop for watchdog purposes.
type Health struct {
	mu      sync.Mutex
	last    time.Time
	Timeout time.Duration
}

func NewHealth() *Health {
	return &Health{Timeout: HealthCheckTimeout, last: time.Now()}
}

func (h *Health) MarkGood() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = time.Now()
}

// Sleep waits for timeout, marking the health timestamp when it completes.
// Returns false if the context was cancelled while waiting.
func (h *Health) Sleep(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		h.mu.Lock()
		defer h.mu.Unlock()
		h.last = time.Now()
		return true
	}
}

func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) < h.Timeout
}

// Recover logs a panic and allows the process to continue.
func Recover(logger *zap.SugaredLogger, inner func(r any)) {
	r := recover()
	if r != nil {
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}

package kiosk

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/gabriel-vasile/mimetype"
	getter "github.com/hashicorp/go-getter"
	errw "github.com/pkg/errors"
	"github.com/pixelpaper/agent/utils"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v3"
)

const manifestFetchTimeout = time.Second * 30

// manifest describes the latest published frame app.
type manifest struct {
	Version string `yaml:"version"`

	// Source is a go-getter URL (git repo, tarball, ...) fetched into the
	// app directory.
	Source string `yaml:"source,omitempty"`

	// Asset is a direct download alternative to Source, expected to be an
	// xz-compressed bundle.
	Asset  string `yaml:"asset,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
}

type versionCache struct {
	Version string `yaml:"version"`
}

// Updater fetches newer versions of the frame app when one is published.
type Updater struct {
	logger *zap.SugaredLogger
	cfg    utils.KioskConfiguration

	cachePath string
}

func NewUpdater(logger *zap.SugaredLogger, cfg utils.KioskConfiguration) *Updater {
	return &Updater{
		logger:    logger,
		cfg:       cfg,
		cachePath: filepath.Join(utils.FrameDirs["cache"], "app-version.yaml"),
	}
}

// UpdateOnce checks the manifest and updates the app directory when the
// published version is newer than what is installed.
func (u *Updater) UpdateOnce(ctx context.Context) error {
	if u.cfg.UpdateManifestURL == "" {
		u.logger.Debug("No update manifest configured")
		return nil
	}

	m, err := u.fetchManifest(ctx)
	if err != nil {
		return err
	}

	newVersion, err := semver.NewVersion(m.Version)
	if err != nil {
		return errw.Wrapf(err, "parsing manifest version %s", m.Version)
	}
	if installed := u.installedVersion(); installed != nil && !newVersion.GreaterThan(installed) {
		u.logger.Debugf("App is up to date (installed %s, published %s)", installed, newVersion)
		return nil
	}

	u.logger.Infof("Updating frame app to %s", newVersion)
	if err := u.fetchApp(ctx, m); err != nil {
		return err
	}

	return u.writeVersionCache(newVersion.String())
}

func (u *Updater) fetchManifest(ctx context.Context) (*manifest, error) {
	reqCtx, cancel := context.WithTimeout(ctx, manifestFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.cfg.UpdateManifestURL, nil)
	if err != nil {
		return nil, errw.Wrap(err, "building manifest request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errw.Wrap(err, "fetching update manifest")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Debug(err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errw.Errorf("fetching update manifest: status %d", resp.StatusCode)
	}

	m := &manifest{}
	if err := yaml.NewDecoder(resp.Body).Decode(m); err != nil {
		return nil, errw.Wrap(err, "parsing update manifest")
	}
	if m.Version == "" {
		return nil, errw.New("update manifest has no version")
	}
	return m, nil
}

func (u *Updater) installedVersion() *semver.Version {
	raw, err := os.ReadFile(u.cachePath) //nolint:gosec
	if err != nil {
		return nil
	}
	cache := &versionCache{}
	if err := yaml.Unmarshal(raw, cache); err != nil {
		u.logger.Warn(errw.Wrap(err, "parsing version cache"))
		return nil
	}
	v, err := semver.NewVersion(cache.Version)
	if err != nil {
		return nil
	}
	return v
}

func (u *Updater) writeVersionCache(version string) error {
	raw, err := yaml.Marshal(&versionCache{Version: version})
	if err != nil {
		return err
	}
	if _, err := utils.WriteFileIfNew(u.cachePath, raw, 0o644); err != nil {
		return errw.Wrap(err, "writing version cache")
	}
	return nil
}

// fetchApp pulls the new app into the app directory, either via go-getter
// (git repos, tarball URLs) or as a direct xz-compressed asset download.
func (u *Updater) fetchApp(ctx context.Context, m *manifest) error {
	if m.Asset != "" {
		return u.fetchAsset(ctx, m)
	}

	source := m.Source
	if source == "" {
		source = u.cfg.UpdateSource
	}
	if source == "" {
		return errw.New("update manifest has no source and none is configured")
	}

	client := &getter.Client{
		Ctx:  ctx,
		Src:  source,
		Dst:  utils.FrameDirs["app"],
		Mode: getter.ClientModeAny,
	}
	if err := client.Get(); err != nil {
		return errw.Wrapf(err, "fetching app from %s", source)
	}
	return utils.SyncFS(utils.FrameDirs["app"])
}

func (u *Updater) fetchAsset(ctx context.Context, m *manifest) error {
	downloaded, err := utils.DownloadFile(ctx, m.Asset, u.logger)
	if err != nil {
		return errw.Wrapf(err, "downloading %s", m.Asset)
	}

	if m.SHA256 != "" {
		sum, err := utils.GetFileSum(downloaded)
		if err != nil {
			return err
		}
		if m.SHA256 != hex.EncodeToString(sum) {
			return errw.Errorf("checksum mismatch for %s", m.Asset)
		}
	}

	kind, err := mimetype.DetectFile(downloaded)
	if err != nil {
		return errw.Wrap(err, "detecting asset type")
	}
	if kind.Is("application/x-xz") {
		downloaded, err = utils.DecompressFile(downloaded)
		if err != nil {
			return errw.Wrapf(err, "decompressing %s", m.Asset)
		}
	}

	dest := filepath.Join(utils.FrameDirs["app"], filepath.Base(downloaded))
	raw, err := os.ReadFile(downloaded) //nolint:gosec
	if err != nil {
		return err
	}
	if _, err := utils.WriteFileIfNew(dest, raw, 0o644); err != nil {
		return errw.Wrapf(err, "installing %s", dest)
	}
	return nil
}

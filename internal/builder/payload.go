package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const defaultPayloadBase = "https://global.synologydownload.com/download/DSM/release"

// ensurePayload makes sure the installer payload for v is present in the
// local cache, downloading it once and reusing it across runs. The cache is
// keyed by version and build, so a version bump never serves a stale file.
// Download failure is fatal with no retry.
func (s *Service) ensurePayload(ctx context.Context, v VersionInfo) (string, error) {
	path := filepath.Join(s.cfg.CacheDir, fmt.Sprintf("dsm_%s-%s.pat", v.Version, v.Build))

	if info, err := os.Stat(path); err == nil {
		s.logger.Info("installer payload cached",
			"path", path,
			"size", humanize.Bytes(uint64(info.Size())),
		)
		return path, nil
	}

	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating payload cache dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/DSM_VirtualDSM_%s.pat", s.payloadBase, v.Version, v.Build, v.Build)
	s.logger.Info("downloading installer payload", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading installer payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading installer payload: unexpected status %s", resp.Status)
	}

	// Write to a partial file and rename, so an interrupted download never
	// poisons the cache.
	partial := path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("creating payload file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("writing installer payload: %w", err)
	}
	if err := os.Rename(partial, path); err != nil {
		return "", fmt.Errorf("finalizing installer payload: %w", err)
	}

	s.logger.Info("installer payload downloaded", "path", path, "size", humanize.Bytes(uint64(n)))
	return path, nil
}

package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
)

// Synology's release-note API for VirtualDSM. The newest series is the first
// verList entry that is not the "all versions" pseudo-entry, and the newest
// release of that series is its first versions entry.
const defaultReleaseNoteURL = "https://www.synology.com/api/releaseNote/findChangeLog?identify=DSM&lang=en-us&model=VirtualDSM"

var versionBuildRe = regexp.MustCompile(`(\d+\.\d+\.\d+)-(\d+)`)

// VersionInfo identifies an installer payload: DSM version plus build number.
type VersionInfo struct {
	Version string // e.g. 7.2.2
	Build   string // e.g. 72806
}

func (v VersionInfo) String() string {
	return v.Version + "-" + v.Build
}

type releaseClient struct {
	http *http.Client
	url  string
}

func newReleaseClient(client *http.Client) *releaseClient {
	return &releaseClient{http: client, url: defaultReleaseNoteURL}
}

// Latest scrapes the newest VirtualDSM version and build number.
func (c *releaseClient) Latest(ctx context.Context) (VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("fetching release notes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("fetching release notes: unexpected status %s", resp.Status)
	}

	var payload struct {
		Info struct {
			VerList []struct {
				Value string `json:"value"`
			} `json:"verList"`
			Versions struct {
				DSM map[string][]struct {
					Version string `json:"version"`
				} `json:"DSM"`
			} `json:"versions"`
		} `json:"info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return VersionInfo{}, fmt.Errorf("decoding release notes: %w", err)
	}

	var series string
	for _, v := range payload.Info.VerList {
		if v.Value != "all_versions" {
			series = v.Value
			break
		}
	}
	if series == "" {
		return VersionInfo{}, fmt.Errorf("release notes contain no version series")
	}

	releases := payload.Info.Versions.DSM[series]
	if len(releases) == 0 {
		return VersionInfo{}, fmt.Errorf("release notes contain no releases for series %s", series)
	}

	// Release strings look like "7.2.2-72806 Update 4" or "7.2.2-72806".
	m := versionBuildRe.FindStringSubmatch(releases[0].Version)
	if m == nil {
		return VersionInfo{}, fmt.Errorf("cannot parse version from %q", releases[0].Version)
	}

	return VersionInfo{Version: m[1], Build: m[2]}, nil
}

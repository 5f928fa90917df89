package builder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseNoteFixture = `{
  "info": {
    "verList": [
      {"value": "all_versions"},
      {"value": "7.2"},
      {"value": "7.1"}
    ],
    "versions": {
      "DSM": {
        "7.2": [
          {"version": "7.2.2-72806 Update 4"},
          {"version": "7.2.2-72806"}
        ],
        "7.1": [
          {"version": "7.1.1-42962"}
        ]
      }
    }
  }
}`

func TestReleaseClientLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write([]byte(releaseNoteFixture))
	}))
	defer srv.Close()

	c := &releaseClient{http: srv.Client(), url: srv.URL}
	v, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VersionInfo{Version: "7.2.2", Build: "72806"}, v)
	assert.Equal(t, "7.2.2-72806", v.String())
}

func TestReleaseClientLatest_Unparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write([]byte(`{"info":{"verList":[{"value":"7.2"}],"versions":{"DSM":{"7.2":[{"version":"nonsense"}]}}}}`))
	}))
	defer srv.Close()

	c := &releaseClient{http: srv.Client(), url: srv.URL}
	_, err := c.Latest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot parse version")
}

func TestReleaseClientLatest_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &releaseClient{http: srv.Client(), url: srv.URL}
	_, err := c.Latest(context.Background())
	require.Error(t, err)
}

package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	version string
	polls   atomic.Int32
	doneAt  atomic.Int32
	mu      sync.Mutex
	config  BuildConfig
	archive []byte
	agents  []string
	authz   []string
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.agents = append(f.agents, r.UserAgent())
		io.WriteString(w, f.version)
	})
	mux.HandleFunc("POST /build", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.agents = append(f.agents, r.UserAgent())
		f.authz = append(f.authz, r.Header.Get("Authorization"))
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("build_config")), &f.config); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("build_context")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "package.zip", hdr.Filename)
		f.archive, _ = io.ReadAll(file)
		json.NewEncoder(w).Encode(BuildResponse{RemoteBuildID: ptr("job-42")})
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		resp := BuildResponse{RemoteBuildID: ptr(r.PathValue("id"))}
		if done := f.doneAt.Load(); done > 0 && n >= done {
			resp.Completed, resp.Success = true, true
			resp.ImageTag = ptr("registry/echo:1.0")
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /jobs/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "logs for "+r.PathValue("id"))
	})
	return mux
}

func newFakeService(t *testing.T, version string) (*fakeService, *httptest.Server) {
	f := &fakeService{version: version}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestRemoteBuildSubmitsContext(t *testing.T) {
	f, srv := newFakeService(t, "1.5.2")
	ctx := context.Background()
	b, err := NewRemoteBuilder(ctx, srv.URL, RemoteOptions{AuthHeader: "Bearer token"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.2", b.ServiceVersion)

	bc := preparedContext(t)
	digest, err := bc.Digest()
	require.NoError(t, err)

	resp, err := b.Build(ctx, bc, ImageOptions{
		Name:        "registry/echo",
		Tag:         "1.0",
		Credentials: &Credentials{Username: "user", Password: "pass"},
		Timeout:     10 * time.Minute,
		Webhook:     "https://hooks.example.com/done",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.RemoteBuildID)
	assert.Equal(t, "job-42", *resp.RemoteBuildID)
	assert.False(t, resp.Completed)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "registry/echo", f.config.ImageName)
	assert.Equal(t, "1.0", f.config.Tag)
	assert.True(t, f.config.Publish)
	assert.Equal(t, 600, f.config.Timeout)
	assert.Equal(t, "dXNlcjpwYXNz", f.config.RegistryCreds)
	assert.Equal(t, []string{"linux/amd64"}, f.config.Platforms)
	require.NotNil(t, f.config.Webhook)
	assert.Equal(t, "https://hooks.example.com/done", *f.config.Webhook)

	assert.Equal(t, []string{ClientUserAgent, ClientUserAgent}, f.agents)
	assert.Equal(t, []string{"Bearer token"}, f.authz)

	dest := t.TempDir()
	require.NoError(t, ExtractZip(bytes.NewReader(f.archive), int64(len(f.archive)), dest, 0))
	extracted, err := OpenContext(dest)
	require.NoError(t, err)
	got, err := extracted.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	assert.NoDirExists(t, bc.BaseDir)
}

func TestRemoteBuildRejectsBadInput(t *testing.T) {
	_, srv := newFakeService(t, "1.5.0")
	b, err := NewRemoteBuilder(context.Background(), srv.URL, RemoteOptions{SkipVersionCheck: true})
	require.NoError(t, err)
	bc := preparedContext(t)

	_, err = b.Build(context.Background(), bc, ImageOptions{Name: "echo", Webhook: "not a url"})
	assert.ErrorContains(t, err, "not a valid URL")
	_, err = b.Build(context.Background(), bc, ImageOptions{})
	assert.Error(t, err)

	_, err = NewRemoteBuilder(context.Background(), "ftp://example.com", RemoteOptions{})
	assert.Error(t, err)
}

func TestRemoteStatusAndLogs(t *testing.T) {
	f, srv := newFakeService(t, "1.4.0")
	ctx := context.Background()
	b, err := NewRemoteBuilder(ctx, srv.URL, RemoteOptions{})
	require.NoError(t, err)

	status, err := b.GetBuildStatus(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, "job-7", *status.RemoteBuildID)
	assert.False(t, status.Completed)

	logs, err := b.GetBuildLogs(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, "logs for job-7", logs)

	f.doneAt.Store(f.polls.Load() + 3)
	done, err := b.BlockUntilComplete(ctx, "job-7", 0, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, "registry/echo:1.0", *done.ImageTag)
}

func TestBlockUntilCompleteTimesOut(t *testing.T) {
	_, srv := newFakeService(t, "1.5.0")
	b, err := NewRemoteBuilder(context.Background(), srv.URL, RemoteOptions{SkipVersionCheck: true})
	require.NoError(t, err)

	resp, err := b.BlockUntilComplete(context.Background(), "job-9", time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.Completed)
	assert.Equal(t, timedOutMessage, *resp.ErrorMessage)
	assert.Equal(t, "job-9", *resp.RemoteBuildID)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("1.4.9", "1.5.0"))
	assert.Equal(t, 0, compareVersions("v1.5", "1.5.0"))
	assert.Equal(t, 1, compareVersions("1.10.0", "1.5.0"))
	assert.Equal(t, 0, compareVersions("1.5.0-rc1", "1.5.0"))
}

func TestDecodeCredentials(t *testing.T) {
	creds, err := DecodeCredentials(Credentials{Username: "user", Password: "p:ss"}.Encoded())
	require.NoError(t, err)
	assert.Equal(t, &Credentials{Username: "user", Password: "p:ss"}, creds)

	for _, bad := range []string{"%%%", "bm9jb2xvbg=="} {
		_, err := DecodeCredentials(bad)
		assert.Error(t, err, bad)
	}
	assert.True(t, ValidWebhook("https://hooks.example.com/build"))
	assert.False(t, ValidWebhook("/relative"))
}

package builder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ClientUserAgent identifies SDK requests to the build service.
	ClientUserAgent = "ChassisClient/1.5"
	// MinServiceVersion is the oldest build service this client supports.
	MinServiceVersion = "1.5.0"

	timedOutMessage = "Timed out before completion."
)

// Credentials authenticate the build service against the target registry.
type Credentials struct {
	Username string
	Password string
}

// Encoded returns base64("username:password").
func (c Credentials) Encoded() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// DecodeCredentials parses the output of Credentials.Encoded.
func DecodeCredentials(encoded string) (*Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("registry credentials are not base64: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return nil, errors.New("registry credentials must be username:password")
	}
	return &Credentials{Username: user, Password: pass}, nil
}

// ValidWebhook reports whether raw is an absolute http(s) URL.
func ValidWebhook(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// BuildConfig is the JSON document sent in the build_config part of a
// remote build request.
type BuildConfig struct {
	ImageName        string   `json:"image_name"`
	Tag              string   `json:"tag"`
	Publish          bool     `json:"publish"`
	InsecureRegistry bool     `json:"insecure_registry"`
	Webhook          *string  `json:"webhook"`
	Timeout          int      `json:"timeout"`
	RegistryCreds    string   `json:"registry_creds,omitempty"`
	Platforms        []string `json:"platforms,omitempty"`
}

// RemoteOptions configures a RemoteBuilder.
type RemoteOptions struct {
	// AuthHeader is sent as the Authorization header of every request.
	AuthHeader string
	// HTTPClient defaults to a client without timeout; builds upload large
	// archives.
	HTTPClient *http.Client
	// SkipVersionCheck skips the GET /version probe.
	SkipVersionCheck bool
}

// RemoteBuilder submits build contexts to a remote build service.
type RemoteBuilder struct {
	baseURL    *url.URL
	authHeader string
	client     *http.Client
	// ServiceVersion is the version reported by the service, if checked.
	ServiceVersion string
}

// NewRemoteBuilder returns a builder for the service at baseURL. Unless
// disabled, it asks the service for its version and warns when it is older
// than MinServiceVersion.
func NewRemoteBuilder(ctx context.Context, baseURL string, opts RemoteOptions) (*RemoteBuilder, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid build service URL %q", baseURL)
	}
	b := &RemoteBuilder{baseURL: u, authHeader: opts.AuthHeader, client: opts.HTTPClient}
	if b.client == nil {
		b.client = &http.Client{}
	}
	if opts.SkipVersionCheck {
		return b, nil
	}

	body, err := b.get(ctx, "version")
	if err != nil {
		return nil, fmt.Errorf("check build service version: %w", err)
	}
	b.ServiceVersion = strings.TrimSpace(string(body))
	if compareVersions(b.ServiceVersion, MinServiceVersion) < 0 {
		log.Warn().Str("version", b.ServiceVersion).
			Msgf("Chassis service version should be >=%s for compatibility with this SDK version, things may not work as expected. Please update the service.", MinServiceVersion)
	}
	return b, nil
}

func (b *RemoteBuilder) endpoint(elem ...string) string {
	return b.baseURL.JoinPath(elem...).String()
}

func (b *RemoteBuilder) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", ClientUserAgent)
	if b.authHeader != "" {
		req.Header.Set("Authorization", b.authHeader)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (b *RemoteBuilder) get(ctx context.Context, elem ...string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(elem...), nil)
	if err != nil {
		return nil, err
	}
	return b.do(req)
}

// Build uploads bc and returns the submitted job. The response is not
// complete; poll it with GetBuildStatus or BlockUntilComplete.
func (b *RemoteBuilder) Build(ctx context.Context, bc *BuildContext, opts ImageOptions) (*BuildResponse, error) {
	if opts.Name == "" {
		return nil, errors.New("image name is required")
	}
	var webhook *string
	if opts.Webhook != "" {
		if !ValidWebhook(opts.Webhook) {
			return nil, fmt.Errorf("provided webhook %q is not a valid URL", opts.Webhook)
		}
		webhook = &opts.Webhook
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	cfg := BuildConfig{
		ImageName:        opts.Name,
		Tag:              opts.tag(),
		Publish:          true,
		InsecureRegistry: opts.InsecureRegistry,
		Webhook:          webhook,
		Timeout:          int(timeout / time.Second),
		Platforms:        bc.Platforms,
	}
	if opts.Credentials != nil {
		cfg.RegistryCreds = opts.Credentials.Encoded()
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	archive, err := os.CreateTemp("", "chassis-context-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(archive.Name())
	defer archive.Close()
	if err := ZipContext(bc, archive); err != nil {
		return nil, fmt.Errorf("%w: zip context: %w", ErrContextAssembly, err)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := mw.WriteField("build_config", string(cfgJSON))
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("build_context", "package.zip")
			if err == nil {
				_, err = io.Copy(part, archive)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("build"), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body, err := b.do(req)
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("submit build: %w", err)
	}

	var resp BuildResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode build response: %w", err)
	}
	if resp.RemoteBuildID != nil {
		log.Info().Str("job", *resp.RemoteBuildID).Msg("Job has been submitted")
	}
	if !opts.KeepContext {
		log.Info().Msg("Cleaning local context")
		if err := bc.Cleanup(); err != nil {
			log.Warn().Err(err).Str("dir", bc.BaseDir).Msg("failed to remove build context")
		}
	}
	return &resp, nil
}

// GetBuildStatus returns the current state of a remote build.
func (b *RemoteBuilder) GetBuildStatus(ctx context.Context, id string) (*BuildResponse, error) {
	body, err := b.get(ctx, "jobs", id)
	if err != nil {
		return nil, err
	}
	var resp BuildResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode build status: %w", err)
	}
	return &resp, nil
}

// GetBuildLogs returns the logs of a remote build.
func (b *RemoteBuilder) GetBuildLogs(ctx context.Context, id string) (string, error) {
	body, err := b.get(ctx, "jobs", id, "logs")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// BlockUntilComplete polls the build until it completes. When timeout is
// positive and elapses first, an incomplete response is returned.
func (b *RemoteBuilder) BlockUntilComplete(ctx context.Context, id string, timeout, pollInterval time.Duration) (*BuildResponse, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := b.GetBuildStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.Completed {
			return status, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline.Add(-pollInterval)) {
			log.Warn().Str("job", id).Msg(timedOutMessage)
			return &BuildResponse{ErrorMessage: ptr(timedOutMessage), RemoteBuildID: ptr(id)}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// compareVersions compares dotted numeric versions; a leading "v" and
// pre-release suffixes are ignored.
func compareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var parts []int
	for _, p := range strings.Split(v, ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}
	return parts
}

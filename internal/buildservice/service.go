package buildservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/store"
	"github.com/kennethnrk/chassis/pkg/builder"
)

// Version is reported by GET /version.
const Version = "1.5.0"

const (
	defaultBuildTimeout    = time.Hour
	defaultMaxContextBytes = 20 << 30
	webhookTimeout         = 30 * time.Second
	interruptedMessage     = "Build interrupted by a service restart."
	credentialsLostMessage = "Registry credentials are not kept across a service restart, resubmit the build."
)

// ErrInvalidRequest marks submissions rejected before a job is created.
var ErrInvalidRequest = errors.New("invalid build request")

// Options configures a Service.
type Options struct {
	// DataDir holds extracted build contexts.
	DataDir string
	// MaxConcurrent bounds the builds running at once.
	MaxConcurrent int
	// Retention is how long contexts of finished jobs are kept.
	Retention time.Duration
	// Tool is the image builder, "buildah" or "docker".
	Tool string
	// NewBuilder returns the builder of one job; out receives its live
	// logs. Nil means a LocalBuilder for Tool.
	NewBuilder func(out io.Writer) builder.Builder
	// HTTPClient posts webhooks.
	HTTPClient *http.Client
	// MaxContextBytes bounds the uncompressed size of an upload.
	MaxContextBytes int64
}

// Service runs build jobs with bounded concurrency.
type Service struct {
	opts  Options
	store *store.Store
	now   func() time.Time

	// mu serializes read-modify-write of job records.
	mu   sync.Mutex
	live map[string]*logBuffer
	// creds holds registry credentials of queued and running jobs. They are
	// never written to the store.
	creds map[string]string

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Service persisting jobs in st. Jobs left running by a
// previous process are marked failed and pending jobs are queued again.
func New(st *store.Store, opts Options) (*Service, error) {
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxContextBytes <= 0 {
		opts.MaxContextBytes = defaultMaxContextBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: webhookTimeout}
	}
	if opts.NewBuilder == nil {
		lb, err := builder.NewLocalBuilder(opts.Tool)
		if err != nil {
			return nil, err
		}
		tool := lb.Tool
		opts.NewBuilder = func(out io.Writer) builder.Builder {
			return &builder.LocalBuilder{Tool: tool, Output: out}
		}
	}
	if err := os.MkdirAll(contextsDir(opts.DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create contexts directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:   opts,
		store:  st,
		now:    time.Now,
		live:   make(map[string]*logBuffer),
		creds:  make(map[string]string),
		sem:    make(chan struct{}, opts.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.recoverJobs(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func contextsDir(dataDir string) string {
	return filepath.Join(dataDir, "contexts")
}

func (s *Service) recoverJobs() error {
	jobs, err := ListJobsByStatuses(s.store, JobStatusPending, JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status == JobStatusRunning {
			log.Warn().Str("job", job.ID).Msg("Job was running when the service stopped, marking it failed")
			job.Status = JobStatusFailed
			job.ErrorMessage = interruptedMessage
			job.FinishedAt = s.now()
			if err := UpdateJob(s.store, job); err != nil {
				return err
			}
			continue
		}
		if job.HasCredentials {
			log.Warn().Str("job", job.ID).Msg("Pending job lost its registry credentials, marking it failed")
			job.Status = JobStatusFailed
			job.ErrorMessage = credentialsLostMessage
			job.FinishedAt = s.now()
			if err := UpdateJob(s.store, job); err != nil {
				return err
			}
			continue
		}
		log.Info().Str("job", job.ID).Msg("Requeueing pending job")
		s.enqueue(job.ID)
	}
	return nil
}

// Submit validates cfg, extracts the uploaded context and queues a job.
func (s *Service) Submit(cfg builder.BuildConfig, archive io.ReaderAt, size int64) (Job, error) {
	if cfg.ImageName == "" {
		return Job{}, fmt.Errorf("%w: image_name is required", ErrInvalidRequest)
	}
	if cfg.Tag == "" {
		cfg.Tag = "latest"
	}
	if _, err := builder.SanitizeImageName(cfg.ImageName, cfg.Tag); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	webhook := ""
	if cfg.Webhook != nil && *cfg.Webhook != "" {
		if !builder.ValidWebhook(*cfg.Webhook) {
			return Job{}, fmt.Errorf("%w: webhook %q is not a valid URL", ErrInvalidRequest, *cfg.Webhook)
		}
		webhook = *cfg.Webhook
	}
	if cfg.RegistryCreds != "" {
		if _, err := builder.DecodeCredentials(cfg.RegistryCreds); err != nil {
			return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if cfg.Timeout < 0 {
		return Job{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = defaultBuildTimeout
	}

	id := uuid.NewString()
	dir := filepath.Join(contextsDir(s.opts.DataDir), id)
	if err := builder.ExtractZip(archive, size, dir, s.opts.MaxContextBytes); err != nil {
		_ = os.RemoveAll(dir)
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := builder.OpenContext(dir, cfg.Platforms...); err != nil {
		_ = os.RemoveAll(dir)
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job := Job{
		ID:               id,
		Status:           JobStatusPending,
		ImageName:        cfg.ImageName,
		Tag:              cfg.Tag,
		Publish:          cfg.Publish,
		InsecureRegistry: cfg.InsecureRegistry,
		HasCredentials:   cfg.RegistryCreds != "",
		Webhook:          webhook,
		Platforms:        cfg.Platforms,
		Timeout:          timeout,
		ContextDir:       dir,
		CreatedAt:        s.now(),
	}
	if err := CreateJob(s.store, job); err != nil {
		_ = os.RemoveAll(dir)
		return Job{}, err
	}
	log.Info().Str("job", id).Str("image", cfg.ImageName+":"+cfg.Tag).Msg("Build job submitted")
	if cfg.RegistryCreds != "" {
		s.mu.Lock()
		s.creds[id] = cfg.RegistryCreds
		s.mu.Unlock()
	}
	s.enqueue(id)
	return job, nil
}

// Job returns a stored job.
func (s *Service) Job(id string) (Job, bool, error) {
	return GetJobByID(s.store, id)
}

// Logs returns the logs of a job, live while it is running.
func (s *Service) Logs(id string) (string, bool, error) {
	s.mu.Lock()
	buf, running := s.live[id]
	s.mu.Unlock()
	if running {
		return buf.String(), true, nil
	}
	job, ok, err := GetJobByID(s.store, id)
	if err != nil || !ok {
		return "", ok, err
	}
	return job.Logs, true, nil
}

func (s *Service) enqueue(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			s.mu.Lock()
			delete(s.creds, id)
			s.mu.Unlock()
			return
		}
		defer func() { <-s.sem }()
		s.run(id)
	}()
}

// updateJob applies fn to the stored job under the service lock.
func (s *Service) updateJob(id string, fn func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok, err := GetJobByID(s.store, id)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("job %q not found", id)
	}
	fn(&job)
	return job, UpdateJob(s.store, job)
}

func (s *Service) run(id string) {
	buf := &logBuffer{}
	var creds string
	job, err := s.updateJob(id, func(j *Job) {
		j.Status = JobStatusRunning
		j.StartedAt = s.now()
		s.live[id] = buf
		creds = s.creds[id]
		delete(s.creds, id)
	})
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("failed to start job")
		return
	}
	log.Info().Str("job", id).Msg("Build job started")

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()
	resp, buildErr := s.build(ctx, job, creds, buf)
	if buildErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		buildErr = fmt.Errorf("build timed out after %s: %w", job.Timeout, buildErr)
	}

	job, err = s.updateJob(id, func(j *Job) {
		delete(s.live, id)
		j.FinishedAt = s.now()
		j.Logs = buf.String()
		if buildErr != nil {
			j.Status = JobStatusFailed
			j.ErrorMessage = buildErr.Error()
			return
		}
		j.Status = JobStatusSucceeded
		if resp != nil && resp.ImageTag != nil {
			j.ImageTag = *resp.ImageTag
		}
		// The builder removes the context after a successful build.
		j.ContextDir = ""
	})
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("failed to record job result")
		return
	}
	if buildErr != nil {
		log.Error().Err(buildErr).Str("job", id).Msg("Build job failed")
	} else {
		log.Info().Str("job", id).Str("image", job.ImageTag).Msg("Build job succeeded")
	}
	if job.Webhook != "" {
		s.notify(job)
	}
}

func (s *Service) build(ctx context.Context, job Job, creds string, out io.Writer) (*builder.BuildResponse, error) {
	bc, err := builder.OpenContext(job.ContextDir, job.Platforms...)
	if err != nil {
		return nil, err
	}
	opts := builder.ImageOptions{
		Name:             job.ImageName,
		Tag:              job.Tag,
		Push:             job.Publish,
		InsecureRegistry: job.InsecureRegistry,
	}
	if creds != "" {
		if opts.Credentials, err = builder.DecodeCredentials(creds); err != nil {
			return nil, err
		}
	}
	return s.opts.NewBuilder(out).Build(ctx, bc, opts)
}

func (s *Service) notify(job Job) {
	body, err := json.Marshal(job.Response())
	if err != nil {
		log.Error().Err(err).Str("job", job.ID).Msg("failed to encode webhook payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Webhook, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("job", job.ID).Msg("invalid webhook")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ChassisBuildService/"+Version)
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("job", job.ID).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("job", job.ID).Msg("webhook rejected the notification")
	}
}

// Close stops queued jobs from starting, cancels running builds and waits
// for them to record their results.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

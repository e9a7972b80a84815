package buildservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/pkg/builder"
)

const (
	clientAgentPrefix = "ChassisClient/"
	shutdownGrace     = 10 * time.Second
)

// Router returns the HTTP API of the service.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(httpRecovery(), httpLogger())

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Alive!")
	})
	r.GET("/health", s.health)
	r.GET("/version", func(c *gin.Context) {
		c.String(http.StatusOK, Version)
	})
	r.POST("/build", s.submit)
	r.GET("/jobs/:id", s.jobStatus)
	r.GET("/jobs/:id/logs", s.jobLogs)
	r.POST("/test", func(c *gin.Context) {
		c.JSON(http.StatusGone, gin.H{"error": "Remote testing is no longer supported, test the image locally."})
	})
	return r
}

func (s *Service) health(c *gin.Context) {
	counts := map[JobStatus]int{}
	jobs, err := ListJobs(s.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": counts})
}

func (s *Service) submit(c *gin.Context) {
	if !strings.HasPrefix(c.GetHeader("User-Agent"), clientAgentPrefix) {
		c.JSON(http.StatusForbidden, gin.H{"error": "requests must come from a Chassis client"})
		return
	}
	cfg, err := readBuildConfig(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fh, err := c.FormFile("build_context")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "build_context archive is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	job, err := s.Submit(cfg, f, fh.Size)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidRequest) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job.Response())
}

// readBuildConfig reads build_config from a form field or an uploaded file.
func readBuildConfig(c *gin.Context) (builder.BuildConfig, error) {
	var cfg builder.BuildConfig
	raw := c.PostForm("build_config")
	if raw == "" {
		fh, err := c.FormFile("build_config")
		if err != nil {
			return cfg, errors.New("build_config is required")
		}
		f, err := fh.Open()
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return cfg, err
		}
		raw = string(b)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("build_config is not valid JSON: %w", err)
	}
	return cfg, nil
}

func (s *Service) jobStatus(c *gin.Context) {
	job, ok, err := s.Job(c.Param("id"))
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		c.JSON(http.StatusOK, job.Response())
	}
}

func (s *Service) jobLogs(c *gin.Context) {
	logs, ok, err := s.Logs(c.Param("id"))
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		c.String(http.StatusOK, logs)
	}
}

// httpLogger writes one access line per request.
func httpLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().Msgf("[access] [%s] %s %s %d %v", c.ClientIP(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func httpRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Msgf("Panic occurred: %v\n%s", err, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%v", err)})
			}
		}()
		c.Next()
	}
}

// ListenAndServe serves the API on port until ctx is cancelled.
func (s *Service) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}

// Serve handles requests on lis until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("Build service listening")

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	case err = <-errCh:
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

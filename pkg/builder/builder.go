// Package builder assembles Docker build contexts for packaged models and
// turns them into container images, either with a local image builder or
// through a remote build service.
package builder

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrContextAssembly wraps failures while materializing a build context.
	ErrContextAssembly = errors.New("build context assembly failed")
	// ErrResolverFailed is returned when the pip resolver cannot pin the
	// requirements.
	ErrResolverFailed = errors.New("requirements resolver failed")
	// ErrBuildFailed is returned when an image build does not succeed.
	ErrBuildFailed = errors.New("image build failed")
)

// Builder turns a prepared build context into an image.
type Builder interface {
	Build(ctx context.Context, bc *BuildContext, opts ImageOptions) (*BuildResponse, error)
}

// ImageOptions names the image and controls publishing.
type ImageOptions struct {
	Name string
	// Tag defaults to "latest".
	Tag string
	// Credentials for the target registry.
	Credentials *Credentials
	// InsecureRegistry allows pushing to a plain-HTTP registry.
	InsecureRegistry bool
	// Timeout bounds the remote build. Zero means one hour.
	Timeout time.Duration
	// Webhook receives the final BuildResponse of a remote build.
	Webhook string
	// Push publishes a locally built image after a successful build.
	Push bool
	// KeepContext leaves the context directory in place after the build.
	KeepContext bool
}

const defaultRemoteTimeout = time.Hour

func (o ImageOptions) tag() string {
	if o.Tag == "" {
		return "latest"
	}
	return o.Tag
}

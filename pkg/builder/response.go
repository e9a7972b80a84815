package builder

import (
	"fmt"
	"strings"
)

// BuildResponse reports the state of a local or remote build. Local builds
// return it once, complete. Remote builds return it on every status poll.
type BuildResponse struct {
	ImageTag      *string `json:"image_tag"`
	Logs          *string `json:"logs"`
	Success       bool    `json:"success"`
	Completed     bool    `json:"completed"`
	ErrorMessage  *string `json:"error_message"`
	RemoteBuildID *string `json:"remote_build_id"`
}

func (r *BuildResponse) String() string {
	var lines []string
	if r.RemoteBuildID != nil {
		lines = append(lines, "Remote Build ID: "+*r.RemoteBuildID)
	}
	lines = append(lines,
		fmt.Sprintf("Completed:       %t", r.Completed),
		fmt.Sprintf("Success:         %t", r.Success))
	if r.ImageTag != nil {
		lines = append(lines, "Image Tag:       "+*r.ImageTag)
	}
	if r.ErrorMessage != nil {
		lines = append(lines, "Error:           "+*r.ErrorMessage)
	}
	return strings.Join(lines, "\n")
}

// BuildError is returned by LocalBuilder when the image builder fails. Logs
// holds the builder output verbatim.
type BuildError struct {
	Err  error
	Logs string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%v: %v", ErrBuildFailed, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuildFailed, e.Err}
}

func ptr[T any](v T) *T { return &v }

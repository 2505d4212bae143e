package execution

import (
	"path/filepath"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
)

// Job describes one automation job process to run.
type Job struct {
	// Name is a human-readable label for operators; optional.
	Name string `json:"name,omitempty"`

	// Command is the executable to spawn.
	Command string `json:"command"`

	// Args are the arguments passed to the command.
	Args []string `json:"args,omitempty"`

	// WorkDir is the working directory; empty inherits the agent's.
	WorkDir string `json:"workDir,omitempty"`

	// Env holds extra environment variables for the job process.
	Env map[string]string `json:"env,omitempty"`
}

// Validate checks the job descriptor before anything is spawned.
func (j *Job) Validate() error {
	if j.Command == "" {
		return apperrors.InvalidJob("job command must not be empty")
	}
	if j.WorkDir != "" && !filepath.IsAbs(j.WorkDir) {
		return apperrors.InvalidJob("job workDir must be an absolute path")
	}
	for k := range j.Env {
		if k == "" {
			return apperrors.InvalidJob("job env contains an empty variable name")
		}
	}
	return nil
}

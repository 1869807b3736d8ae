package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
)

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	return nil
}

package cfg

import (
	"fmt"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if config.Pool == "" {
		return fmt.Errorf("a pool must be specified")
	}
	if config.Container == "" {
		return fmt.Errorf("a container must be specified")
	}
	if config.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("invalid log severity: %s", config.Logging.Severity)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if config.EventQueue.SlabSlots < 0 {
		return fmt.Errorf("event-queue slab-slots cannot be negative")
	}
	return nil
}

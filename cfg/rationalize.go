package cfg

import "runtime"

// Rationalize updates config fields based on the values of other fields.
func Rationalize(c *Config) error {
	if c.EventQueue.Workers <= 0 {
		c.EventQueue.Workers = runtime.NumCPU()
	}
	// Logging falls back to JSON output at INFO severity when unset.
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Severity == "" {
		c.Logging.Severity = InfoLogSeverity
	}
	return nil
}

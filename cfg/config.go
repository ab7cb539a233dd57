package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the daemon's full configuration tree, populated from flags
// and the optional YAML config file through viper.
type Config struct {
	AppName string `yaml:"app-name" mapstructure:"app-name"`

	Pool      string `yaml:"pool" mapstructure:"pool"`
	Container string `yaml:"container" mapstructure:"container"`

	Foreground bool `yaml:"foreground" mapstructure:"foreground"`
	ReadOnly   bool `yaml:"read-only" mapstructure:"read-only"`
	AllowOther bool `yaml:"allow-other" mapstructure:"allow-other"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	EventQueue EventQueueConfig `yaml:"event-queue" mapstructure:"event-queue"`

	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

type LoggingConfig struct {
	FilePath string      `yaml:"file-path" mapstructure:"file-path"`
	Format   LogFormat   `yaml:"format" mapstructure:"format"`
	Severity LogSeverity `yaml:"severity" mapstructure:"severity"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
	MaxFileSizeMb   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
}

type EventQueueConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	SlabSlots int `yaml:"slab-slots" mapstructure:"slab-slots"`
}

type MetricsConfig struct {
	// Addr, when non-empty, serves Prometheus metrics over HTTP.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// BindFlags declares every flag and binds it to its viper key, so a value
// can come from the command line, the config file, or the default, in
// that priority order.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.StringP("app-name", "", "", "The application name of this mount.")
	flagSet.StringP("pool", "", "", "UUID or label of the pool to mount.")
	flagSet.StringP("container", "", "", "UUID or label of the container to mount.")
	flagSet.BoolP("foreground", "f", false, "Stay in the foreground after mounting.")
	flagSet.BoolP("read-only", "r", false, "Mount the namespace read-only.")
	flagSet.BoolP("allow-other", "", false, "Allow other users to access the mount (requires user_allow_other in fuse.conf).")
	flagSet.StringP("log-file", "", "", "File to write logs to; empty means stderr.")
	flagSet.StringP("log-format", "", "json", "Log output format: json or text.")
	flagSet.StringP("log-severity", "", "INFO", "Minimum severity to log: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")
	flagSet.IntP("log-rotate-backup-file-count", "", 10, "Number of rotated log files to retain; 0 retains all.")
	flagSet.BoolP("log-rotate-compress", "", true, "Compress rotated log files.")
	flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "Rotate the log file once it reaches this size.")
	flagSet.IntP("event-queue-workers", "", 0, "Event-queue worker threads; 0 sizes from the CPU count.")
	flagSet.IntP("event-queue-slab-slots", "", 64, "Buffer slots per event slab pool.")
	flagSet.StringP("metrics-addr", "", "", "Address to serve Prometheus metrics on; empty disables.")

	for key, flag := range map[string]string{
		"app-name":                             "app-name",
		"pool":                                 "pool",
		"container":                            "container",
		"foreground":                           "foreground",
		"read-only":                            "read-only",
		"allow-other":                          "allow-other",
		"logging.file-path":                    "log-file",
		"logging.format":                       "log-format",
		"logging.severity":                     "log-severity",
		"logging.log-rotate.backup-file-count": "log-rotate-backup-file-count",
		"logging.log-rotate.compress":          "log-rotate-compress",
		"logging.log-rotate.max-file-size-mb":  "log-rotate-max-file-size-mb",
		"event-queue.workers":                  "event-queue-workers",
		"event-queue.slab-slots":               "event-queue-slab-slots",
		"metrics.addr":                         "metrics-addr",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Package cmd is the dfused command tree: flag and config-file parsing
// feed a cfg.Config through viper, which the mount path consumes.
package cmd

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daos-stack/dfused/cfg"
	"github.com/daos-stack/dfused/internal/logger"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// mountConfig is the fully-resolved configuration the mount path
	// runs with.
	mountConfig cfg.Config

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "dfused [flags] mount_point",
	Short: "Mount a DAOS POSIX container as a local filesystem",
	Long: `dfused projects a DAOS pool/container namespace into the POSIX
namespace through FUSE. The pool and container may be given as flags or
read from the config file; the mount point is the positional argument.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.Rationalize(&mountConfig); err != nil {
			return err
		}
		if err := cfg.ValidateConfig(&mountConfig); err != nil {
			return err
		}
		if err := logger.SetConfig(logger.Config{
			FilePath:   mountConfig.Logging.FilePath,
			Format:     string(mountConfig.Logging.Format),
			Severity:   string(mountConfig.Logging.Severity),
			MaxSizeMB:  mountConfig.Logging.LogRotate.MaxFileSizeMb,
			MaxBackups: mountConfig.Logging.LogRotate.BackupFileCount,
			Compress:   mountConfig.Logging.LogRotate.Compress,
		}); err != nil {
			return err
		}
		return runMount(mountConfig, args[0])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file; flags override its values.")
	bindErr = cfg.BindFlags(v, rootCmd.PersistentFlags())

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				configFileErr = fmt.Errorf("reading config file %q: %w", cfgFile, err)
				return
			}
		}
		unmarshalErr = v.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()))
	})
}

// Execute runs the command tree; main's only job is to call this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path.Base(os.Args[0]), err)
		os.Exit(1)
	}
}

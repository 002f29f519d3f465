// Package cli holds the cobra commands shared by the ns-* binaries. Flags are
// bound through viper, so every flag can also be set from the environment
// with the NS_ prefix (--idle-timeout becomes NS_IDLE_TIMEOUT). Precedence is
// flag, then environment, then config file, then built-in default.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/logging"
)

// Version is stamped at build time with -ldflags "-X Go2NetSession/internal/cli.Version=...".
var Version = "dev"

// AddGlobalFlags registers the flags every binary understands.
func AddGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// settings binds the command's flags, local and inherited, into a fresh viper
// instance that also reads NS_* environment variables.
func settings(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return v
}

// loadConfig builds the effective configuration: the file named by --config
// (or Default()), overridden by any flag or environment variable that is set.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		cfg = loaded
	}

	overrides := []struct {
		key string
		set func()
	}{
		{"idle_timeout", func() { cfg.Sessionizer.IdleTimeout = v.GetString("idle_timeout") }},
		{"mode", func() { cfg.Sessionizer.Mode = v.GetString("mode") }},
		{"workers", func() { cfg.Sessionizer.NumWorkers = v.GetInt("workers") }},
		{"input", func() { cfg.Input.Path = v.GetString("input") }},
		{"report", func() { setReportPath(cfg, v.GetString("report")) }},
		{"nats_url", func() { cfg.Probe.NATSURL = v.GetString("nats_url") }},
		{"subject", func() { cfg.Probe.Subject = v.GetString("subject") }},
		{"listen", func() { cfg.API.ListenAddr = v.GetString("listen") }},
		{"log_level", func() { cfg.Logging.Level = v.GetString("log_level") }},
		{"log_format", func() { cfg.Logging.Format = v.GetString("log_format") }},
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.set()
		}
	}
	return cfg, nil
}

// setReportPath points the first CSV writer at path, adding one if the
// configuration has none.
func setReportPath(cfg *config.Config, path string) {
	for i := range cfg.Output.Writers {
		if cfg.Output.Writers[i].Type == "csv" {
			cfg.Output.Writers[i].Enabled = true
			cfg.Output.Writers[i].CSV.Path = path
			return
		}
	}
	cfg.Output.Writers = append(cfg.Output.Writers, config.WriterDef{
		Type: "csv", Enabled: true, CSV: config.CSVConfig{Path: path},
	})
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	return logging.NewWithOutput(cfg.Logging, cmd.ErrOrStderr())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

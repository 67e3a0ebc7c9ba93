package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"classroll/internal/client"
	"classroll/internal/config"
	"classroll/internal/logging"
)

// commandContext carries the global flags. Every flag can also be set from
// the environment as CLASSROLL_<FLAG>. The interval defaults to the
// service's POLL_INTERVAL.
type commandContext struct {
	v *viper.Viper
}

func (c *commandContext) client() *client.Client {
	return client.New(c.v.GetString("server"), c.v.GetString("token"))
}

func (c *commandContext) logger() *zap.Logger {
	logger, err := logging.New(c.v.GetString("log-level"), "console")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (c *commandContext) pollInterval() time.Duration {
	return c.v.GetDuration("interval")
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("classroll")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	ctx := &commandContext{v: v}

	rootCmd := &cobra.Command{
		Use:           "classroll",
		Short:         "Classroom attendance CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", "http://localhost:8081", "API base URL")
	flags.String("token", "", "Bearer token of a professor")
	flags.Duration("interval", config.PollInterval(), "Polling interval for watch and override")
	flags.String("log-level", "warn", "Log level")
	for _, name := range []string{"server", "token", "interval", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(newReportCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newOverrideCommand(ctx))

	return rootCmd
}

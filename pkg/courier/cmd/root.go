package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/courier/output"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath   string
	outputFormat string
	debug        bool
	writer       io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   os.Getenv(config.ConfigPathEnv),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Mail delivery and mailbox ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("COURIER_OUTPUT")
			}
			if !rt.debug {
				rt.debug = strings.EqualFold(os.Getenv("COURIER_DEBUG"), "true")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file (default $"+config.ConfigPathEnv+" or ./config.yaml)")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewSendCommand(),
		NewSecretCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer == nil {
		return os.Stdout
	}
	return rt.writer
}

func (rt *runtimeState) Format() (output.Format, error) {
	return output.ParseFormat(rt.outputFormat)
}

// LoadConfig reads the config file and resolves keyring-backed secrets.
func (rt *runtimeState) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ResolveSecrets(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Package cli implements the connector command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/config"
)

const version = "1.0.0"

type app struct {
	cfgFile string
	output  string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "connector",
		Short: "Vectra to syslog event connector",
		Long: `connector pulls audit, entity scoring and detection events from the
Vectra API and forwards them to one or more syslog servers over UDP, TCP or TLS.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./config.{yaml,json} or /etc/vectra-connector/)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table, json, yaml")

	root.AddCommand(
		newRunCmd(a),
		newOnceCmd(a),
		newProbeCmd(a),
		newCheckpointCmd(a),
		newConfigCmd(a),
		newDLQCmd(a),
	)
	return root
}

// Execute runs the CLI and returns the error that should fail the process.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger logs to stderr so command output on stdout stays parseable.
func (a *app) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	l := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("vectra-connector"))
	logging.SetDefault(l)
	return l.Logger
}

func (a *app) printer(w io.Writer) *printer {
	return &printer{w: w, format: a.output}
}

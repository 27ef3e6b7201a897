package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/vectra-connector/internal/probe"
)

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check which syslog servers are reachable and save server_status.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := a.logger(cmd, cfg)

			dests := cfg.Destinations()
			status := probe.New(cfg.TLS.CertDir, cfg.Probe.Timeout, logger).Probe(cmd.Context(), dests)
			if err := probe.Save(cfg.Probe.StatusFile, status); err != nil {
				return err
			}

			p := a.printer(cmd.OutOrStdout())
			if done, err := p.structured(status); done {
				if err != nil {
					return err
				}
			} else {
				t := newTable("NAME", "PROTOCOL", "ADDRESS", "REACHABLE")
				for _, d := range dests {
					t.add(d.Name, string(d.Protocol), d.Address(), strconv.FormatBool(status.Reachable(d.Name)))
				}
				t.render(p.w)
			}
			return probe.Check(status, dests)
		},
	}
}

package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/vectra-connector/internal/config"
	"github.com/telhawk-systems/vectra-connector/internal/dlq"
)

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect batches that could not be delivered (file backend)",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered batches, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.fileQueue(cmd)
			if err != nil {
				return err
			}
			entries, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			p := a.printer(cmd.OutOrStdout())
			if done, err := p.structured(entries); done {
				return err
			}
			t := newTable("ID", "TIME", "DESTINATION", "STREAM", "EVENTS", "ERROR")
			for _, e := range entries {
				t.add(e.ID, e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Destination.Name, e.Stream,
					strconv.Itoa(len(e.Events)), e.Error)
			}
			t.render(p.w)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 for all)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.fileQueue(cmd)
			if err != nil {
				return err
			}
			n, err := q.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, purge)
	return cmd
}

func (a *app) fileQueue(cmd *cobra.Command) (*dlq.Queue, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.DLQ.Enabled {
		return nil, dlq.ErrDisabled
	}
	if cfg.DLQ.Backend == dlq.BackendJetStream {
		return nil, errors.New("the jetstream dead letter stream is read with NATS tooling (stream CONNECTOR_DLQ)")
	}
	return dlq.NewQueue(queuePath(cfg), a.logger(cmd, cfg))
}

func queuePath(cfg *config.Config) string {
	if cfg.DLQ.BasePath == "" {
		return dlq.DefaultBasePath
	}
	return cfg.DLQ.BasePath
}

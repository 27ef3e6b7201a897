package cli

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/vectra-connector/internal/collector"
	"github.com/telhawk-systems/vectra-connector/internal/connector"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Probe destinations and collect on the configured schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.logger(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := connector.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			logger.Info("starting connector", "version", version)
			if err := c.Run(ctx); err != nil {
				return err
			}
			logger.Info("connector stopped")
			return nil
		},
	}
}

func newOnceCmd(a *app) *cobra.Command {
	var job string

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle",
		Example: `  connector once --stream audit
  connector once --stream entity_scoring -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validJob(job) {
				return fmt.Errorf("unknown stream %q (valid: %v)", job, collector.Jobs())
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.logger(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := connector.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			results, runErr := c.RunOnce(ctx, job)
			if err := printResults(a.printer(cmd.OutOrStdout()), results); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&job, "stream", "", "stream to collect: audit, entity_scoring, detections")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func validJob(job string) bool {
	for _, j := range collector.Jobs() {
		if j == job {
			return true
		}
	}
	return false
}

type resultView struct {
	Stream    string `json:"stream" yaml:"stream"`
	State     string `json:"state" yaml:"state"`
	Pages     int    `json:"pages" yaml:"pages"`
	Events    int    `json:"events" yaml:"events"`
	Aborted   bool   `json:"aborted" yaml:"aborted"`
	DiskUsage int    `json:"disk_usage_percent" yaml:"disk_usage_percent"`
	Cursor    *int64 `json:"cursor" yaml:"cursor"`
}

func printResults(p *printer, results []collector.Result) error {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, resultView{
			Stream:    r.Stream,
			State:     r.State.String(),
			Pages:     r.Pages,
			Events:    r.Events,
			Aborted:   r.Aborted,
			DiskUsage: r.DiskUsage,
			Cursor:    r.Cursor,
		})
	}
	if done, err := p.structured(views); done {
		return err
	}

	t := newTable("STREAM", "STATE", "PAGES", "EVENTS", "ABORTED", "DISK%", "CURSOR")
	for _, v := range views {
		cursor := "-"
		if v.Cursor != nil {
			cursor = strconv.FormatInt(*v.Cursor, 10)
		}
		t.add(v.Stream, v.State, strconv.Itoa(v.Pages), strconv.Itoa(v.Events),
			strconv.FormatBool(v.Aborted), strconv.Itoa(v.DiskUsage), cursor)
	}
	t.render(p.w)
	return nil
}

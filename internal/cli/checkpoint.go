package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/vectra-connector/internal/connector"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset stream checkpoints",
	}
	cmd.AddCommand(newCheckpointShowCmd(a), newCheckpointResetCmd(a))
	return cmd
}

type checkpointView struct {
	Stream string `json:"stream" yaml:"stream"`
	Cursor *int64 `json:"cursor" yaml:"cursor"`
}

func newCheckpointShowCmd(a *app) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the saved cursor of every stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			streams := models.AllStreams()
			if stream != "" {
				s, err := models.StreamByID(stream)
				if err != nil {
					return err
				}
				streams = []models.Stream{s}
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			store, err := connector.Checkpoints(cmd.Context(), cfg, a.logger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			var views []checkpointView
			for _, s := range streams {
				cursor, ok, err := store.Read(cmd.Context(), s.ID)
				if err != nil {
					return fmt.Errorf("read %s: %w", s.ID, err)
				}
				v := checkpointView{Stream: s.ID}
				if ok {
					v.Cursor = &cursor
				}
				views = append(views, v)
			}

			p := a.printer(cmd.OutOrStdout())
			if done, err := p.structured(views); done {
				return err
			}
			t := newTable("STREAM", "CURSOR")
			for _, v := range views {
				cursor := "none (next cycle looks back 24h)"
				if v.Cursor != nil {
					cursor = strconv.FormatInt(*v.Cursor, 10)
				}
				t.add(v.Stream, cursor)
			}
			t.render(p.w)
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "only this stream: audit, entity_account, entity_host, detection")
	return cmd
}

func newCheckpointResetCmd(a *app) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete a stream checkpoint so the next cycle starts 24 hours back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := models.StreamByID(stream)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			store, err := connector.Checkpoints(cmd.Context(), cfg, a.logger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(cmd.Context(), s.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for %s reset\n", s.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "stream to reset: audit, entity_account, entity_host, detection")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

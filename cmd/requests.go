package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// maxListLimit matches the admin API cap.
const maxListLimit = 200

// refColumnWidth bounds the message-ref columns; opaque refs can be long.
const refColumnWidth = 32

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect parse requests in the configured store",
	}
	cmd.AddCommand(requestsListCmd())
	cmd.AddCommand(requestsShowCmd())
	return cmd
}

func requestsListCmd() *cobra.Command {
	var (
		states []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent parse requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := store.ListOpts{Limit: limit}
			if limit <= 0 || limit > maxListLimit {
				return fmt.Errorf("--limit must be between 1 and %d", maxListLimit)
			}
			for _, s := range states {
				st := store.RequestState(strings.TrimSpace(s))
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", s)
				}
				opts.States = append(opts.States, st)
			}

			return withStore(cmd.Context(), func(st store.RequestStore) error {
				reqs, err := st.List(cmd.Context(), opts)
				if err != nil {
					return fmt.Errorf("list requests: %w", err)
				}
				if len(reqs) == 0 {
					fmt.Println("No requests.")
					return nil
				}
				printRequestTable(os.Stdout, reqs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (pending, dispatched, completed, failed, timed_out)")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "maximum rows")
	return cmd
}

func requestsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one parse request as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.RequestStore) error {
				req, err := st.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("request %s not found", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(req)
			})
		},
	}
}

func withStore(ctx context.Context, fn func(store.RequestStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return errors.New("database.driver is memory: requests live only inside the running relay (use GET /v1/requests)")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

var requestColumns = []string{"ID", "STATE", "SOURCE", "STATUS MSG", "AGENT ID", "UPDATED"}

func printRequestTable(w io.Writer, reqs []store.ParseRequest) {
	rows := make([][]string, 0, len(reqs))
	for _, r := range reqs {
		rows = append(rows, []string{
			r.ID,
			string(r.State),
			runewidth.Truncate(r.SourceMessageRef.String(), refColumnWidth, "…"),
			runewidth.Truncate(r.StatusMessageRef.String(), refColumnWidth, "…"),
			orDash(r.AgentRequestID),
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}

	widths := make([]int, len(requestColumns))
	for i, h := range requestColumns {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	writeRow(w, requestColumns, widths)
	for _, row := range rows {
		writeRow(w, row, widths)
	}
}

func writeRow(w io.Writer, cells []string, widths []int) {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		if i == len(cells)-1 {
			b.WriteString(cell)
			continue
		}
		b.WriteString(runewidth.FillRight(cell, widths[i]))
	}
	fmt.Fprintln(w, b.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

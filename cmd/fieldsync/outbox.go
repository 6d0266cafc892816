package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/spf13/cobra"
)

var outboxStatuses []string

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry queued writes",
	Long:  "List and retry outbox entries in the device database without going through the daemon.",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed write so it is submitted again",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

func init() {
	addLocalFlags(outboxCmd)
	outboxListCmd.Flags().StringSliceVar(&outboxStatuses, "status", nil,
		"Only show entries with these statuses (pending, in_flight, failed)")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var statuses []types.MutationStatus
	for _, raw := range outboxStatuses {
		s := types.MutationStatus(strings.TrimSpace(raw))
		if !s.Valid() {
			return fmt.Errorf("invalid status %q (want pending, in_flight or failed)", raw)
		}
		statuses = append(statuses, s)
	}

	_, st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListMutations(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}

	if jsonOutput {
		if entries == nil {
			entries = []types.PendingMutation{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSTORE\tACTION\tENTITY\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, m := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID,
			m.Store,
			m.ActionType,
			m.EntityID,
			m.Status,
			m.AttemptCount,
			formatTime(m.NextAttempt),
			orDash(m.LastError),
		)
	}
	return w.Flush()
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid outbox id %q", args[0])
	}

	_, st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := st.Retry(ctx, id)
	switch {
	case errors.Is(err, store.ErrMutationNotFound):
		return fmt.Errorf("outbox entry %d not found", id)
	case errors.Is(err, store.ErrMutationInFlight):
		return fmt.Errorf("outbox entry %d is being submitted; try again shortly", id)
	case err != nil:
		return fmt.Errorf("retry outbox entry: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), m)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Outbox entry %d reset to %s; it will be submitted on the next sync.\n", m.ID, m.Status)
	return nil
}

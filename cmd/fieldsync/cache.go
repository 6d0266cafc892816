package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local record cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached stores with record and pending-write counts",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

func init() {
	addLocalFlags(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	_, st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stores, err := st.ListStores(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	sort.Slice(stores, func(i, j int) bool {
		return stores[i].Store < stores[j].Store
	})

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"stores": stores,
			"total":  len(stores),
		})
	}

	if len(stores) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "STORE\tRECORDS\tPENDING\tLAST REFRESH")
	for _, s := range stores {
		last := "-"
		if s.LastRefresh != nil {
			last = formatTime(*s.LastRefresh)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Store, s.RecordCount, s.Pending, last)
	}
	return w.Flush()
}

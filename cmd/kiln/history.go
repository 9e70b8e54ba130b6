package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/internal/db"
)

var (
	historyLimit int

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent builds",
		RunE:  runHistory,
	}
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of builds to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	kilnDB, err := db.NewDB(dbPath())
	if err != nil {
		return fmt.Errorf("open build history: %w", err)
	}
	defer kilnDB.Close()

	if err := db.InitSchema(ctx, kilnDB); err != nil {
		return fmt.Errorf("init build history: %w", err)
	}

	builds, err := db.ListBuilds(ctx, kilnDB, historyLimit)
	if err != nil {
		return fmt.Errorf("list builds: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tBASE\tSTATUS\tDIGEST\tSIZE")
	for _, b := range builds {
		digest := "-"
		if b.Digest != nil {
			if _, hex, ok := strings.Cut(*b.Digest, ":"); ok && len(hex) >= 12 {
				digest = hex[:12]
			}
		}

		size := "-"
		if b.SizeBytes != nil {
			size = units.HumanSize(float64(*b.SizeBytes))
		}

		status := b.Status
		if b.Status == db.StatusFailed && b.Error != nil {
			status = fmt.Sprintf("%s (%s)", b.Status, *b.Error)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.StartedAt.Format("2006-01-02 15:04:05"), b.BaseRef, status, digest, size)
	}
	return w.Flush()
}

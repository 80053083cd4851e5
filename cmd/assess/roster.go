package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/evalstream/internal/app"
	"github.com/ashureev/evalstream/internal/roster"
	"github.com/spf13/cobra"
)

var (
	rosterSearch string
	rosterOnce   bool
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Follow the live roster of assessment records",
	Long: `Prints the assessment records, most recently updated first, and reprints
them whenever the remote store changes. Use --once to print and exit.`,
	RunE: runRoster,
}

func init() {
	rosterCmd.Flags().StringVar(&rosterSearch, "search", "", "only show participants whose name contains this")
	rosterCmd.Flags().BoolVar(&rosterOnce, "once", false, "print the current roster and exit")
}

func runRoster(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := app.OpenRemote(ctx, cfg.RemoteDSN, logger)
	if err != nil {
		return err
	}
	defer records.Close()

	out := cmd.OutOrStdout()
	ros := roster.New()
	if rosterOnce {
		list, err := records.List(ctx)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		ros.Load(list)
		printRoster(out, ros, rosterSearch)
		return nil
	}

	var mu sync.Mutex
	w, err := roster.Watch(ctx, records, ros, func() {
		mu.Lock()
		defer mu.Unlock()
		printRoster(out, ros, rosterSearch)
	}, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	<-ctx.Done()
	return nil
}

func printRoster(w io.Writer, ros *roster.Roster, search string) {
	stats := ros.Stats()
	fmt.Fprintf(w, "\n== roster %s ==  total %d  certified %d  passed %d  avg %d%%\n",
		time.Now().Format(time.TimeOnly), stats.Total, stats.Certified, stats.Passed, stats.AverageScore)
	for _, rec := range ros.Filter(search) {
		fmt.Fprintf(w, "%6d  %-24s %3d%%  %-12s %-2s  %s\n",
			rec.Handle, rec.Participant, rec.Score, rec.Status, rec.Language, roster.CoachingAction(rec.Feedback(), rec.Score))
	}
}

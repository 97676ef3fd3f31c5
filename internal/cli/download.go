package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fundscope/fundscope/internal/app"
	"github.com/fundscope/fundscope/internal/download"
)

var (
	downloadStart      string
	downloadEnd        string
	downloadHistorical bool
	downloadFromYear   int
	downloadQuiet      bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <group|dataset>",
	Short: "Download a dataset group into the local store",
	Long: `Download every dataset of a group (cvm, indices) or a single dataset by id
(cad, informe, carteira, cdi, ibov). Files that did not change remotely are
skipped. Interrupting the command cancels the tasks still running.

Examples:
  fundscope download cvm
  fundscope download informe --start 2024-01-01 --end 2024-06-30
  fundscope download carteira --historical --from-year 2015`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVar(&downloadStart, "start", "", "first period, YYYY-MM-DD (default per dataset)")
	downloadCmd.Flags().StringVar(&downloadEnd, "end", "", "last period, YYYY-MM-DD (default today)")
	downloadCmd.Flags().BoolVar(&downloadHistorical, "historical", false, "also fetch the yearly archives")
	downloadCmd.Flags().IntVar(&downloadFromYear, "from-year", 0, "first year of the yearly archives")
	downloadCmd.Flags().BoolVarP(&downloadQuiet, "quiet", "q", false, "print only the summary")
}

func runDownload(cmd *cobra.Command, args []string) error {
	start, err := parseDate(downloadStart)
	if err != nil {
		return err
	}
	end, err := parseDate(downloadEnd)
	if err != nil {
		return err
	}
	req := app.DownloadGroup{
		Group:      args[0],
		Start:      start,
		End:        end,
		Historical: downloadHistorical,
		FromYear:   downloadFromYear,
	}

	interrupted, stop := signalContext()
	defer stop()

	// The engine outlives the interrupt so the batch can report its
	// cancelled tasks.
	return withEngine(context.Background(), func(ctx context.Context, e *app.Engine) error {
		if err := e.Submit(req); err != nil {
			return err
		}
		sigs := interrupted.Done()
		for {
			select {
			case <-sigs:
				sigs = nil
				if err := interruptDownload(os.Stderr, stop, e.Submit, req.Group); err != nil {
					return err
				}
			case ev, ok := <-e.Events():
				if !ok {
					return app.ErrStopped
				}
				switch v := ev.(type) {
				case app.DownloadTask:
					if !downloadQuiet && v.Status.Terminal() {
						printTask(v)
					}
				case app.DownloadProgress:
					if !downloadQuiet {
						fmt.Fprintf(os.Stderr, "Baixando: %d/%d (%s - %s)\n", v.Completed, v.Total, req.Group, v.Label)
					}
				case app.DownloadDone:
					return summarize(v.Result)
				case app.Failure:
					if v.Request == req.Kind() {
						return v.Err
					}
					fmt.Fprintf(os.Stderr, "warning: %s: %v\n", v.Request, v.Err)
				}
			}
		}
	})
}

func printTask(ev app.DownloadTask) {
	line := fmt.Sprintf("%-9s %-9s %s", ev.Status, ev.Dataset, ev.Label)
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Println(line)
}

// summarize prints the batch totals and the failed tasks. A batch with
// failures is an error.
func summarize(r *download.BatchResult) error {
	fmt.Printf("\n%d tasks: %d done (%d not modified), %d failed, %d cancelled\n",
		len(r.Tasks), r.Done, r.NotModified, r.Failed, r.Cancelled)

	failures := r.Failures()
	sort.Slice(failures, func(i, j int) bool { return failures[i].Label < failures[j].Label })
	for _, t := range failures {
		fmt.Printf("  %s: %v\n", t.Label, t.Err)
	}
	if r.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", r.Failed, len(r.Tasks))
	}
	return nil
}

// interruptDownload cancels the download group key. It first restores the
// default signal handling so a second interrupt terminates the process.
func interruptDownload(w io.Writer, stop func(), submit func(app.Request) error, key string) error {
	stop()
	fmt.Fprintln(w, "cancelling download...")
	return submit(app.CancelDownload{Key: key})
}

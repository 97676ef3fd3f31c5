package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundscope/fundscope/internal/app"
	"github.com/fundscope/fundscope/internal/indices"
	"github.com/fundscope/fundscope/internal/profit"
	"github.com/fundscope/fundscope/internal/registry"
	"github.com/fundscope/fundscope/internal/table"
)

var (
	searchClass     string
	searchSituation string
	searchLimit     int

	fundNoCache bool

	profitStart string
	profitEnd   string
	profitRows  int

	historyLimit int
	recentLimit  int
)

var searchCmd = &cobra.Command{
	Use:   "search [keyword]",
	Short: "Search the fund registry",
	Long: `Search the fund registry by name or id, ignoring case and accents.

Examples:
  fundscope search
  fundscope search "acoes" --class "Fundo de Ações"
  fundscope search alfa --situation CANCELADA`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := registry.Query{Class: searchClass, Situation: searchSituation, Limit: searchLimit}
		if len(args) == 1 {
			q.Keyword = args[0]
		}
		return runQuery(app.SearchRegistry{Query: q}, func(ev app.Event) bool {
			res, ok := ev.(app.SearchResult)
			if ok {
				printTable(os.Stdout, res.Table, 0)
			}
			return ok
		})
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund <id>",
	Short: "Show the registry entry of a fund",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(app.OpenFund{ID: args[0], UseCache: !fundNoCache}, func(ev app.Event) bool {
			res, ok := ev.(app.FundResult)
			if !ok {
				return false
			}
			funds, err := registry.Funds(res.Table)
			if err != nil || len(funds) == 0 {
				printTable(os.Stdout, res.Table, 0)
				return true
			}
			// Later rows are newer registrations of the same id.
			f := funds[len(funds)-1]
			fmt.Printf("CNPJ:       %s\nName:       %s\nClass:      %s\nSituation:  %s\nRegistered: %s\n",
				f.ID, f.Name, f.Class, f.Situation, f.Registered)
			if len(funds) > 1 {
				fmt.Printf("(%d registrations)\n", len(funds))
			}
			return true
		})
	},
}

var profitCmd = &cobra.Command{
	Use:   "profit <id>",
	Short: "Cumulative return of a fund against CDI and IBOVESPA",
	Long: `Compute the cumulative return of a fund from its daily quotas and compare
it with the CDI and IBOVESPA over the same range. The range defaults to the
last twelve months.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDate(profitStart)
		if err != nil {
			return err
		}
		end, err := parseDate(profitEnd)
		if err != nil {
			return err
		}
		if end.IsZero() {
			end = time.Now()
		}
		if start.IsZero() {
			start = end.AddDate(-1, 0, 0)
		}

		req := app.Profitability{ID: args[0], Start: start, End: end}
		return runQuery(req, func(ev app.Event) bool {
			res, ok := ev.(app.ProfitResult)
			if !ok {
				return false
			}
			printSection(os.Stdout, "Fund "+res.ID, res.Fund, profitRows)
			printSection(os.Stdout, "CDI", res.CDI, profitRows)
			printSection(os.Stdout, "IBOVESPA", res.Ibovespa, profitRows)

			fmt.Println()
			printCumulative("fund", res.Fund, profit.ColCumulative)
			printCumulative("cdi", res.CDI, indices.ColCumulative)
			printCumulative("ibovespa", res.Ibovespa, indices.ColCumulative)
			return true
		})
	},
}

func printCumulative(name string, t *table.Table, column string) {
	if v, ok := lastFloat(t, column); ok {
		fmt.Printf("%-9s %8.2f%%\n", name, v)
		return
	}
	fmt.Printf("%-9s %9s\n", name, "n/a")
}

var portfolioCmd = &cobra.Command{
	Use:   "portfolio <id> <year> <month>",
	Short: "Portfolio composition of a fund for one month",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		year, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid year %q", args[1])
		}
		month, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid month %q", args[2])
		}
		return runQuery(app.Portfolio{ID: args[0], Year: year, Month: month}, func(ev app.Event) bool {
			res, ok := ev.(app.PortfolioResult)
			if !ok {
				return false
			}
			printSection(os.Stdout, fmt.Sprintf("Net worth %04d/%02d", res.Year, res.Month), res.NetWorth, 0)
			printSection(os.Stdout, "Top categories", res.TopByCategory, 0)
			printSection(os.Stdout, "Positions", res.Positions, 50)
			return true
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Registry aggregates by year, situation and class",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(app.RegistryStats{}, func(ev app.Event) bool {
			res, ok := ev.(app.StatsResult)
			if !ok {
				return false
			}
			printSection(os.Stdout, "By situation", res.Stats.BySituation, 0)
			printSection(os.Stdout, "By class", res.Stats.ByClass, 0)
			printSection(os.Stdout, "By registration year", res.Stats.ByYear, 0)
			return true
		})
	},
}

var periodsCmd = &cobra.Command{
	Use:   "periods <dataset>",
	Short: "List the periods of a monthly dataset available locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(app.Periods{Dataset: args[0]}, func(ev app.Event) bool {
			res, ok := ev.(app.PeriodsResult)
			if ok {
				if len(res.Periods) == 0 {
					fmt.Println("(no periods downloaded)")
				}
				fmt.Println(strings.Join(res.Periods, "\n"))
			}
			return ok
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [dataset]",
	Short: "Show recent download attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := app.DownloadHistory{Limit: historyLimit}
		if len(args) == 1 {
			req.Dataset = args[0]
		}
		return runQuery(req, func(ev app.Event) bool {
			res, ok := ev.(app.HistoryResult)
			if !ok {
				return false
			}
			for _, r := range res.Records {
				flags := ""
				if r.NotModified {
					flags += " not-modified"
				}
				if r.UsedFallback {
					flags += " fallback"
				}
				fmt.Printf("%s  %-9s %-9s %8d bytes  %s%s\n",
					r.Finished.Local().Format(time.DateTime), r.Dataset, r.Status, r.Bytes, r.URL, flags)
				if r.Message != "" {
					fmt.Printf("    %s\n", r.Message)
				}
			}
			return true
		})
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most opened funds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(app.RecentFunds{Limit: recentLimit}, func(ev app.Event) bool {
			res, ok := ev.(app.RecentResult)
			if ok {
				for _, e := range res.Entries {
					fmt.Printf("%-20s %4d  %s\n", e.Key, e.Count, e.Label)
				}
			}
			return ok
		})
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchClass, "class", "", "fund class, one of: "+strings.Join(registry.Classes(), ", "))
	searchCmd.Flags().StringVar(&searchSituation, "situation", "", "registry situation (default \""+registry.DefaultSituation+"\")")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 50, "max results")

	fundCmd.Flags().BoolVar(&fundNoCache, "no-cache", false, "reread the registry file")

	profitCmd.Flags().StringVar(&profitStart, "start", "", "first day, YYYY-MM-DD")
	profitCmd.Flags().StringVar(&profitEnd, "end", "", "last day, YYYY-MM-DD (default today)")
	profitCmd.Flags().IntVarP(&profitRows, "rows", "n", 10, "rows printed per series, 0 for all")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max records")
	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 7, "max funds")
}

// runQuery runs a single request against a fresh engine.
func runQuery(req app.Request, handle func(app.Event) bool) error {
	ctx, stop := signalContext()
	defer stop()
	return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
		return await(ctx, e, req, handle)
	})
}

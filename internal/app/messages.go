package app

import (
	"time"

	"github.com/fundscope/fundscope/internal/download"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/registry"
	"github.com/fundscope/fundscope/internal/table"
)

// Request is an inbound message of the engine.
type Request interface {
	// Kind names the request in logs, metrics and Failure events.
	Kind() string
}

// SearchRegistry searches the fund registry.
type SearchRegistry struct {
	Query registry.Query
}

// OpenFund looks up a fund by id. With UseCache the in-memory registry is
// used; a failed cached lookup is retried once from disk.
type OpenFund struct {
	ID       string
	UseCache bool
}

// Profitability computes the cumulative return of a fund and of the CDI and
// IBOVESPA benchmarks over the same range.
type Profitability struct {
	ID         string
	Start, End time.Time
}

// Portfolio computes the composition of a fund for one month.
type Portfolio struct {
	ID    string
	Year  int
	Month int
}

// DownloadGroup downloads every dataset of a group, or the single dataset
// whose id equals Group.
type DownloadGroup struct {
	Group string
	// Key identifies the batch for CancelDownload. Empty means Group.
	Key string
	// Start and End bound monthly and index datasets. Zero values use the
	// dataset defaults.
	Start, End time.Time
	// Historical also fetches the yearly archives from FromYear on.
	Historical bool
	FromYear   int
}

// CancelDownload cancels the running batch with the given key.
type CancelDownload struct {
	Key string
}

// RegistryStats computes registry aggregates.
type RegistryStats struct{}

// Periods lists the periods of a dataset available on disk.
type Periods struct {
	Dataset string
}

// DownloadHistory lists recent downloads of a dataset, or of every dataset
// when Dataset is empty.
type DownloadHistory struct {
	Dataset string
	Limit   int
}

// RecentFunds lists the most opened funds.
type RecentFunds struct {
	Limit int
}

func (SearchRegistry) Kind() string  { return "search" }
func (OpenFund) Kind() string        { return "open_fund" }
func (Profitability) Kind() string   { return "profitability" }
func (Portfolio) Kind() string       { return "portfolio" }
func (DownloadGroup) Kind() string   { return "download" }
func (CancelDownload) Kind() string  { return "cancel_download" }
func (RegistryStats) Kind() string   { return "registry_stats" }
func (Periods) Kind() string         { return "periods" }
func (DownloadHistory) Kind() string { return "download_history" }
func (RecentFunds) Kind() string     { return "recent_funds" }

func (r DownloadGroup) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Group
}

// Event is an outbound message of the engine.
type Event interface {
	isEvent()
}

// SearchResult answers SearchRegistry.
type SearchResult struct {
	Query registry.Query
	Table *table.Table
}

// FundResult answers OpenFund.
type FundResult struct {
	ID    string
	Table *table.Table
}

// ProfitResult answers Profitability. A series that failed or timed out is
// an empty table and was reported by its own Failure event.
type ProfitResult struct {
	ID       string
	Fund     *table.Table
	CDI      *table.Table
	Ibovespa *table.Table
}

// PortfolioResult answers Portfolio. NetWorth is empty when the fund is
// missing from the net worth report.
type PortfolioResult struct {
	ID            string
	Year, Month   int
	NetWorth      *table.Table
	Positions     *table.Table
	TopByCategory *table.Table
}

// StatsResult answers RegistryStats.
type StatsResult struct {
	Stats *registry.Stats
}

// PeriodsResult answers Periods.
type PeriodsResult struct {
	Dataset string
	Periods []string
}

// HistoryResult answers DownloadHistory.
type HistoryResult struct {
	Records []download.Record
}

// RecentResult answers RecentFunds.
type RecentResult struct {
	Entries []observability.AccessEntry
}

// DownloadTask reports a task status change of batch Key.
type DownloadTask struct {
	Key string
	download.TaskEvent
}

// DownloadProgress reports that another task of batch Key is terminal.
type DownloadProgress struct {
	Key string
	download.Progress
}

// DownloadDone is sent once per DownloadGroup, after every task is terminal.
type DownloadDone struct {
	Key    string
	Group  string
	Result *download.BatchResult
}

// Failure reports a request, or one part of it, that did not complete.
type Failure struct {
	Request string
	// Key is the download key or fund id the failure refers to, if any.
	Key string
	Err error
}

func (SearchResult) isEvent()     {}
func (FundResult) isEvent()       {}
func (ProfitResult) isEvent()     {}
func (PortfolioResult) isEvent()  {}
func (StatsResult) isEvent()      {}
func (PeriodsResult) isEvent()    {}
func (HistoryResult) isEvent()    {}
func (RecentResult) isEvent()     {}
func (DownloadTask) isEvent()     {}
func (DownloadProgress) isEvent() {}
func (DownloadDone) isEvent()     {}
func (Failure) isEvent()          {}

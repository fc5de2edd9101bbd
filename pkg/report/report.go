// Package report accumulates the per-round results of a benchmark and
// renders them as a table, a markdown report and a CSV file.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/monitor"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	"github.com/olekukonko/tablewriter"
)

var summaryHeader = []string{
	"Name", "Succ", "Fail", "Send Rate (TPS)", "Max Latency (s)", "Min Latency (s)",
	"Avg Latency (s)", "P50 Latency (s)", "P99 Latency (s)", "Throughput (TPS)",
}

var resourceHeader = []string{"Type", "Name", "Memory(max)", "Memory(avg)", "CPU%(max)", "CPU%(avg)"}

// Round is one row of the results table.
type Round struct {
	Label   string
	Results *txstats.Summary
	Start   time.Time
	End     time.Time
	// Err is set when the round failed.
	Err       error
	Resources map[string][]monitor.ResourceStat
}

// Failed reports whether the round did not complete.
func (r Round) Failed() bool {
	return r.Err != nil
}

// Builder collects round results as the benchmark progresses. It only reads
// what it is given.
type Builder struct {
	name        string
	description string

	mtx    sync.Mutex
	rounds []Round
}

func NewBuilder(name, description string) *Builder {
	return &Builder{name: name, description: description}
}

// AddRound appends a completed round.
func (b *Builder) AddRound(label string, results *txstats.Summary, start, end time.Time, resources map[string][]monitor.ResourceStat) {
	b.add(Round{Label: label, Results: results, Start: start, End: end, Resources: resources})
}

// AddFailedRound appends a row for a round that did not produce results.
func (b *Builder) AddFailedRound(label string, err error, resources map[string][]monitor.ResourceStat) {
	b.add(Round{Label: label, Results: txstats.NewNullSummary(), Err: err, Resources: resources})
}

func (b *Builder) add(r Round) {
	if r.Results == nil {
		r.Results = txstats.NewNullSummary()
	}
	b.mtx.Lock()
	b.rounds = append(b.rounds, r)
	b.mtx.Unlock()
}

// Rounds returns a copy of the rows added so far.
func (b *Builder) Rounds() []Round {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]Round(nil), b.rounds...)
}

// Tally returns the number of succeeded and failed rounds.
func (b *Builder) Tally() (succeeded, failed int) {
	for _, r := range b.Rounds() {
		if r.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	return
}

func summaryRow(r Round) []string {
	s := r.Results
	name := r.Label
	if r.Failed() {
		name += " (failed)"
	}
	p50, p99 := txstats.NotAvailable, txstats.NotAvailable
	if p, ok := s.LatencyPercentiles(50, 99); ok {
		p50, p99 = txstats.FormatLatency(p[0], true), txstats.FormatLatency(p[1], true)
	}
	return []string{
		name,
		strconv.Itoa(s.Succ),
		strconv.Itoa(s.Fail),
		txstats.FormatRate(s.SendRate()),
		txstats.FormatLatency(s.MaxLatency()),
		txstats.FormatLatency(s.MinLatency()),
		txstats.FormatLatency(s.AvgLatency()),
		p50,
		p99,
		txstats.FormatRate(s.Throughput()),
	}
}

func renderMarkdownTable(header []string, rows [][]string) string {
	buf := new(bytes.Buffer)
	table := tablewriter.NewWriter(buf)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(rows)
	table.Render()
	return buf.String()
}

// SummaryTable renders the cumulative results table.
func (b *Builder) SummaryTable() string {
	rounds := b.Rounds()
	rows := make([][]string, 0, len(rounds))
	for _, r := range rounds {
		rows = append(rows, summaryRow(r))
	}
	return renderMarkdownTable(summaryHeader, rows)
}

func resourceRows(r Round) [][]string {
	types := make([]string, 0, len(r.Resources))
	for t := range r.Resources {
		types = append(types, t)
	}
	sort.Strings(types)
	var rows [][]string
	for _, t := range types {
		for _, stat := range r.Resources[t] {
			rows = append(rows, []string{
				t,
				stat.Name,
				humanize.Bytes(uint64(stat.MemMax)),
				humanize.Bytes(uint64(stat.MemAvg)),
				fmt.Sprintf("%.2f", stat.CPUMax),
				fmt.Sprintf("%.2f", stat.CPUAvg),
			})
		}
	}
	return rows
}

// Markdown renders the full report.
func (b *Builder) Markdown() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "# Benchmark report: %s\n\n", b.name)
	if len(b.description) > 0 {
		fmt.Fprintf(buf, "%s\n\n", b.description)
	}
	succeeded, failed := b.Tally()
	fmt.Fprintf(buf, "Rounds: %d succeeded, %d failed\n\n", succeeded, failed)
	fmt.Fprintf(buf, "## Summary of performance metrics\n\n%s\n", b.SummaryTable())

	for _, r := range b.Rounds() {
		fmt.Fprintf(buf, "## Round: %s\n\n", r.Label)
		if r.Failed() {
			fmt.Fprintf(buf, "Round failed: %v\n\n", r.Err)
		} else {
			fmt.Fprintf(buf, "Started %s, finished %s (%s)\n\n",
				r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339), r.End.Sub(r.Start).Round(time.Millisecond))
		}
		if rows := resourceRows(r); len(rows) > 0 {
			fmt.Fprintf(buf, "### Resource utilization\n\n%s\n", renderMarkdownTable(resourceHeader, rows))
		}
	}
	return buf.String()
}

// WriteMarkdown writes the full report to the given file.
func (b *Builder) WriteMarkdown(filename string) error {
	if err := os.WriteFile(filename, []byte(b.Markdown()), 0o644); err != nil {
		return bench.NewError(bench.ErrReporting, err, "failed to write report to "+filename)
	}
	return nil
}

// WriteCSV writes one record per round with its raw counters and derived
// metrics.
func (b *Builder) WriteCSV(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return bench.NewError(bench.ErrReporting, err, "failed to create "+filename)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	records := [][]string{append([]string{"status"}, summaryHeader...)}
	for _, r := range b.Rounds() {
		status := "ok"
		if r.Failed() {
			status = "failed"
		}
		records = append(records, append([]string{status}, summaryRow(r)...))
	}
	if err := w.WriteAll(records); err != nil {
		return bench.NewError(bench.ErrReporting, err, "failed to write "+filename)
	}
	return nil
}

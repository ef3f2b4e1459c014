/*
main.go - Recompute / backfill command

PURPOSE:
  Re-applies discount kinds to confirmed snapshots, or generates a
  month's snapshots with -generate. Prints the run report.

FLAGS:
  -dry-run       Compute and print, write nothing
  -year, -month  Period filter (0 = every year / month)
  -tenant        Tenant UUID (empty = every tenant)
  -force         Drop and recompute lines of the selected kinds
  -kind          mile,fs,shawari,family,manual or all (default: all)
  -generate      Run monthly billing for -year/-month instead
  -v             Print per-record results

EXIT CODES:
  0  run completed (per-record failures are reported, not fatal)
  1  setup failure or run lock held
  2  invalid flags

EXAMPLES:
  recompute -dry-run -year=2025 -month=4 -kind=mile
  recompute -force -kind=fs,shawari -tenant=6f1c2a54-...
  recompute -generate -year=2025 -month=5
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/config"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/recompute"
	"github.com/warp/tuition-billing/store"
)

type options struct {
	dryRun   bool
	force    bool
	generate bool
	verbose  bool
	year     int
	month    int
	tenant   string
	kind     string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	fs.BoolVar(&o.dryRun, "dry-run", false, "compute and print, write nothing")
	fs.BoolVar(&o.force, "force", false, "drop and recompute lines of the selected kinds")
	fs.BoolVar(&o.generate, "generate", false, "run monthly billing instead of recompute")
	fs.BoolVar(&o.verbose, "v", false, "print per-record results")
	fs.IntVar(&o.year, "year", 0, "billing year (0 = all)")
	fs.IntVar(&o.month, "month", 0, "billing month 1-12 (0 = all)")
	fs.StringVar(&o.tenant, "tenant", "", "tenant UUID (empty = all)")
	fs.StringVar(&o.kind, "kind", "all", "discount kinds: mile,fs,shawari,family,manual or all")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.month < 0 || o.month > 12 {
		return o, fmt.Errorf("-month must be 1-12")
	}
	if o.generate && (o.year == 0 || o.month == 0) {
		return o, fmt.Errorf("-generate needs -year and -month")
	}
	return o, nil
}

func (o options) tenantID() (*uuid.UUID, error) {
	if o.tenant == "" {
		return nil, nil
	}
	id, err := uuid.Parse(o.tenant)
	if err != nil {
		return nil, fmt.Errorf("-tenant: %w", err)
	}
	return &id, nil
}

func (o options) recomputeOptions() (recompute.Options, error) {
	tenantID, err := o.tenantID()
	if err != nil {
		return recompute.Options{}, err
	}
	kinds, err := billing.ParseKinds(o.kind)
	if err != nil {
		return recompute.Options{}, err
	}
	opts := recompute.Options{DryRun: o.dryRun, Force: o.force, TenantID: tenantID, Kinds: kinds}
	if o.year != 0 {
		y := o.year
		opts.Year = &y
	}
	if o.month != 0 {
		m := o.month
		opts.Month = &m
	}
	return opts, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := store.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.generate {
		tenantID, err := o.tenantID()
		if err != nil {
			return err
		}
		period, err := billing.NewPeriod(o.year, o.month)
		if err != nil {
			return err
		}
		gen := invoice.NewGenerator(backend, invoice.GeneratorConfig{Rule: cfg.MileRule(), Logger: logger})
		report, err := gen.Run(ctx, invoice.RunInput{TenantID: tenantID, Period: period, DryRun: o.dryRun})
		if err != nil {
			return err
		}
		printGenerateReport(os.Stdout, report, o.verbose)
		return nil
	}

	opts, err := o.recomputeOptions()
	if err != nil {
		return err
	}
	ctrl := recompute.NewController(backend, recompute.Config{Rule: cfg.MileRule(), Logger: logger})
	report, err := ctrl.Run(ctx, opts)
	if err != nil {
		return err
	}
	if rerr := report.Err(); rerr != nil {
		logger.Warn("records failed", zap.Error(rerr))
	}
	printRecomputeReport(os.Stdout, report, o.verbose)
	return nil
}

func printGenerateReport(w io.Writer, r *invoice.GenerateReport, verbose bool) {
	mode := "applied"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "generate %s run=%s period=%s\n", mode, r.RunID, r.Period)
	fmt.Fprintf(w, "  total=%d created=%d previewed=%d skipped=%d empty=%d not_found=%d failed=%d malformed=%d\n",
		r.Total, r.Created, r.Previewed, r.Skipped, r.Empty, r.NotFound, r.Failed, r.Malformed)
	if !verbose {
		return
	}
	for _, rec := range r.Records {
		fmt.Fprintf(w, "  %-10s guardian=%s student=%s total=%d %s\n",
			rec.Status, rec.GuardianID, rec.StudentID, rec.Total, rec.Error)
	}
}

func printRecomputeReport(w io.Writer, r *recompute.Report, verbose bool) {
	mode := "applied"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "recompute %s run=%s force=%t kinds=%v\n", mode, r.RunID, r.Force, r.Kinds)
	fmt.Fprintf(w, "  total=%d updated=%d skipped=%d previewed=%d failed=%d not_found=%d malformed=%d\n",
		r.Total, r.Updated, r.Skipped, r.Previewed, r.Failed, r.NotFound, r.Malformed)

	kinds := make([]string, 0, len(r.Applied))
	for k := range r.Applied {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", k, r.Applied[billing.DiscountKind(k)])
	}
	if !verbose {
		return
	}
	for _, rec := range r.Records {
		fmt.Fprintf(w, "  %-9s %s %s/%s %s before=%d after=%d %s\n",
			rec.State, rec.Period, rec.GuardianID, rec.StudentID, rec.SnapshotID,
			billing.SumDiscounts(rec.Before), billing.SumDiscounts(rec.After), rec.Error)
	}
}

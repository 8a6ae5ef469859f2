// Command schedule_prices drives the scheduler over a flat list of
// ticker symbols instead of FINRA's tiered weekly partitions: each
// symbol is its own "tier" and there is no calc phase, only
// ingest/normalize per symbol followed by readiness evaluation.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"marketspine/config"
	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/manifest"
	"marketspine/observability"
	"marketspine/registry"
	"marketspine/scheduler"
	"marketspine/storage/memory"
)

const domain = "prices"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("schedule_prices", flag.ContinueOnError)
	symbolsFlag := fs.String("symbols", "", "comma-separated ticker symbols")
	symbolsFile := fs.String("symbols-file", "", "path to a file with one symbol per line, overrides --symbols")
	sleep := fs.Duration("sleep", 0, "pause between symbol fetches, to respect upstream rate limits")
	outputsize := fs.String("outputsize", "compact", "compact|full, passed through to the source as a fetch hint")
	mode := fs.String("mode", "run", "run|dry-run")
	failFast := fs.Bool("fail-fast", false, "stop after the first symbol that fails to ingest")
	jsonOutput := fs.Bool("json", false, "emit the report as JSON instead of a text summary")
	verbose := fs.Bool("v", false, "debug-level logging")

	if err := fs.Parse(args); err != nil {
		return scheduler.ExitConfiguration
	}

	symbols, err := resolveSymbols(*symbolsFlag, *symbolsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return scheduler.ExitConfiguration
	}
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "schedule_prices: --symbols or --symbols-file is required")
		return scheduler.ExitConfiguration
	}

	svcCfg := config.LoadServiceConfig("schedule_prices")
	level := observability.LogLevel(svcCfg.LogLevel)
	if *verbose {
		level = observability.LogLevelDebug
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level: level, Format: svcCfg.LogFormat, Service: svcCfg.Name, TimeFormat: time.RFC3339,
	})
	log := observability.ServiceLogger(logger, svcCfg.Name)

	engine := memory.New()
	defer engine.Close()

	period := dailyClose{}
	sources := make(map[string]registry.SourceStrategy, len(symbols))
	for _, symbol := range symbols {
		sources[symbol] = &syntheticPriceSource{symbol: symbol, outputsize: *outputsize, sleep: sleep}
	}

	reg := registry.NewPipelineRegistry()
	factory := func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return priceRowPipeline{params: params}
	}
	_ = reg.Register("prices.daily.ingest_symbol", factory)
	_ = reg.Register("prices.daily.normalize_symbol", factory)
	d := dispatcher.New(reg, log)

	cfg := scheduler.Config{
		Domain:            domain,
		Tiers:             symbols,
		RequiredTiers:     symbols,
		Period:            period,
		Sources:           sources,
		IngestPipeline:    "prices.daily.ingest_symbol",
		NormalizePipeline: "prices.daily.normalize_symbol",
		OnlyStage:         scheduler.StageAll,
		FailFast:          *failFast,
		DryRun:            *mode == "dry-run",
	}

	s := scheduler.New(cfg,
		manifest.New(engine),
		manifest.NewQualityStore(engine),
		manifest.NewAnomalyStore(engine),
		manifest.NewReadinessStore(engine),
		d, nil, log,
	)

	today := period.DerivePeriodEnd(time.Now().UTC())
	report := s.Run(context.Background(), []time.Time{today})
	printReport(report, *jsonOutput)
	return report.ExitCode
}

func printReport(report scheduler.Report, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	for _, wr := range report.Weeks {
		fmt.Printf("close %s: ready=%v\n", wr.Week.Format("2006-01-02"), wr.IsReady)
		for _, t := range wr.Tiers {
			fmt.Printf("  symbol %-8s ingest=%-10s normalize=%-10s\n", t.Tier, t.Ingest, t.Normalize)
		}
		for _, issue := range wr.BlockingIssues {
			fmt.Printf("  blocking: %s\n", issue)
		}
	}
	fmt.Printf("exit_code=%d\n", report.ExitCode)
}

func resolveSymbols(csv, path string) ([]string, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open symbols file: %w", err)
		}
		defer f.Close()
		var out []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if s := strings.TrimSpace(scanner.Text()); s != "" {
				out = append(out, s)
			}
		}
		return out, scanner.Err()
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// dailyClose is the price domain's period strategy: periods end at
// midnight UTC on the calendar day of the publish date, with every day
// (not just Fridays) a valid period.
type dailyClose struct{}

func (dailyClose) DerivePeriodEnd(publishDate time.Time) time.Time {
	d := publishDate.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (dailyClose) ValidateDate(d time.Time) error { return nil }

func (dailyClose) FormatForFilename(d time.Time) string { return d.Format("2006-01-02") }
func (dailyClose) FormatForDisplay(d time.Time) string  { return d.Format("Jan 2, 2006") }

// syntheticPriceSource stands in for a real market-data API client: it
// deterministically synthesizes a daily bar so the scheduler's
// revision-detection and readiness wiring can be exercised without a
// network dependency. sleep, if set, is honored before each fetch to
// model the upstream rate limit the real API enforces.
type syntheticPriceSource struct {
	symbol     string
	outputsize string
	sleep      *time.Duration
}

func (s *syntheticPriceSource) Fetch() (registry.Payload, error) {
	if s.sleep != nil && *s.sleep > 0 {
		time.Sleep(*s.sleep)
	}
	content := []byte(fmt.Sprintf("%s,%s,close\n", s.symbol, time.Now().UTC().Format("2006-01-02")))
	return registry.Payload{
		Content:  content,
		Metadata: map[string]interface{}{"symbol": s.symbol, "outputsize": s.outputsize},
	}, nil
}

type priceRowPipeline struct{ params core.Params }

func (p priceRowPipeline) Run() core.PipelineResult {
	rows := int64(0)
	if content, ok := p.params["content"].([]byte); ok {
		scanner := bufio.NewScanner(strings.NewReader(string(content)))
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) != "" {
				rows++
			}
		}
	}
	return core.PipelineResult{Status: core.PipelineCompleted, RowCount: rows}
}

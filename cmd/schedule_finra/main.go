// Command schedule_finra drives the phased, revision-aware scheduler
// (marketspine/scheduler) over FINRA OTC transparency weekly tiers. It
// wires a concrete PeriodStrategy (weekly, Friday-ending) and a
// file-backed SourceStrategy per tier; the ingest/normalize/calc
// pipelines themselves are intentionally minimal domain logic sits
// outside the scheduler contract entirely.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketspine/config"
	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/manifest"
	"marketspine/observability"
	"marketspine/registry"
	"marketspine/scheduler"
	"marketspine/storage"
	"marketspine/storage/embedded"
	"marketspine/storage/memory"
	"marketspine/storage/postgres"
	"marketspine/version"
)

const domain = "finra"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("schedule_finra", flag.ContinueOnError)
	lookbackWeeks := fs.Int("lookback-weeks", 1, "number of weekly periods to schedule, counting back from today")
	weeksFlag := fs.String("weeks", "", "comma-separated explicit week-ending dates (YYYY-MM-DD), overrides --lookback-weeks")
	tiersFlag := fs.String("tiers", "ats,non_ats", "comma-separated FINRA tiers to schedule")
	dataDir := fs.String("source", "./data/finra", "directory holding one file per tier, named <tier>.csv")
	mode := fs.String("mode", "run", "run|dry-run")
	force := fs.Bool("force", false, "bypass revision-detection skip and re-ingest unconditionally")
	onlyStage := fs.String("only-stage", scheduler.StageAll, "ingest|normalize|calc|all")
	failFast := fs.Bool("fail-fast", false, "stop scheduling further weeks after the first failing week")
	jsonOutput := fs.Bool("json", false, "emit the report as JSON instead of a text summary")
	dbPath := fs.String("db", "memory", "memory | /path/to/file.db (bbolt) | postgres://... DSN")
	verbose := fs.Bool("v", false, "debug-level logging")
	showVersion := fs.Bool("version", false, "print build and dependency info, then exit")

	if err := fs.Parse(args); err != nil {
		return scheduler.ExitConfiguration
	}

	if *showVersion {
		printVersion()
		return scheduler.ExitSuccess
	}

	svcCfg := config.LoadServiceConfig("schedule_finra")
	level := observability.LogLevel(svcCfg.LogLevel)
	if *verbose {
		level = observability.LogLevelDebug
	}
	logger := observability.NewLogger(observability.LoggerConfig{
		Level: level, Format: svcCfg.LogFormat, Service: svcCfg.Name, TimeFormat: time.RFC3339,
	})
	log := observability.ServiceLogger(logger, svcCfg.Name)

	engine, err := openEngine(*dbPath)
	if err != nil {
		log.WithError(err).Error("failed to open storage engine")
		return scheduler.ExitConfiguration
	}
	defer engine.Close()

	tiers := splitCSV(*tiersFlag)
	if len(tiers) == 0 {
		log.Error("--tiers must name at least one tier")
		return scheduler.ExitConfiguration
	}

	period := weeklyFriday{}
	sources := make(map[string]registry.SourceStrategy, len(tiers))
	for _, tier := range tiers {
		sources[tier] = &fileSource{path: filepath.Join(*dataDir, tier+".csv")}
	}

	explicit, err := parseExplicitWeeks(*weeksFlag)
	if err != nil {
		log.WithError(err).Error("invalid --weeks")
		return scheduler.ExitConfiguration
	}
	targets, err := scheduler.SelectTargets(period, time.Now().UTC(), *lookbackWeeks, explicit)
	if err != nil {
		log.WithError(err).Error("target selection failed")
		return scheduler.ExitConfiguration
	}

	reg := registry.NewPipelineRegistry()
	registerFinraPipelines(reg)
	d := dispatcher.New(reg, log)

	cfg := scheduler.Config{
		Domain:            domain,
		Tiers:             tiers,
		RequiredTiers:     tiers,
		Period:            period,
		Sources:           sources,
		IngestPipeline:    "finra.otc_transparency.ingest_week",
		NormalizePipeline: "finra.otc_transparency.normalize_week",
		CalcPipelines:     []string{"finra.otc_transparency.calc_aggregate"},
		Force:             *force,
		OnlyStage:         *onlyStage,
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

	report := s.Run(context.Background(), targets)
	printReport(report, *jsonOutput)
	return report.ExitCode
}

// versionedDeps are the storage/transport libraries worth calling out by
// version in --version output; the rest of BuildInfo.Dependencies is
// available but not this CLI's concern.
var versionedDeps = []string{
	"github.com/jackc/pgx/v5",
	"go.etcd.io/bbolt",
	"github.com/redis/go-redis/v9",
	"github.com/prometheus/client_golang",
}

func printVersion() {
	info := version.GetBuildInfo()
	fmt.Printf("schedule_finra %s (go %s)\n", version.GetModuleVersion(), info.GoVersion)
	for _, path := range versionedDeps {
		if dep := version.GetDependency(path); dep != nil {
			line := fmt.Sprintf("  %s %s", dep.Path, dep.Version)
			if dep.Replace != "" {
				line += fmt.Sprintf(" (replaced by %s)", dep.Replace)
			}
			fmt.Println(line)
		}
	}
}

func printReport(report scheduler.Report, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	for _, wr := range report.Weeks {
		fmt.Printf("week %s: ready=%v calc=%s\n", wr.Week.Format("2006-01-02"), wr.IsReady, wr.CalcOutcome)
		for _, t := range wr.Tiers {
			fmt.Printf("  tier %-12s ingest=%-10s normalize=%-10s\n", t.Tier, t.Ingest, t.Normalize)
		}
		for _, issue := range wr.BlockingIssues {
			fmt.Printf("  blocking: %s\n", issue)
		}
	}
	fmt.Printf("exit_code=%d\n", report.ExitCode)
}

func openEngine(dbPath string) (storage.Engine, error) {
	switch {
	case dbPath == "" || dbPath == "memory" || dbPath == ":memory:":
		return memory.New(), nil
	case strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://"):
		return postgres.Open(context.Background(), dbPath)
	default:
		return embedded.Open(dbPath)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseExplicitWeeks(s string) ([]time.Time, error) {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, len(parts))
	for _, part := range parts {
		d, err := time.Parse("2006-01-02", part)
		if err != nil {
			return nil, fmt.Errorf("parse week %q: %w", part, err)
		}
		out = append(out, d.UTC())
	}
	return out, nil
}

// weeklyFriday is FINRA OTC transparency's period strategy: weeks end on
// Friday, matching the reporting calendar FINRA publishes against.
type weeklyFriday struct{}

func (weeklyFriday) DerivePeriodEnd(publishDate time.Time) time.Time {
	d := publishDate.UTC()
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (weeklyFriday) ValidateDate(d time.Time) error {
	if d.Weekday() != time.Friday {
		return fmt.Errorf("week_ending %s is not a Friday", d.Format("2006-01-02"))
	}
	return nil
}

func (weeklyFriday) FormatForFilename(d time.Time) string { return d.Format("2006-01-02") }
func (weeklyFriday) FormatForDisplay(d time.Time) string  { return d.Format("Jan 2, 2006") }

// fileSource reads a tier's raw content from a local file, the simplest
// SourceStrategy a domain can supply; a production FINRA integration
// would fetch from the FINRA OTC Transparency API instead, behind the
// same interface.
type fileSource struct{ path string }

func (f *fileSource) Fetch() (registry.Payload, error) {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return registry.Payload{}, core.NewError(core.CategoryTransient, fmt.Errorf("read %s: %w", f.path, err))
	}
	return registry.Payload{Content: content, Metadata: map[string]interface{}{"path": f.path}}, nil
}

// rowCountPipeline is a minimal domain pipeline: it reports a row for
// every non-empty line of its "content" param and otherwise always
// succeeds. Real FINRA ingest/normalize/calc logic would replace this
// entirely; the scheduler only depends on the core.Pipeline contract.
type rowCountPipeline struct{ params core.Params }

func (p rowCountPipeline) Run() core.PipelineResult {
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

func registerFinraPipelines(reg *registry.PipelineRegistry) {
	factory := func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return rowCountPipeline{params: params}
	}
	_ = reg.Register("finra.otc_transparency.ingest_week", factory)
	_ = reg.Register("finra.otc_transparency.normalize_week", factory)
	_ = reg.Register("finra.otc_transparency.calc_aggregate", factory)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/orchestra"
	"github.com/aixgo-dev/orchestra/internal/logging"
)

// regressionThreshold is the p95 slowdown against a baseline that fails
// a CI run.
const regressionThreshold = 1.2

var defaultBenchMessages = []string{
	"What's 2+2?",
	"Deploy the billing service to production",
	"Write a short summary of the last release",
	"Research how other teams roll back a deploy",
}

type benchOptions struct {
	messages    []string
	sessions    int
	rounds      int
	multiAgent  bool
	format      string
	output      string
	baseline    string
	ci          bool
	timeout     time.Duration
	concurrency int
}

// BenchReport summarizes a benchmark run.
type BenchReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	GitCommit   string         `json:"git_commit,omitempty"`
	Environment string         `json:"environment"`
	Requests    int            `json:"requests"`
	Errors      int            `json:"errors"`
	Degraded    int            `json:"degraded"`
	Tokens      int            `json:"tokens"`
	P50         time.Duration  `json:"p50"`
	P95         time.Duration  `json:"p95"`
	Max         time.Duration  `json:"max"`
	Agents      map[string]int `json:"agents"`

	// Regression is set when a baseline was compared.
	Regression *Regression `json:"regression,omitempty"`
}

// Regression compares p95 latency with a baseline report.
type Regression struct {
	BaselineCommit string        `json:"baseline_commit,omitempty"`
	BaselineP95    time.Duration `json:"baseline_p95"`
	Ratio          float64       `json:"ratio"`
	Failed         bool          `json:"failed"`
}

func newBenchCmd(v *viper.Viper) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure orchestration latency with the configured agents",
		Long: `Send a set of messages through the orchestrator from several concurrent
sessions and report latency percentiles, token use and routing decisions.

Use --baseline with a previous JSON report and --ci to fail when p95 latency
regresses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchCmd(cmd.Context(), v, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.messages, "message", defaultBenchMessages, "message to send (repeatable)")
	f.IntVar(&opts.sessions, "sessions", 4, "number of concurrent sessions")
	f.IntVar(&opts.rounds, "rounds", 3, "passes over the messages per session")
	f.IntVar(&opts.concurrency, "concurrency", 8, "maximum in-flight requests")
	f.BoolVar(&opts.multiAgent, "multi", false, "use multi-agent mode")
	f.StringVar(&opts.format, "format", "text", "output format: text, json or markdown")
	f.StringVar(&opts.output, "output", "", "output file (default: stdout)")
	f.StringVar(&opts.baseline, "baseline", "", "baseline JSON report to compare against")
	f.BoolVar(&opts.ci, "ci", false, "fail on regression")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall benchmark timeout")
	return cmd
}

func runBenchCmd(ctx context.Context, v *viper.Viper, stdout io.Writer, opts benchOptions) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	if v.GetString("log-level") == "" {
		logCfg.Level = "error"
	}
	o, err := orchestra.FromConfig(ctx, cfg, logging.New(logCfg))
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	report, err := runBench(ctx, o, opts)
	if err != nil {
		return err
	}
	report.GitCommit = gitCommit()
	report.Environment = environment()

	if opts.baseline != "" {
		base, err := loadReport(opts.baseline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load baseline: %v\n", err)
		} else {
			report.Regression = compare(report, base)
		}
	}

	w := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := formatReport(w, report, opts.format); err != nil {
		return err
	}

	if opts.ci && report.Regression != nil && report.Regression.Failed {
		return fmt.Errorf("p95 latency regressed %.2fx against baseline", report.Regression.Ratio)
	}
	return nil
}

// runBench sends every message rounds times from each session. Turns of one
// session run in order; sessions run concurrently.
func runBench(ctx context.Context, o *orchestra.Orchestrator, opts benchOptions) (*BenchReport, error) {
	if len(opts.messages) == 0 || opts.sessions <= 0 || opts.rounds <= 0 {
		return nil, fmt.Errorf("bench needs messages, sessions and rounds")
	}
	report := &BenchReport{GeneratedAt: time.Now().UTC(), Agents: make(map[string]int)}

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	if opts.concurrency > 0 {
		g.SetLimit(opts.concurrency)
	}
	for s := range opts.sessions {
		sessionID := fmt.Sprintf("bench_%d_%d", report.GeneratedAt.UnixNano(), s)
		g.Go(func() error {
			for range opts.rounds {
				for _, msg := range opts.messages {
					if err := gctx.Err(); err != nil {
						return err
					}
					start := time.Now()
					res, err := o.Orchestrate(gctx, msg, sessionID, opts.multiAgent)
					d := time.Since(start)

					mu.Lock()
					report.Requests++
					latencies = append(latencies, d)
					switch {
					case err != nil:
						report.Errors++
					case res.Degraded:
						report.Degraded++
					default:
						report.Tokens += res.TokensUsed
						for _, a := range res.AgentsUsed {
							report.Agents[a]++
						}
					}
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.Sort(latencies)
	report.P50 = percentile(latencies, 0.50)
	report.P95 = percentile(latencies, 0.95)
	report.Max = latencies[len(latencies)-1]
	return report, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func compare(cur, base *BenchReport) *Regression {
	r := &Regression{BaselineCommit: base.GitCommit, BaselineP95: base.P95}
	if base.P95 > 0 {
		r.Ratio = float64(cur.P95) / float64(base.P95)
		r.Failed = r.Ratio > regressionThreshold
	}
	return r
}

func loadReport(path string) (*BenchReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r BenchReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &r, nil
}

func formatReport(w io.Writer, r *BenchReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "markdown":
		fmt.Fprintf(w, "## Orchestration benchmark\n\n")
		fmt.Fprintf(w, "| metric | value |\n|---|---|\n")
		fmt.Fprintf(w, "| requests | %d |\n| errors | %d |\n| degraded | %d |\n| tokens | %d |\n",
			r.Requests, r.Errors, r.Degraded, r.Tokens)
		fmt.Fprintf(w, "| p50 | %s |\n| p95 | %s |\n| max | %s |\n", r.P50, r.P95, r.Max)
		for _, a := range sortedKeys(r.Agents) {
			fmt.Fprintf(w, "| agent %s | %d |\n", a, r.Agents[a])
		}
		if r.Regression != nil {
			fmt.Fprintf(w, "| p95 vs baseline | %.2fx |\n", r.Regression.Ratio)
		}
		return nil
	case "text", "":
		fmt.Fprintf(w, "requests %d  errors %d  degraded %d  tokens %d\n", r.Requests, r.Errors, r.Degraded, r.Tokens)
		fmt.Fprintf(w, "p50 %s  p95 %s  max %s\n", r.P50, r.P95, r.Max)
		parts := make([]string, 0, len(r.Agents))
		for _, a := range sortedKeys(r.Agents) {
			parts = append(parts, fmt.Sprintf("%s=%d", a, r.Agents[a]))
		}
		fmt.Fprintf(w, "agents %s\n", strings.Join(parts, " "))
		if r.Regression != nil {
			fmt.Fprintf(w, "p95 vs baseline %.2fx (failed: %v)\n", r.Regression.Ratio, r.Regression.Failed)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func gitCommit() string {
	if commit := os.Getenv("GITHUB_SHA"); commit != "" {
		return commit
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func environment() string {
	if os.Getenv("CI") != "" {
		return "ci"
	}
	return "local"
}

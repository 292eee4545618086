// Package injection implements the four-phase SQL-injection detection
// engine: error-based, boolean-blind, time-based (opt-in), and
// union-based probing of a single Target, fanned out one task per Target
// across a bounded worker pool.
package injection

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/FranksOps/sqlisentinel/internal/bypass"
	"github.com/FranksOps/sqlisentinel/internal/comparator"
	"github.com/FranksOps/sqlisentinel/internal/finding"
	"github.com/FranksOps/sqlisentinel/internal/payload"
	"github.com/FranksOps/sqlisentinel/internal/scraper"
	"github.com/FranksOps/sqlisentinel/internal/target"
	"golang.org/x/sync/errgroup"
)

// sqlErrors is the corpus of SQL error signatures checked after an
// error-based probe. SQLite/PDO-style signatures are listed first since
// they are the primary target dialect; MySQL signatures are kept for
// compatibility with MySQL-backed applications.
var sqlErrors = []*regexp.Regexp{
	regexp.MustCompile(`(?i)SQLSTATE\[[A-Z0-9]+\]`),
	regexp.MustCompile(`(?i)near ".*": syntax error`),
	regexp.MustCompile(`(?i)no such column`),
	regexp.MustCompile(`(?i)unrecognized token`),
	regexp.MustCompile(`(?i)unterminated (?:quoted )?string`),
	regexp.MustCompile(`(?i)SELECTs to the left and right of UNION do not have the same number of result columns`),
	regexp.MustCompile(`(?i)You have an error in your SQL syntax`),
	regexp.MustCompile(`(?i)mysql_`),
	regexp.MustCompile(`(?i)used SELECT statements have a different number of columns`),
}

var columnMismatchRe = regexp.MustCompile(`(?i)number of result columns|different number of columns`)

// Config tunes the injection engine's coverage and concurrency.
type Config struct {
	// Concurrency bounds how many Targets are probed simultaneously.
	Concurrency int
	// BooleanRounds is the number of true/false round pairs per context
	// (numeric, string); must be at least 1.
	BooleanRounds int
	// UnionMaxColumns is the highest column count probed for UNION-based
	// detection.
	UnionMaxColumns int
	// NoiseGrouping, when true, dedups findings by (url, method, param,
	// technique) rather than also including the payload.
	NoiseGrouping bool
	// TimeBased enables the opt-in time-based detection phase.
	TimeBased bool
	// TimeThreshold is the number of seconds a delayed response must
	// exceed the baseline by (after an 0.8 jitter tolerance) to count.
	TimeThreshold float64
	// ParamFuzz enables pre-seeding each parameter with a handful of
	// representative values before appending injection payloads.
	ParamFuzz bool
}

// Engine runs the four-phase detection state machine against Targets.
type Engine struct {
	cfg     Config
	fetcher *scraper.Fetcher
	store   *finding.Store
}

// NewEngine creates an Engine bound to fetcher for HTTP access and store
// for recording accepted findings.
func NewEngine(cfg Config, fetcher *scraper.Fetcher, store *finding.Store) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BooleanRounds < 1 {
		cfg.BooleanRounds = 1
	}
	if cfg.UnionMaxColumns <= 0 {
		cfg.UnionMaxColumns = 6
	}
	return &Engine{cfg: cfg, fetcher: fetcher, store: store}
}

// Probe fans out one task per Target, bounded by Config.Concurrency, and
// runs all four phases for each. A task's own context cancellation
// aborts its outstanding requests; Probe returns the first error, same
// as errgroup.WithContext.
func (e *Engine) Probe(ctx context.Context, targets []target.Target) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			return e.probeTarget(gCtx, t)
		})
	}

	return g.Wait()
}

func (e *Engine) probeTarget(ctx context.Context, t target.Target) error {
	tt := &targetTask{engine: e, target: t}
	return tt.run(ctx)
}

// targetTask probes one Target. run takes a fresh copy of the target's
// params (Target.Clone) and hands that copy to every phase, so phases can
// mutate one parameter at a time without affecting other in-flight tasks
// (§3's "fresh local copy, never a shared mutated map").
type targetTask struct {
	engine *Engine
	target target.Target
}

func (tt *targetTask) fetch(ctx context.Context, params []target.Param) (*scraper.FetchResult, error) {
	sp := make([]scraper.Param, len(params))
	for i, p := range params {
		sp[i] = scraper.Param{Name: p.Name, Value: p.Value}
	}
	return tt.engine.fetcher.Fetch(ctx, tt.target.Method, tt.target.URL, sp)
}

func (tt *targetTask) run(ctx context.Context) error {
	params := tt.target.Clone().Params

	baseline, err := tt.fetch(ctx, params)
	if err != nil {
		return fmt.Errorf("injection: baseline fetch for %s: %w", tt.target.URL, err)
	}

	if err := tt.phaseErrorBased(ctx, params); err != nil {
		return err
	}
	if err := tt.phaseBooleanBlind(ctx, params); err != nil {
		return err
	}
	if tt.engine.cfg.TimeBased {
		if err := tt.phaseTimeBased(ctx, params); err != nil {
			return err
		}
	}
	if err := tt.phaseUnionBased(ctx, params, string(baseline.Body)); err != nil {
		return err
	}

	return nil
}

// seedValues returns the seed values a parameter is pre-loaded with
// before payloads are appended. With ParamFuzz disabled, only the
// original value is used.
func (tt *targetTask) seedValues(original string) []string {
	if !tt.engine.cfg.ParamFuzz {
		return []string{original}
	}
	candidates := []string{original, "", "0", "1", "-1", "admin", strings.Repeat("A", 32), "'\"<>&", "null"}
	seen := make(map[string]struct{})
	var out []string
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func setParam(params []target.Param, name, value string) {
	for i := range params {
		if params[i].Name == name {
			params[i].Value = value
			return
		}
	}
}

func getParam(params []target.Param, name string) string {
	for _, p := range params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func (tt *targetTask) phaseErrorBased(ctx context.Context, params []target.Param) error {
	for _, p := range params {
		original := getParam(params, p.Name)

		for _, seed := range tt.seedValues(original) {
			for _, pl := range payload.Error {
				for _, mutated := range payload.Mutate(pl) {
					injected := seed + mutated
					setParam(params, p.Name, injected)

					res, err := tt.fetch(ctx, params)
					if err != nil {
						setParam(params, p.Name, original)
						return fmt.Errorf("injection: error-based fetch for %s param %s: %w", tt.target.URL, p.Name, err)
					}

					body := string(res.Body)
					for _, errPattern := range sqlErrors {
						loc := errPattern.FindStringIndex(body)
						if loc == nil {
							continue
						}
						prox := proximity(body, mutated, loc[0])
						evidence := fmt.Sprintf("%s | status=%d | prox=%s", errPattern.String(), res.StatusCode, prox)
						if err := tt.record(ctx, p.Name, "error-based", mutated, evidence, 0); err != nil {
							setParam(params, p.Name, original)
							return err
						}
					}
				}
			}
			setParam(params, p.Name, original)
		}
	}
	return nil
}

// proximity measures the distance between an error match location and
// the earliest occurrence of a short snippet of the injected payload,
// used as a scoring signal (closer ⇒ more likely the error is caused by
// the injected payload rather than incidental page content).
func proximity(body, payloadText string, errIdx int) string {
	snippet := payloadText
	if len(snippet) > 10 {
		snippet = snippet[:10]
	}
	payIdx := strings.Index(body, snippet)
	if payIdx == -1 {
		return "n/a"
	}
	d := errIdx - payIdx
	if d < 0 {
		d = -d
	}
	return fmt.Sprintf("%d", d)
}

func (tt *targetTask) phaseBooleanBlind(ctx context.Context, params []target.Param) error {
	rounds := tt.engine.cfg.BooleanRounds
	accept := int(math.Max(2, math.Ceil(float64(rounds+1)/2)))

	contexts := []struct {
		label string
		truth string
		falsy string
	}{
		{"numeric", payload.Mutate(payload.BooleanNumTrue[0])[0], payload.Mutate(payload.BooleanNumFalse[0])[0]},
		{"string", payload.Mutate(payload.BooleanStrTrue[0])[0], payload.Mutate(payload.BooleanStrFalse[0])[0]},
	}

	for _, p := range params {
		original := getParam(params, p.Name)

		for _, seed := range tt.seedValues(original) {
			for _, c := range contexts {
				diffs := 0
				for i := 0; i < rounds; i++ {
					setParam(params, p.Name, seed+c.truth)
					tRes, err := tt.fetch(ctx, params)
					if err != nil {
						setParam(params, p.Name, original)
						return fmt.Errorf("injection: boolean-blind true fetch for %s param %s: %w", tt.target.URL, p.Name, err)
					}

					setParam(params, p.Name, seed+c.falsy)
					fRes, err := tt.fetch(ctx, params)
					if err != nil {
						setParam(params, p.Name, original)
						return fmt.Errorf("injection: boolean-blind false fetch for %s param %s: %w", tt.target.URL, p.Name, err)
					}

					if roundIsNoise(tRes, fRes) {
						continue
					}

					if comparator.Differ(string(tRes.Body), string(fRes.Body)) {
						diffs++
					}
				}

				if diffs >= accept {
					evidence := fmt.Sprintf("rounds=%d diffs=%d", rounds, diffs)
					payloadPair := c.truth + "/" + c.falsy
					if err := tt.record(ctx, p.Name, "boolean-blind", payloadPair, evidence, 0); err != nil {
						setParam(params, p.Name, original)
						return err
					}
				}
			}
		}
		setParam(params, p.Name, original)
	}
	return nil
}

// roundIsNoise reports whether either compared response is a WAF/bot
// challenge page rather than genuine application output — if so, this
// round should not contribute to the diff count, since it reflects
// evasion behavior rather than a true/false database divergence.
func roundIsNoise(a, b *scraper.FetchResult) bool {
	if a == nil || b == nil {
		return true
	}
	if challenged, _ := bypass.Analyze(&bypass.Response{StatusCode: a.StatusCode, Headers: a.Headers, Body: a.Body}, bypass.DefaultDetectors()); challenged {
		return true
	}
	if challenged, _ := bypass.Analyze(&bypass.Response{StatusCode: b.StatusCode, Headers: b.Headers, Body: b.Body}, bypass.DefaultDetectors()); challenged {
		return true
	}
	return false
}

func (tt *targetTask) phaseTimeBased(ctx context.Context, params []target.Param) error {
	mysqlPayloads := make([]string, len(payload.TimeMySQL))
	for i, tmpl := range payload.TimeMySQL {
		mysqlPayloads[i] = payload.TimePayload(tmpl, tt.engine.cfg.TimeThreshold)
	}
	mssqlPayloads := make([]string, len(payload.TimeMSSQL))
	for i, tmpl := range payload.TimeMSSQL {
		mssqlPayloads[i] = payload.TimePayload(tmpl, tt.engine.cfg.TimeThreshold)
	}
	candidates := append(mysqlPayloads, mssqlPayloads...)

	for _, p := range params {
		original := getParam(params, p.Name)

		setParam(params, p.Name, original)
		baseRes, err := tt.fetch(ctx, params)
		if err != nil {
			return fmt.Errorf("injection: time-based baseline fetch for %s param %s: %w", tt.target.URL, p.Name, err)
		}
		baseDuration := baseRes.Duration.Seconds()

		for _, pl := range candidates {
			setParam(params, p.Name, original+pl)
			res, err := tt.fetch(ctx, params)
			if err != nil {
				setParam(params, p.Name, original)
				return fmt.Errorf("injection: time-based fetch for %s param %s: %w", tt.target.URL, p.Name, err)
			}

			delta := res.Duration.Seconds() - baseDuration
			if delta >= tt.engine.cfg.TimeThreshold*0.8 {
				evidence := fmt.Sprintf("delta=%.2fs base=%.2fs thr=%.2fs", delta, baseDuration, tt.engine.cfg.TimeThreshold)
				if err := tt.record(ctx, p.Name, "time-based", strings.TrimSpace(pl), evidence, 0); err != nil {
					setParam(params, p.Name, original)
					return err
				}
			}
		}
		setParam(params, p.Name, original)
	}
	return nil
}

func (tt *targetTask) phaseUnionBased(ctx context.Context, params []target.Param, baselineBody string) error {
	for _, p := range params {
		original := getParam(params, p.Name)
		colCount := 0

		for n := 1; n <= tt.engine.cfg.UnionMaxColumns; n++ {
			numeric := payload.UnionPayload(payload.UnionNumericTemplate, n, -1, "")
			stringCtx := payload.UnionPayload(payload.UnionStringTemplate, n, -1, "")

			setParam(params, p.Name, original+numeric)
			numRes, err := tt.fetch(ctx, params)
			if err != nil {
				setParam(params, p.Name, original)
				return fmt.Errorf("injection: union column-probe fetch for %s param %s: %w", tt.target.URL, p.Name, err)
			}

			setParam(params, p.Name, original+stringCtx)
			strRes, err := tt.fetch(ctx, params)
			if err != nil {
				setParam(params, p.Name, original)
				return fmt.Errorf("injection: union column-probe fetch for %s param %s: %w", tt.target.URL, p.Name, err)
			}
			setParam(params, p.Name, original)

			numBody, strBody := string(numRes.Body), string(strRes.Body)
			if !columnMismatchRe.MatchString(numBody) && !columnMismatchRe.MatchString(strBody) {
				colCount = n
				break
			}
		}

		if colCount > 0 {
			const marker = "ZXUNIONZX"
			mid := colCount / 2
			unionPayload := payload.UnionPayload(payload.UnionNumericTemplate, colCount, mid, marker)

			setParam(params, p.Name, original+unionPayload)
			res, err := tt.fetch(ctx, params)
			setParam(params, p.Name, original)
			if err != nil {
				return fmt.Errorf("injection: union confirm fetch for %s param %s: %w", tt.target.URL, p.Name, err)
			}

			body := string(res.Body)
			if body != "" && (strings.Contains(body, marker) || comparator.Differ(body, baselineBody)) {
				evidence := fmt.Sprintf("columns=%d", colCount)
				if err := tt.record(ctx, p.Name, "union-confirmed", strings.TrimSpace(unionPayload), evidence, colCount); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (tt *targetTask) record(ctx context.Context, param, technique, pl, evidence string, columns int) error {
	score := scoreFor(technique, evidence)
	_, _, err := tt.engine.store.Record(ctx, finding.Candidate{
		URL:       tt.target.URL,
		Method:    tt.target.Method,
		Param:     param,
		Technique: technique,
		Payload:   pl,
		Evidence:  evidence,
		Score:     score,
		Columns:   columns,
	})
	if err != nil {
		return fmt.Errorf("injection: record finding: %w", err)
	}
	return nil
}

var (
	columnsRe = regexp.MustCompile(`columns=(\d+)`)
	diffsRe   = regexp.MustCompile(`diffs=(\d+)`)
	proxRe    = regexp.MustCompile(`prox=(\d+)`)
)

// scoreFor computes the finding's 0.0-10.0 score: a technique-based
// starting point, adjusted up for column count, diff count, and close
// error/payload proximity, then clamped and rounded to one decimal.
func scoreFor(technique, evidence string) float64 {
	tech := strings.ToLower(technique)
	base := 7.0
	switch {
	case strings.Contains(tech, "union-confirmed"):
		base = 9.8
	case strings.Contains(tech, "error"):
		base = 8.6
	case strings.Contains(tech, "boolean"):
		base = 7.5
	case strings.Contains(tech, "time"):
		base = 7.0
	}

	if m := columnsRe.FindStringSubmatch(evidence); m != nil {
		cols, _ := strconv.Atoi(m[1])
		base += math.Min(0.5, float64(cols)*0.05)
	}
	if m := diffsRe.FindStringSubmatch(evidence); m != nil {
		diffs, _ := strconv.Atoi(m[1])
		base += math.Min(0.3, float64(diffs)*0.05)
	}
	if m := proxRe.FindStringSubmatch(evidence); m != nil {
		if prox, _ := strconv.Atoi(m[1]); prox < 200 {
			base += 0.2
		}
	}

	if base < 0 {
		base = 0
	}
	if base > 10 {
		base = 10
	}
	return math.Round(base*10) / 10
}


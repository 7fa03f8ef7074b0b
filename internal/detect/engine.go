// Package detect evaluates the detection rule catalogue over a lookback
// window of telemetry, producing alerts.
//
// Rules are registered implementations of the Rule interface; the engine
// dispatches to whatever is registered, so new rules need no engine
// changes. Rules for one run are evaluated in parallel and must all
// finish before the run's alerts are stored (the risk aggregator only
// ever sees completed runs). A rule failure is isolated: it is captured
// in the run diagnostics and the remaining rules continue.
package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// Alert severities.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
)

// Window is the telemetry snapshot one run evaluates. All rules of a run
// see the same snapshot.
type Window struct {
	Start       time.Time
	End         time.Time
	NetworkLogs []model.NetworkLog
	AuthLogs    []model.AuthLog
}

// Rule is a pure evaluation over a telemetry window.
type Rule interface {
	// ID is the stable rule identifier used for alert deduplication.
	ID() string
	// Evaluate returns the alerts the rule derives from the window.
	Evaluate(ctx context.Context, w Window) ([]model.Alert, error)
}

// RunResult reports the outcome of one detection run.
type RunResult struct {
	RunID        string            `json:"run_id"`
	WindowStart  time.Time         `json:"window_start"`
	WindowEnd    time.Time         `json:"window_end"`
	TotalAlerts  int               `json:"total_alerts"`
	AlertsByRule map[string]int    `json:"alerts_by_rule,omitempty"`
	RuleErrors   map[string]string `json:"rule_errors,omitempty"`
}

// Engine evaluates the registered rule catalogue.
type Engine struct {
	store  *store.Store
	rules  []Rule
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine with the given rule catalogue.
func NewEngine(s *store.Store, rules []Rule, logger *zap.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		store:  s,
		rules:  rules,
		logger: logger,
		tracer: tracer,
	}
}

// Rules returns the registered rule IDs.
func (e *Engine) Rules() []string {
	ids := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		ids = append(ids, r.ID())
	}
	sort.Strings(ids)
	return ids
}

// Run evaluates every rule over the given lookback and appends the
// resulting alerts to the store. TotalAlerts counts alerts actually
// stored; re-running over an overlapping window does not double-count
// because storage deduplicates by (rule, entities, hour bucket).
func (e *Engine) Run(ctx context.Context, lookback time.Duration) RunResult {
	ctx, span := e.tracer.Start(ctx, "detect.Run")
	defer span.End()

	end := time.Now().UTC()
	w := Window{
		Start:       end.Add(-lookback),
		End:         end,
		NetworkLogs: e.store.NetworkLogsSince(end.Add(-lookback)),
		AuthLogs:    e.store.AuthLogsSince(end.Add(-lookback)),
	}

	result := RunResult{
		RunID:       uuid.NewString(),
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}

	type ruleOutcome struct {
		ruleID string
		alerts []model.Alert
		err    error
	}

	outcomes := make(chan ruleOutcome, len(e.rules))
	var wg sync.WaitGroup
	for _, rule := range e.rules {
		wg.Add(1)
		go func(r Rule) {
			defer wg.Done()
			alerts, err := r.Evaluate(ctx, w)
			outcomes <- ruleOutcome{ruleID: r.ID(), alerts: alerts, err: err}
		}(rule)
	}
	wg.Wait()
	close(outcomes)

	// Barrier passed: merge in deterministic rule order before storing.
	byRule := make(map[string][]model.Alert)
	for o := range outcomes {
		if o.err != nil {
			if result.RuleErrors == nil {
				result.RuleErrors = make(map[string]string)
			}
			result.RuleErrors[o.ruleID] = o.err.Error()
			e.logger.Warn("detection rule failed",
				zap.String("rule", o.ruleID),
				zap.String("run_id", result.RunID),
				zap.Error(o.err))
			continue
		}
		byRule[o.ruleID] = o.alerts
	}

	for _, id := range e.Rules() {
		stored := e.store.AppendAlerts(byRule[id])
		if stored > 0 {
			if result.AlertsByRule == nil {
				result.AlertsByRule = make(map[string]int)
			}
			result.AlertsByRule[id] = stored
		}
		result.TotalAlerts += stored
	}

	e.logger.Info("detection run complete",
		zap.String("run_id", result.RunID),
		zap.Int("alerts", result.TotalAlerts),
		zap.Int("rule_errors", len(result.RuleErrors)),
		zap.Duration("lookback", lookback))
	return result
}

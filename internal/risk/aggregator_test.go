package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/config"
	"github.com/threatlens/threatlens/internal/detect"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

func newAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	s := store.New()
	correlator := intel.NewCorrelator(s, nil, time.Minute, zap.NewNop())
	cfg := config.DefaultConfig()
	a := NewAggregator(s, correlator, cfg.Scoring, cfg.Detection, zap.NewNop(), noop.NewTracerProvider().Tracer("test"))
	return a, s
}

func entityScore(t *testing.T, s *store.Store, key model.EntityKey) model.Entity {
	t.Helper()
	e, err := s.Entity(key)
	if err != nil {
		t.Fatalf("entity %v: %v", key, err)
	}
	return e
}

func factorByKind(e model.Entity, kind model.FactorKind) (model.RiskFactor, bool) {
	for _, f := range e.RiskFactors {
		if f.Factor == kind {
			return f, true
		}
	}
	return model.RiskFactor{}, false
}

// TestRecalculate_KnownThreatActor verifies a level-10 IP indicator
// yields exactly the capped threat-actor contribution plus the
// detected-attack contribution from its alert.
func TestRecalculate_KnownThreatActor(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityIP, ID: "203.0.113.142"}
	s.GetOrCreateEntity(key)
	s.UpsertIndicator(model.ThreatIndicator{
		Indicator: "203.0.113.142", Type: model.IndicatorIP, ThreatLevel: 10,
	})
	s.AppendAlerts([]model.Alert{{
		ID:        "a1",
		Timestamp: time.Now().UTC(),
		RuleID:    detect.RuleAttackTraffic,
		Entities:  []model.EntityKey{key},
		Severity:  detect.SeverityCritical,
	}})

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := entityScore(t, s, key)
	actor, ok := factorByKind(e, model.FactorKnownThreatActor)
	if !ok {
		t.Fatal("missing known-threat-actor factor")
	}
	if actor.Score != 5.0 {
		t.Errorf("threat-actor score = %v, want 5.0 (level 10, capped)", actor.Score)
	}
	attack, ok := factorByKind(e, model.FactorDetectedAttack)
	if !ok {
		t.Fatal("missing detected-attack factor")
	}
	if attack.Score != 1.5 {
		t.Errorf("detected-attack score = %v, want 1.5 for one alert", attack.Score)
	}
	if e.RiskScore != 6.5 {
		t.Errorf("risk score = %v, want 6.5", e.RiskScore)
	}
	if _, ok := factorByKind(e, model.FactorAlertAssociation); ok {
		t.Error("IP entities must not carry the alert-association factor")
	}
}

// TestRecalculate_SuspiciousAuth verifies the failure-ratio factor and
// its human-readable details.
func TestRecalculate_SuspiciousAuth(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityUser, ID: "charlie"}
	s.GetOrCreateEntity(key)

	now := time.Now().UTC()
	var logs []model.AuthLog
	for i := 0; i < 15; i++ {
		status := model.AuthFailure
		if i >= 12 {
			status = model.AuthSuccess
		}
		logs = append(logs, model.AuthLog{
			ID: fmt.Sprintf("auth-%d", i), Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Username: "charlie", SrcIP: "192.168.1.100", Status: status,
		})
	}
	s.AppendAuthLogs(logs)

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := entityScore(t, s, key)
	f, ok := factorByKind(e, model.FactorSuspiciousAuth)
	if !ok {
		t.Fatal("missing suspicious-auth factor")
	}
	// 12/15 = 0.8 ratio, scaled by 5.0 and capped at 4.0.
	if f.Score != 4.0 {
		t.Errorf("suspicious-auth score = %v, want 4.0", f.Score)
	}
	if !strings.Contains(f.Details, "12 of 15 failed") {
		t.Errorf("details = %q, want failure counts", f.Details)
	}
}

// TestRecalculate_SaturatedHost verifies factor caps and the score
// ceiling: a fully exposed host lands exactly at the maximum.
func TestRecalculate_SaturatedHost(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityHost, ID: "srv-1"}
	s.GetOrCreateEntity(key)
	s.UpsertAsset(model.AssetRecord{Host: "srv-1", IPAddress: "10.0.0.1", Criticality: 5})

	base := time.Now().UTC().Add(-24 * time.Hour)
	var alerts []model.Alert
	alerts = append(alerts, model.Alert{
		ID: "crit", Timestamp: base, RuleID: detect.RuleCriticalAsset,
		Entities: []model.EntityKey{key}, Severity: detect.SeverityCritical,
	})
	// Distinct hour buckets so every alert survives deduplication.
	for i := 0; i < 11; i++ {
		alerts = append(alerts, model.Alert{
			ID:        fmt.Sprintf("tgt-%d", i),
			Timestamp: base.Add(time.Duration(i+1) * time.Hour),
			RuleID:    detect.RuleAttackTraffic + "/target",
			Entities:  []model.EntityKey{key},
			Severity:  detect.SeverityHigh,
		})
	}
	if stored := s.AppendAlerts(alerts); stored != len(alerts) {
		t.Fatalf("stored %d alerts, want %d", stored, len(alerts))
	}

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := entityScore(t, s, key)
	if f, _ := factorByKind(e, model.FactorCriticalAsset); f.Score != 2.5 {
		t.Errorf("critical-asset score = %v, want capped 2.5", f.Score)
	}
	if f, _ := factorByKind(e, model.FactorAttackTarget); f.Score != 4.0 {
		t.Errorf("attack-target score = %v, want capped 4.0", f.Score)
	}
	if f, _ := factorByKind(e, model.FactorAlertAssociation); f.Score != 3.5 {
		t.Errorf("alert-association score = %v, want capped 3.5", f.Score)
	}
	if e.RiskScore != 10.0 {
		t.Errorf("risk score = %v, want the 10.0 ceiling", e.RiskScore)
	}
}

// TestRecalculate_Idempotent verifies recomputation over unchanged
// telemetry reproduces identical scores and factor sets.
func TestRecalculate_Idempotent(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityIP, ID: "203.0.113.9"}
	s.GetOrCreateEntity(key)
	s.UpsertIndicator(model.ThreatIndicator{
		Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 7,
	})

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := entityScore(t, s, key)

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := entityScore(t, s, key)

	if first.RiskScore != second.RiskScore {
		t.Errorf("score drifted across runs: %v then %v", first.RiskScore, second.RiskScore)
	}
	if len(first.RiskFactors) != len(second.RiskFactors) {
		t.Fatalf("factor count drifted: %d then %d", len(first.RiskFactors), len(second.RiskFactors))
	}
	for i := range first.RiskFactors {
		if first.RiskFactors[i] != second.RiskFactors[i] {
			t.Errorf("factor %d drifted: %+v then %+v", i, first.RiskFactors[i], second.RiskFactors[i])
		}
	}
}

// TestRecalculate_StaleAlertsExpire verifies alerts older than the
// contribution window stop contributing.
func TestRecalculate_StaleAlertsExpire(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityHost, ID: "srv-1"}
	s.GetOrCreateEntity(key)
	s.AppendAlerts([]model.Alert{{
		ID:        "old",
		Timestamp: time.Now().UTC().Add(-30 * 24 * time.Hour),
		RuleID:    detect.RuleAttackTraffic + "/target",
		Entities:  []model.EntityKey{key},
		Severity:  detect.SeverityHigh,
	}})

	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := entityScore(t, s, key)
	if e.RiskScore != 0 {
		t.Errorf("score = %v, want 0 once alerts fall outside the window", e.RiskScore)
	}
	if len(e.RiskFactors) != 0 {
		t.Errorf("got %d factors from an expired alert, want 0", len(e.RiskFactors))
	}
}

// TestRecalculate_CanceledLeavesStateIntact verifies a canceled run
// applies nothing.
func TestRecalculate_CanceledLeavesStateIntact(t *testing.T) {
	a, s := newAggregator(t)
	key := model.EntityKey{Type: model.EntityIP, ID: "203.0.113.9"}
	s.GetOrCreateEntity(key)
	s.UpsertIndicator(model.ThreatIndicator{
		Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 7,
	})
	if err := a.Recalculate(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := entityScore(t, s, key)

	// New intel arrives, then the next run is canceled mid-flight.
	s.UpsertIndicator(model.ThreatIndicator{
		Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 10,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Recalculate(ctx)
	if !errors.Is(err, ErrAggregationFailed) {
		t.Fatalf("canceled run returned %v, want ErrAggregationFailed", err)
	}

	after := entityScore(t, s, key)
	if after.RiskScore != before.RiskScore {
		t.Errorf("canceled run changed score from %v to %v", before.RiskScore, after.RiskScore)
	}
}

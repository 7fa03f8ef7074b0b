// Package risk computes entity risk scores from the alert log, threat
// intel matches, and the asset inventory, and owns the single-flight
// recalculation trigger.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/config"
	"github.com/threatlens/threatlens/internal/detect"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// ErrAggregationFailed reports a recalculation run that was abandoned
// before its snapshot was applied. Entity state remains at the last good
// computation.
var ErrAggregationFailed = errors.New("risk aggregation failed")

// factorOrder fixes the order factors appear in an entity's factor set,
// so recomputation over unchanged telemetry is bit-for-bit reproducible.
var factorOrder = map[model.FactorKind]int{
	model.FactorCriticalAsset:    0,
	model.FactorKnownThreatActor: 1,
	model.FactorDetectedAttack:   2,
	model.FactorAttackTarget:     3,
	model.FactorSuspiciousAuth:   4,
	model.FactorAlertAssociation: 5,
}

// Aggregator recomputes the factor set and risk score of every known
// entity from a consistent snapshot of alerts, intel, and assets.
type Aggregator struct {
	store      *store.Store
	correlator *intel.Correlator
	scoring    config.ScoringConfig
	detection  config.DetectionConfig
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewAggregator creates an aggregator.
func NewAggregator(s *store.Store, correlator *intel.Correlator, scoring config.ScoringConfig, detection config.DetectionConfig, logger *zap.Logger, tracer trace.Tracer) *Aggregator {
	return &Aggregator{
		store:      s,
		correlator: correlator,
		scoring:    scoring,
		detection:  detection,
		logger:     logger,
		tracer:     tracer,
	}
}

// alertEvidence is the per-entity view of contributing alerts.
type alertEvidence struct {
	attackSource int // attack-traffic alerts naming the entity as source
	attackTarget int // attack-traffic target alerts
	criticalHit  bool
	total        int
}

// Recalculate recomputes every known entity's score and applies the new
// snapshot atomically. If the context is canceled before the apply step,
// nothing is written and the previous scores stay intact.
func (a *Aggregator) Recalculate(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "risk.Recalculate")
	defer span.End()

	started := time.Now().UTC()
	cutoff := started.Add(-a.scoring.ContributionWindow)

	alerts := a.store.AlertsSince(cutoff)
	authLogs := a.store.AuthLogsSince(cutoff)
	entities, _ := a.store.ListEntities("", 0, 0)

	evidence := make(map[string]*alertEvidence)
	for _, alert := range alerts {
		for _, key := range alert.Entities {
			ev := evidence[key.String()]
			if ev == nil {
				ev = &alertEvidence{}
				evidence[key.String()] = ev
			}
			ev.total++
			switch alert.RuleID {
			case detect.RuleAttackTraffic:
				ev.attackSource++
			case detect.RuleAttackTraffic + "/target":
				ev.attackTarget++
			case detect.RuleCriticalAsset:
				ev.criticalHit = true
			}
		}
	}

	authTallies := tallyAuth(authLogs)

	updates := make([]store.ScoreUpdate, 0, len(entities))
	for _, e := range entities {
		factors := a.computeFactors(ctx, e.Key, evidence[e.Key.String()], authTallies[e.Key.ID])
		var sum float64
		for _, f := range factors {
			sum += f.Score
		}
		updates = append(updates, store.ScoreUpdate{
			Key:     e.Key,
			Score:   clamp(sum, 0, 10),
			Factors: factors,
		})
	}

	// All-or-nothing: a canceled run must not leave a partial epoch.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAggregationFailed, err)
	}
	a.store.ApplyScores(updates, started)

	a.logger.Info("risk recalculation complete",
		zap.Int("entities", len(updates)),
		zap.Int("alerts_considered", len(alerts)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// computeFactors derives at most one factor per kind for one entity.
func (a *Aggregator) computeFactors(ctx context.Context, key model.EntityKey, ev *alertEvidence, auth *authTally) []model.RiskFactor {
	var factors []model.RiskFactor
	s := a.scoring

	switch key.Type {
	case model.EntityHost:
		if ev != nil && ev.criticalHit {
			if asset, ok := a.store.Asset(key.ID); ok {
				factors = append(factors, model.RiskFactor{
					Factor:  model.FactorCriticalAsset,
					Score:   capped(float64(asset.Criticality)*s.CriticalAssetWeight, s.CriticalAssetCap),
					Details: fmt.Sprintf("Critical asset with criticality rating %d/5", asset.Criticality),
				})
			}
		}
		if ev != nil && ev.attackTarget > 0 {
			factors = append(factors, model.RiskFactor{
				Factor:  model.FactorAttackTarget,
				Score:   capped(s.AttackTargetBase+float64(ev.attackTarget)*s.AttackTargetStep, s.AttackTargetCap),
				Details: fmt.Sprintf("Target of attack traffic (%d alerts)", ev.attackTarget),
			})
		}

	case model.EntityIP:
		if ind, ok := a.correlator.Match(ctx, key.ID, model.IndicatorIP); ok {
			factors = append(factors, model.RiskFactor{
				Factor:  model.FactorKnownThreatActor,
				Score:   capped(ind.ThreatLevel*s.ThreatActorWeight, s.ThreatActorCap),
				Details: fmt.Sprintf("Known malicious IP with threat level %.0f/10", ind.ThreatLevel),
			})
		}
		if ev != nil && ev.attackSource > 0 {
			factors = append(factors, model.RiskFactor{
				Factor:  model.FactorDetectedAttack,
				Score:   capped(s.DetectedAttackBase+float64(ev.attackSource)*s.DetectedAttackStep, s.DetectedAttackCap),
				Details: fmt.Sprintf("Source of attack events (%d alerts)", ev.attackSource),
			})
		}

	case model.EntityUser:
		if auth != nil && auth.total >= a.detection.BruteForceMinAttempts {
			ratio := float64(auth.failures) / float64(auth.total)
			if ratio >= a.detection.BruteForceRatio {
				factors = append(factors, model.RiskFactor{
					Factor:  model.FactorSuspiciousAuth,
					Score:   capped(ratio*s.SuspiciousAuthScale, s.SuspiciousAuthCap),
					Details: fmt.Sprintf("High login failure rate (%d of %d failed)", auth.failures, auth.total),
				})
			}
		}
	}

	// Alert association applies to hosts and users; IP entities already
	// carry their alerts through the detected-attack factor.
	if key.Type != model.EntityIP && ev != nil && ev.total > 0 {
		factors = append(factors, model.RiskFactor{
			Factor:  model.FactorAlertAssociation,
			Score:   capped(float64(ev.total)*s.AlertAssocStep, s.AlertAssocCap),
			Details: fmt.Sprintf("Associated with %d security alerts", ev.total),
		})
	}

	sort.Slice(factors, func(i, j int) bool {
		return factorOrder[factors[i].Factor] < factorOrder[factors[j].Factor]
	})
	return factors
}

type authTally struct {
	failures int
	total    int
}

func tallyAuth(logs []model.AuthLog) map[string]*authTally {
	byUser := make(map[string]*authTally)
	for _, l := range logs {
		t := byUser[l.Username]
		if t == nil {
			t = &authTally{}
			byUser[l.Username] = t
		}
		t.total++
		if l.Status == model.AuthFailure {
			t.failures++
		}
	}
	return byUser
}

func capped(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/threatlens/threatlens/internal/config"
	"github.com/threatlens/threatlens/internal/entity"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// Rule identifiers.
const (
	RuleAttackTraffic = "attack-traffic"
	RuleBruteForce    = "auth-brute-force"
	RuleCriticalAsset = "critical-asset-exposure"
)

// DefaultRules returns the standard rule catalogue.
func DefaultRules(cfg config.DetectionConfig, s *store.Store, resolver *entity.Resolver, correlator *intel.Correlator) []Rule {
	return []Rule{
		&AttackTrafficRule{cfg: cfg, resolver: resolver, correlator: correlator},
		&BruteForceRule{cfg: cfg, resolver: resolver},
		&CriticalAssetRule{cfg: cfg, store: s, resolver: resolver, correlator: correlator},
	}
}

// maxEvidence caps evidence refs carried per alert.
const maxEvidence = 20

// AttackTrafficRule flags network traffic involving a high-level IP
// indicator, and repeated DENYs from one source above a threshold. It
// emits DETECTED_ATTACK on the offending IP entity and ATTACK_TARGET on
// the destination host when the asset inventory can resolve it.
type AttackTrafficRule struct {
	cfg        config.DetectionConfig
	resolver   *entity.Resolver
	correlator *intel.Correlator
}

func (r *AttackTrafficRule) ID() string { return RuleAttackTraffic }

type trafficOffender struct {
	latest   time.Time
	severity string
	details  string
	evidence []string
}

func (r *AttackTrafficRule) Evaluate(ctx context.Context, w Window) ([]model.Alert, error) {
	offenders := make(map[string]*trafficOffender) // by offending IP
	targets := make(map[model.EntityKey]*trafficOffender)
	denyCounts := make(map[string]int)

	note := func(m map[string]*trafficOffender, ip string, l model.NetworkLog, severity, details string) {
		o := m[ip]
		if o == nil {
			o = &trafficOffender{}
			m[ip] = o
		}
		if l.Timestamp.After(o.latest) {
			o.latest = l.Timestamp
		}
		if severity == SeverityCritical || o.severity == "" {
			o.severity = severity
			o.details = details
		}
		if len(o.evidence) < maxEvidence {
			o.evidence = append(o.evidence, l.ID)
		}
	}
	noteTarget := func(key model.EntityKey, l model.NetworkLog) {
		t := targets[key]
		if t == nil {
			t = &trafficOffender{severity: SeverityHigh}
			targets[key] = t
		}
		if l.Timestamp.After(t.latest) {
			t.latest = l.Timestamp
		}
		if len(t.evidence) < maxEvidence {
			t.evidence = append(t.evidence, l.ID)
		}
	}

	for _, l := range w.NetworkLogs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, ip := range []string{l.DestIP, l.SrcIP} {
			ind, ok := r.correlator.Match(ctx, ip, model.IndicatorIP)
			if !ok || ind.ThreatLevel < r.cfg.IndicatorMinLevel {
				continue
			}
			note(offenders, ip, l, SeverityCritical,
				fmt.Sprintf("traffic matched threat indicator %s (level %.0f/10)", ind.Indicator, ind.ThreatLevel))
			if target, resolvable := r.resolver.HostForIP(l.DestIP); resolvable {
				noteTarget(target, l)
			}
		}

		if l.Action == model.ActionDeny {
			denyCounts[l.SrcIP]++
			if denyCounts[l.SrcIP] >= r.cfg.DenyThreshold {
				note(offenders, l.SrcIP, l, SeverityHigh, "")
				if target, resolvable := r.resolver.HostForIP(l.DestIP); resolvable {
					noteTarget(target, l)
				}
			}
		}
	}

	var alerts []model.Alert
	for _, ip := range sortedKeys(offenders) {
		o := offenders[ip]
		details := o.details
		if details == "" {
			details = fmt.Sprintf("%d denied connections from source within window", denyCounts[ip])
		}
		alerts = append(alerts, model.Alert{
			Timestamp: o.latest,
			RuleID:    r.ID(),
			Entities:  []model.EntityKey{r.resolver.IP(ip)},
			Severity:  o.severity,
			Details:   details,
			Evidence:  o.evidence,
		})
	}

	targetKeys := make([]model.EntityKey, 0, len(targets))
	for k := range targets {
		targetKeys = append(targetKeys, k)
	}
	sort.Slice(targetKeys, func(i, j int) bool { return targetKeys[i].String() < targetKeys[j].String() })
	for _, key := range targetKeys {
		t := targets[key]
		alerts = append(alerts, model.Alert{
			Timestamp: t.latest,
			RuleID:    r.ID() + "/target",
			Entities:  []model.EntityKey{key},
			Severity:  t.severity,
			Details:   "target of attack traffic",
			Evidence:  t.evidence,
		})
	}
	return alerts, nil
}

// BruteForceRule flags usernames whose authentication failure ratio in
// the window exceeds the configured threshold with enough attempts to
// be meaningful.
type BruteForceRule struct {
	cfg      config.DetectionConfig
	resolver *entity.Resolver
}

func (r *BruteForceRule) ID() string { return RuleBruteForce }

func (r *BruteForceRule) Evaluate(ctx context.Context, w Window) ([]model.Alert, error) {
	type authTally struct {
		failures int
		total    int
		latest   time.Time
		evidence []string
	}
	byUser := make(map[string]*authTally)

	for _, l := range w.AuthLogs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := byUser[l.Username]
		if t == nil {
			t = &authTally{}
			byUser[l.Username] = t
		}
		t.total++
		if l.Status == model.AuthFailure {
			t.failures++
			if l.Timestamp.After(t.latest) {
				t.latest = l.Timestamp
			}
			if len(t.evidence) < maxEvidence {
				t.evidence = append(t.evidence, l.ID)
			}
		}
	}

	var alerts []model.Alert
	for _, username := range sortedKeys(byUser) {
		t := byUser[username]
		if t.total < r.cfg.BruteForceMinAttempts {
			continue
		}
		if float64(t.failures)/float64(t.total) < r.cfg.BruteForceRatio {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp: t.latest,
			RuleID:    r.ID(),
			Entities:  []model.EntityKey{r.resolver.User(username)},
			Severity:  SeverityHigh,
			Details:   fmt.Sprintf("%d of %d failed", t.failures, t.total),
			Evidence:  t.evidence,
		})
	}
	return alerts, nil
}

// CriticalAssetRule flags high-criticality hosts that were the target of
// denied or indicator-matched traffic.
type CriticalAssetRule struct {
	cfg        config.DetectionConfig
	store      *store.Store
	resolver   *entity.Resolver
	correlator *intel.Correlator
}

func (r *CriticalAssetRule) ID() string { return RuleCriticalAsset }

func (r *CriticalAssetRule) Evaluate(ctx context.Context, w Window) ([]model.Alert, error) {
	type exposure struct {
		criticality int
		latest      time.Time
		evidence    []string
	}
	exposed := make(map[model.EntityKey]*exposure)

	for _, l := range w.NetworkLogs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hostile := l.Action == model.ActionDeny || l.Label == model.LabelAttack
		if !hostile {
			if ind, ok := r.correlator.Match(ctx, l.SrcIP, model.IndicatorIP); ok && ind.ThreatLevel >= r.cfg.IndicatorMinLevel {
				hostile = true
			}
		}
		if !hostile {
			continue
		}

		asset, ok := r.store.AssetByIP(l.DestIP)
		if !ok || asset.Criticality < r.cfg.CriticalAssetMin {
			continue
		}

		key := r.resolver.Host(asset.Host)
		e := exposed[key]
		if e == nil {
			e = &exposure{criticality: asset.Criticality}
			exposed[key] = e
		}
		if l.Timestamp.After(e.latest) {
			e.latest = l.Timestamp
		}
		if len(e.evidence) < maxEvidence {
			e.evidence = append(e.evidence, l.ID)
		}
	}

	keys := make([]model.EntityKey, 0, len(exposed))
	for k := range exposed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var alerts []model.Alert
	for _, key := range keys {
		e := exposed[key]
		severity := SeverityHigh
		if e.criticality >= 5 {
			severity = SeverityCritical
		}
		alerts = append(alerts, model.Alert{
			Timestamp: e.latest,
			RuleID:    r.ID(),
			Entities:  []model.EntityKey{key},
			Severity:  severity,
			Details:   fmt.Sprintf("critical asset (criticality %d/5) targeted by attack traffic", e.criticality),
			Evidence:  e.evidence,
		})
	}
	return alerts, nil
}

func sortedKeys[V any](m map[string]*V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

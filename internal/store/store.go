// Package store provides the append-only telemetry store and the entity
// risk table for ThreatLens. Raw telemetry is owned exclusively by this
// package; every other component reads snapshots and never mutates
// ingested records. The entity table is mutated only through ApplyScores,
// which the risk aggregator calls with a complete per-run snapshot.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/threatlens/threatlens/internal/model"
)

// Common errors.
var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrAssetNotFound  = errors.New("asset not found")
)

// NetworkLogFilter narrows a network log listing. Zero values mean no
// constraint. Search is a case-insensitive free-text match over src/dest
// IP, protocol, action, and label.
type NetworkLogFilter struct {
	Protocol string
	Action   string
	Label    string
	Search   string
	Start    time.Time
	End      time.Time
}

// Store holds all telemetry and entity state in memory.
type Store struct {
	mu sync.RWMutex

	networkLogs []model.NetworkLog
	authLogs    []model.AuthLog
	assets      map[string]model.AssetRecord              // keyed by lowercased host
	indicators  map[string]model.ThreatIndicator          // keyed by value|type
	alerts      []model.Alert
	alertKeys   map[string]struct{} // dedup keys of stored alerts
	entities    map[string]*model.Entity
}

// New creates an empty store.
func New() *Store {
	return &Store{
		assets:     make(map[string]model.AssetRecord),
		indicators: make(map[string]model.ThreatIndicator),
		alertKeys:  make(map[string]struct{}),
		entities:   make(map[string]*model.Entity),
	}
}

// AppendNetworkLogs appends validated network logs.
func (s *Store) AppendNetworkLogs(logs []model.NetworkLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networkLogs = append(s.networkLogs, logs...)
}

// AppendAuthLogs appends validated auth logs.
func (s *Store) AppendAuthLogs(logs []model.AuthLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authLogs = append(s.authLogs, logs...)
}

// UpsertAsset stores an asset record, replacing any previous record for
// the same host. Hosts are compared case-insensitively.
func (s *Store) UpsertAsset(asset model.AssetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[strings.ToLower(asset.Host)] = asset
}

// UpsertIndicator stores a threat indicator. (indicator, type) is unique;
// a repeat upsert keeps the earliest first_seen and the latest last_seen.
func (s *Store) UpsertIndicator(ind model.ThreatIndicator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := indicatorKey(ind.Indicator, ind.Type)
	if prev, ok := s.indicators[key]; ok {
		if prev.FirstSeen.Before(ind.FirstSeen) {
			ind.FirstSeen = prev.FirstSeen
		}
		if prev.LastSeen.After(ind.LastSeen) {
			ind.LastSeen = prev.LastSeen
		}
	}
	if ind.LastSeen.Before(ind.FirstSeen) {
		ind.LastSeen = ind.FirstSeen
	}
	s.indicators[key] = ind
}

// Indicator returns the indicator for an exact (value, type) pair.
func (s *Store) Indicator(value string, typ model.IndicatorType) (model.ThreatIndicator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ind, ok := s.indicators[indicatorKey(value, typ)]
	return ind, ok
}

// Asset returns the asset record for a host, matched case-insensitively.
func (s *Store) Asset(host string) (model.AssetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[strings.ToLower(host)]
	return asset, ok
}

// AssetByIP returns the asset record owning an IP address, if any.
func (s *Store) AssetByIP(ip string) (model.AssetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, asset := range s.assets {
		if asset.IPAddress == ip {
			return asset, true
		}
	}
	return model.AssetRecord{}, false
}

// NetworkLogsSince returns a copy of network logs at or after the cutoff.
func (s *Store) NetworkLogsSince(since time.Time) []model.NetworkLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.NetworkLog
	for _, l := range s.networkLogs {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out
}

// AuthLogsSince returns a copy of auth logs at or after the cutoff.
func (s *Store) AuthLogsSince(since time.Time) []model.AuthLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuthLog
	for _, l := range s.authLogs {
		if !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out
}

// ListNetworkLogs returns a filtered, paginated page of network logs
// ordered newest first, plus the total matching count.
func (s *Store) ListNetworkLogs(filter NetworkLogFilter, skip, limit int) ([]model.NetworkLog, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.NetworkLog
	for _, l := range s.networkLogs {
		if filter.Protocol != "" && l.Protocol != filter.Protocol {
			continue
		}
		if filter.Action != "" && l.Action != filter.Action {
			continue
		}
		if filter.Label != "" && l.Label != filter.Label {
			continue
		}
		if filter.Search != "" && !logMatches(l, filter.Search) {
			continue
		}
		if !filter.Start.IsZero() && l.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && l.Timestamp.After(filter.End) {
			continue
		}
		matched = append(matched, l)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return paginate(matched, skip, limit), len(matched)
}

// RecentAuthLogs returns up to limit auth logs for a username, newest
// first.
func (s *Store) RecentAuthLogs(username string, limit int) []model.AuthLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.AuthLog
	for _, l := range s.authLogs {
		if l.Username == username {
			matched = append(matched, l)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return paginate(matched, 0, limit)
}

// RecentNetworkLogs returns up to limit network logs touching an IP,
// newest first.
func (s *Store) RecentNetworkLogs(ip string, limit int) []model.NetworkLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.NetworkLog
	for _, l := range s.networkLogs {
		if l.SrcIP == ip || l.DestIP == ip {
			matched = append(matched, l)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return paginate(matched, 0, limit)
}

// ListIndicators returns a paginated page of indicators, optionally
// filtered by type, ordered by descending threat level then value.
func (s *Store) ListIndicators(typ model.IndicatorType, skip, limit int) ([]model.ThreatIndicator, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.ThreatIndicator
	for _, ind := range s.indicators {
		if typ != "" && ind.Type != typ {
			continue
		}
		matched = append(matched, ind)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ThreatLevel != matched[j].ThreatLevel {
			return matched[i].ThreatLevel > matched[j].ThreatLevel
		}
		return matched[i].Indicator < matched[j].Indicator
	})
	return paginate(matched, skip, limit), len(matched)
}

// AppendAlerts appends alerts that are not already present, keyed by
// their dedup key. Returns the number actually stored, so overlapping
// detection runs stay idempotent.
func (s *Store) AppendAlerts(alerts []model.Alert) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, a := range alerts {
		key := a.DedupKey()
		if _, exists := s.alertKeys[key]; exists {
			continue
		}
		s.alertKeys[key] = struct{}{}
		s.alerts = append(s.alerts, a)
		stored++
	}
	return stored
}

// AlertsSince returns a copy of alerts at or after the cutoff, in append
// order.
func (s *Store) AlertsSince(since time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Alert
	for _, a := range s.alerts {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

// GetOrCreateEntity returns the entity for a key, lazily creating it
// with a zero score on first reference.
func (s *Store) GetOrCreateEntity(key model.EntityKey) model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrCreateLocked(key)
}

func (s *Store) getOrCreateLocked(key model.EntityKey) *model.Entity {
	if e, ok := s.entities[key.String()]; ok {
		return e
	}
	e := &model.Entity{
		Key:        key,
		EntityType: key.Type,
		EntityID:   key.ID,
	}
	s.entities[key.String()] = e
	return e
}

// Entity returns a copy of the entity for a key.
func (s *Store) Entity(key model.EntityKey) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[key.String()]
	if !ok {
		return model.Entity{}, ErrEntityNotFound
	}
	return *e, nil
}

// ListEntities returns a paginated page of entities ordered by
// descending risk score (key string as tie-break, so pages are stable),
// optionally filtered by type, plus the total matching count.
func (s *Store) ListEntities(typ model.EntityType, skip, limit int) ([]model.Entity, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Entity
	for _, e := range s.entities {
		if typ != "" && e.EntityType != typ {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RiskScore != matched[j].RiskScore {
			return matched[i].RiskScore > matched[j].RiskScore
		}
		return matched[i].Key.String() < matched[j].Key.String()
	})
	return paginate(matched, skip, limit), len(matched)
}

// ScoreUpdate is one entity's recomputed factor set.
type ScoreUpdate struct {
	Key     model.EntityKey
	Score   float64
	Factors []model.RiskFactor
}

// ApplyScores atomically replaces the factor sets of every entity in the
// batch. Entities referenced for the first time are created. The whole
// batch is applied under one lock so a reader never observes a mix of
// two scoring epochs.
func (s *Store) ApplyScores(updates []ScoreUpdate, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		e := s.getOrCreateLocked(u.Key)
		e.RiskScore = u.Score
		e.RiskFactors = u.Factors
		e.LastUpdated = at
	}
}

// Counts reports the number of stored records per kind.
func (s *Store) Counts() (network, auth, assets, indicators, alerts, entities int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.networkLogs), len(s.authLogs), len(s.assets),
		len(s.indicators), len(s.alerts), len(s.entities)
}

func logMatches(l model.NetworkLog, search string) bool {
	search = strings.ToLower(search)
	for _, field := range []string{l.SrcIP, l.DestIP, l.Protocol, l.Action, l.Label} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

func indicatorKey(value string, typ model.IndicatorType) string {
	return value + "|" + string(typ)
}

func paginate[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	out := make([]T, end-skip)
	copy(out, items[skip:end])
	return out
}

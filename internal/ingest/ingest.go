// Package ingest validates and stores incoming telemetry batches.
// Malformed records are rejected individually and reported back; a bad
// record never aborts the rest of its batch. Identifier resolution (and
// the lazy creation of entities) happens here, so downstream components
// can assume already-validated input.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/entity"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// ErrValidation marks a malformed telemetry record.
var ErrValidation = errors.New("validation failed")

// RecordError reports one rejected record within a batch.
type RecordError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarizes one batch ingestion.
type Result struct {
	Accepted int           `json:"accepted"`
	Rejected []RecordError `json:"rejected,omitempty"`
}

// Stats tracks cumulative ingestion counters.
type Stats struct {
	NetworkAccepted   int64     `json:"network_accepted"`
	AuthAccepted      int64     `json:"auth_accepted"`
	AssetsAccepted    int64     `json:"assets_accepted"`
	IndicatorsStored  int64     `json:"indicators_stored"`
	RecordsRejected   int64     `json:"records_rejected"`
	LastIngestAt      time.Time `json:"last_ingest_at"`
}

// Service ingests telemetry batches into the store.
type Service struct {
	store      *store.Store
	resolver   *entity.Resolver
	correlator *intel.Correlator
	logger     *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewService creates an ingestion service.
func NewService(s *store.Store, resolver *entity.Resolver, correlator *intel.Correlator, logger *zap.Logger) *Service {
	return &Service{
		store:      s,
		resolver:   resolver,
		correlator: correlator,
		logger:     logger,
	}
}

// Stats returns a copy of the cumulative counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) record(accepted *int64, n int, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*accepted += int64(n)
	s.stats.RecordsRejected += int64(rejected)
	s.stats.LastIngestAt = time.Now().UTC()
}

// NetworkLogs validates and stores a batch of network logs.
func (s *Service) NetworkLogs(ctx context.Context, logs []model.NetworkLog) Result {
	var res Result
	valid := make([]model.NetworkLog, 0, len(logs))

	for i, l := range logs {
		if err := validateNetworkLog(l); err != nil {
			res.Rejected = append(res.Rejected, RecordError{Index: i, Reason: err.Error()})
			continue
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		s.resolver.IP(l.SrcIP)
		s.resolver.IP(l.DestIP)
		valid = append(valid, l)
	}

	s.store.AppendNetworkLogs(valid)
	res.Accepted = len(valid)
	s.record(&s.stats.NetworkAccepted, len(valid), len(res.Rejected))
	s.logBatch("network", res)
	return res
}

// AuthLogs validates and stores a batch of auth logs.
func (s *Service) AuthLogs(ctx context.Context, logs []model.AuthLog) Result {
	var res Result
	valid := make([]model.AuthLog, 0, len(logs))

	for i, l := range logs {
		if err := validateAuthLog(l); err != nil {
			res.Rejected = append(res.Rejected, RecordError{Index: i, Reason: err.Error()})
			continue
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		s.resolver.User(l.Username)
		s.resolver.IP(l.SrcIP)
		if l.DestHost != "" {
			s.resolver.Host(l.DestHost)
		}
		valid = append(valid, l)
	}

	s.store.AppendAuthLogs(valid)
	res.Accepted = len(valid)
	s.record(&s.stats.AuthAccepted, len(valid), len(res.Rejected))
	s.logBatch("auth", res)
	return res
}

// Assets validates and stores a batch of asset records.
func (s *Service) Assets(ctx context.Context, assets []model.AssetRecord) Result {
	var res Result
	for i, a := range assets {
		if err := validateAsset(a); err != nil {
			res.Rejected = append(res.Rejected, RecordError{Index: i, Reason: err.Error()})
			continue
		}
		s.store.UpsertAsset(a)
		s.resolver.Host(a.Host)
		res.Accepted++
	}
	s.record(&s.stats.AssetsAccepted, res.Accepted, len(res.Rejected))
	s.logBatch("assets", res)
	return res
}

// Indicators validates and stores a batch of threat indicators, then
// invalidates the correlator cache so new intel takes effect.
func (s *Service) Indicators(ctx context.Context, indicators []model.ThreatIndicator) Result {
	var res Result
	for i, ind := range indicators {
		if err := validateIndicator(ind); err != nil {
			res.Rejected = append(res.Rejected, RecordError{Index: i, Reason: err.Error()})
			continue
		}
		s.store.UpsertIndicator(ind)
		res.Accepted++
	}
	if res.Accepted > 0 {
		s.correlator.Invalidate(ctx)
	}
	s.record(&s.stats.IndicatorsStored, res.Accepted, len(res.Rejected))
	s.logBatch("threat-intel", res)
	return res
}

func (s *Service) logBatch(kind string, res Result) {
	s.logger.Info("telemetry batch ingested",
		zap.String("kind", kind),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", len(res.Rejected)))
}

func validateNetworkLog(l model.NetworkLog) error {
	if l.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	if net.ParseIP(l.SrcIP) == nil {
		return fmt.Errorf("%w: invalid src_ip %q", ErrValidation, l.SrcIP)
	}
	if net.ParseIP(l.DestIP) == nil {
		return fmt.Errorf("%w: invalid dest_ip %q", ErrValidation, l.DestIP)
	}
	switch l.Protocol {
	case model.ProtocolTCP, model.ProtocolUDP, model.ProtocolICMP:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrValidation, l.Protocol)
	}
	switch l.Action {
	case model.ActionAllow, model.ActionDeny:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, l.Action)
	}
	switch l.Label {
	case "", model.LabelNormal, model.LabelAttack:
	default:
		return fmt.Errorf("%w: unknown label %q", ErrValidation, l.Label)
	}
	if l.BytesSent < 0 || l.BytesReceived < 0 {
		return fmt.Errorf("%w: negative byte count", ErrValidation)
	}
	return nil
}

func validateAuthLog(l model.AuthLog) error {
	if l.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	if l.Username == "" {
		return fmt.Errorf("%w: missing username", ErrValidation)
	}
	if net.ParseIP(l.SrcIP) == nil {
		return fmt.Errorf("%w: invalid src_ip %q", ErrValidation, l.SrcIP)
	}
	switch l.Status {
	case model.AuthSuccess, model.AuthFailure:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrValidation, l.Status)
	}
	return nil
}

func validateAsset(a model.AssetRecord) error {
	if a.Host == "" {
		return fmt.Errorf("%w: missing host", ErrValidation)
	}
	if a.IPAddress != "" && net.ParseIP(a.IPAddress) == nil {
		return fmt.Errorf("%w: invalid ip_address %q", ErrValidation, a.IPAddress)
	}
	if a.Criticality < 1 || a.Criticality > 5 {
		return fmt.Errorf("%w: criticality %d out of range 1-5", ErrValidation, a.Criticality)
	}
	return nil
}

func validateIndicator(ind model.ThreatIndicator) error {
	if ind.Indicator == "" {
		return fmt.Errorf("%w: missing indicator value", ErrValidation)
	}
	switch ind.Type {
	case model.IndicatorIP, model.IndicatorDomain, model.IndicatorURL, model.IndicatorHash:
	default:
		return fmt.Errorf("%w: unknown indicator type %q", ErrValidation, ind.Type)
	}
	if ind.Type == model.IndicatorIP && net.ParseIP(ind.Indicator) == nil {
		return fmt.Errorf("%w: invalid IP indicator %q", ErrValidation, ind.Indicator)
	}
	if ind.ThreatLevel < 0 || ind.ThreatLevel > 10 {
		return fmt.Errorf("%w: threat_level %.1f out of range 0-10", ErrValidation, ind.ThreatLevel)
	}
	if !ind.LastSeen.IsZero() && !ind.FirstSeen.IsZero() && ind.LastSeen.Before(ind.FirstSeen) {
		return fmt.Errorf("%w: last_seen before first_seen", ErrValidation)
	}
	return nil
}

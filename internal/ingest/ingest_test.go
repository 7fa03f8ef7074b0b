package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/entity"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s := store.New()
	resolver := entity.NewResolver(s)
	correlator := intel.NewCorrelator(s, nil, time.Minute, zap.NewNop())
	return NewService(s, resolver, correlator, zap.NewNop()), s
}

// TestNetworkLogs_PartialAcceptance verifies bad records are rejected
// individually without aborting the batch.
func TestNetworkLogs_PartialAcceptance(t *testing.T) {
	svc, s := newService(t)
	now := time.Now().UTC()

	res := svc.NetworkLogs(context.Background(), []model.NetworkLog{
		{Timestamp: now, SrcIP: "10.0.0.1", DestIP: "10.0.0.2", Protocol: model.ProtocolTCP, Action: model.ActionAllow},
		{Timestamp: now, SrcIP: "not-an-ip", DestIP: "10.0.0.2", Protocol: model.ProtocolTCP, Action: model.ActionAllow},
		{Timestamp: now, SrcIP: "10.0.0.3", DestIP: "10.0.0.4", Protocol: "SCTP", Action: model.ActionAllow},
		{Timestamp: now, SrcIP: "10.0.0.5", DestIP: "10.0.0.6", Protocol: model.ProtocolUDP, Action: model.ActionDeny},
	})

	if res.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", res.Accepted)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(res.Rejected))
	}
	if res.Rejected[0].Index != 1 || !strings.Contains(res.Rejected[0].Reason, "src_ip") {
		t.Errorf("rejection[0] = %+v, want src_ip failure at index 1", res.Rejected[0])
	}
	if res.Rejected[1].Index != 2 || !strings.Contains(res.Rejected[1].Reason, "protocol") {
		t.Errorf("rejection[1] = %+v, want protocol failure at index 2", res.Rejected[1])
	}

	if got := len(s.NetworkLogsSince(time.Time{})); got != 2 {
		t.Errorf("store holds %d logs, want only the valid 2", got)
	}
}

// TestNetworkLogs_AssignsIDs verifies records without IDs get one.
func TestNetworkLogs_AssignsIDs(t *testing.T) {
	svc, s := newService(t)

	svc.NetworkLogs(context.Background(), []model.NetworkLog{
		{Timestamp: time.Now().UTC(), SrcIP: "10.0.0.1", DestIP: "10.0.0.2", Protocol: model.ProtocolTCP, Action: model.ActionAllow},
	})

	logs := s.NetworkLogsSince(time.Time{})
	if len(logs) != 1 || logs[0].ID == "" {
		t.Error("ingested log should carry a generated ID")
	}
}

// TestNetworkLogs_CreatesIPEntities verifies ingestion lazily creates
// entities for both endpoints.
func TestNetworkLogs_CreatesIPEntities(t *testing.T) {
	svc, s := newService(t)

	svc.NetworkLogs(context.Background(), []model.NetworkLog{
		{Timestamp: time.Now().UTC(), SrcIP: "10.0.0.1", DestIP: "203.0.113.9", Protocol: model.ProtocolTCP, Action: model.ActionDeny},
	})

	for _, ip := range []string{"10.0.0.1", "203.0.113.9"} {
		if _, err := s.Entity(model.EntityKey{Type: model.EntityIP, ID: ip}); err != nil {
			t.Errorf("no entity for %s: %v", ip, err)
		}
	}
}

// TestAuthLogs_Validation covers the per-record auth checks.
func TestAuthLogs_Validation(t *testing.T) {
	svc, _ := newService(t)
	now := time.Now().UTC()

	res := svc.AuthLogs(context.Background(), []model.AuthLog{
		{Timestamp: now, Username: "charlie", SrcIP: "192.168.1.100", Status: model.AuthFailure},
		{Timestamp: now, Username: "", SrcIP: "192.168.1.100", Status: model.AuthFailure},
		{Timestamp: now, Username: "alice", SrcIP: "192.168.1.101", Status: "LOCKED"},
	})

	if res.Accepted != 1 || len(res.Rejected) != 2 {
		t.Errorf("accepted/rejected = %d/%d, want 1/2", res.Accepted, len(res.Rejected))
	}
}

// TestAssets_CriticalityRange rejects out-of-range criticality.
func TestAssets_CriticalityRange(t *testing.T) {
	svc, s := newService(t)

	res := svc.Assets(context.Background(), []model.AssetRecord{
		{Host: "srv-1", IPAddress: "10.0.0.1", Criticality: 5},
		{Host: "srv-2", IPAddress: "10.0.0.2", Criticality: 0},
		{Host: "srv-3", IPAddress: "10.0.0.3", Criticality: 6},
	})

	if res.Accepted != 1 || len(res.Rejected) != 2 {
		t.Fatalf("accepted/rejected = %d/%d, want 1/2", res.Accepted, len(res.Rejected))
	}
	if _, ok := s.Asset("srv-1"); !ok {
		t.Error("valid asset missing from inventory")
	}
}

// TestIndicators_InvalidatesCache verifies freshly ingested intel is
// visible through the correlator immediately.
func TestIndicators_InvalidatesCache(t *testing.T) {
	s := store.New()
	resolver := entity.NewResolver(s)
	correlator := intel.NewCorrelator(s, nil, time.Hour, zap.NewNop())
	svc := NewService(s, resolver, correlator, zap.NewNop())
	ctx := context.Background()

	// Prime a negative cache entry with a long TTL.
	if _, ok := correlator.Match(ctx, "203.0.113.9", model.IndicatorIP); ok {
		t.Fatal("unexpected match before ingestion")
	}

	res := svc.Indicators(ctx, []model.ThreatIndicator{
		{Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 9},
	})
	if res.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", res.Accepted)
	}

	if _, ok := correlator.Match(ctx, "203.0.113.9", model.IndicatorIP); !ok {
		t.Error("new indicator should match right after ingestion")
	}
}

// TestIndicators_Validation covers indicator type and range checks.
func TestIndicators_Validation(t *testing.T) {
	svc, _ := newService(t)
	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	res := svc.Indicators(context.Background(), []model.ThreatIndicator{
		{Indicator: "evil.com", Type: model.IndicatorDomain, ThreatLevel: 8},
		{Indicator: "203.0.113.9", Type: "ASN", ThreatLevel: 5},
		{Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 11},
		{Indicator: "203.0.113.9", Type: model.IndicatorIP, ThreatLevel: 5, FirstSeen: first, LastSeen: first.Add(-time.Hour)},
	})

	if res.Accepted != 1 || len(res.Rejected) != 3 {
		t.Errorf("accepted/rejected = %d/%d, want 1/3", res.Accepted, len(res.Rejected))
	}
}

// TestStats_Accumulates verifies the cumulative counters.
func TestStats_Accumulates(t *testing.T) {
	svc, _ := newService(t)
	now := time.Now().UTC()

	svc.NetworkLogs(context.Background(), []model.NetworkLog{
		{Timestamp: now, SrcIP: "10.0.0.1", DestIP: "10.0.0.2", Protocol: model.ProtocolTCP, Action: model.ActionAllow},
		{Timestamp: now, SrcIP: "bad", DestIP: "10.0.0.2", Protocol: model.ProtocolTCP, Action: model.ActionAllow},
	})
	svc.AuthLogs(context.Background(), []model.AuthLog{
		{Timestamp: now, Username: "charlie", SrcIP: "192.168.1.100", Status: model.AuthSuccess},
	})

	stats := svc.Stats()
	if stats.NetworkAccepted != 1 || stats.AuthAccepted != 1 || stats.RecordsRejected != 1 {
		t.Errorf("stats = %+v, want 1 network, 1 auth, 1 rejected", stats)
	}
	if stats.LastIngestAt.IsZero() {
		t.Error("last ingest timestamp not recorded")
	}
}

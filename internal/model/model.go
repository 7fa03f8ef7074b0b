// Package model defines the core telemetry and risk scoring types shared
// across the ThreatLens engine: raw telemetry records, threat indicators,
// alerts, and the entity risk aggregate.
package model

import (
	"time"
)

// EntityType identifies the kind of entity tracked for risk.
type EntityType string

const (
	EntityHost EntityType = "HOST"
	EntityIP   EntityType = "IP"
	EntityUser EntityType = "USER"
)

// EntityKey is the natural key of an entity.
type EntityKey struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

// String renders the key as "TYPE:id", used for map keys and alert refs.
func (k EntityKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// FactorKind names one scored contributor to an entity's risk score.
type FactorKind string

const (
	FactorCriticalAsset    FactorKind = "CRITICAL_ASSET"
	FactorAttackTarget     FactorKind = "ATTACK_TARGET"
	FactorAlertAssociation FactorKind = "ALERT_ASSOCIATION"
	FactorKnownThreatActor FactorKind = "KNOWN_THREAT_ACTOR"
	FactorDetectedAttack   FactorKind = "DETECTED_ATTACK"
	FactorSuspiciousAuth   FactorKind = "SUSPICIOUS_AUTH"
)

// RiskFactor is one named, scored contributor to an entity's aggregate
// risk score. At most one factor per kind exists per computation cycle.
type RiskFactor struct {
	Factor  FactorKind `json:"factor"`
	Score   float64    `json:"score"`
	Details string     `json:"details"`
}

// Entity is the risk aggregate for a HOST, IP, or USER. The risk score is
// always the clamped sum of the current factor scores; the factor set is
// replaced atomically by the risk aggregator and never mutated field by
// field.
type Entity struct {
	Key         EntityKey    `json:"key"`
	EntityType  EntityType   `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	RiskScore   float64      `json:"risk_score"`
	RiskFactors []RiskFactor `json:"risk_factors"`
	LastUpdated time.Time    `json:"last_updated"`
}

// Protocol values accepted on network logs.
const (
	ProtocolTCP  = "TCP"
	ProtocolUDP  = "UDP"
	ProtocolICMP = "ICMP"
)

// Action values accepted on network logs.
const (
	ActionAllow = "ALLOW"
	ActionDeny  = "DENY"
)

// Label values an engine run may assign to a network log.
const (
	LabelNormal = "normal"
	LabelAttack = "attack"
)

// NetworkLog is a single normalized network flow record.
type NetworkLog struct {
	ID            string    `json:"_id"`
	Timestamp     time.Time `json:"timestamp"`
	SrcIP         string    `json:"src_ip"`
	DestIP        string    `json:"dest_ip"`
	SrcPort       int       `json:"src_port"`
	DestPort      int       `json:"dest_port"`
	Protocol      string    `json:"protocol"`
	Action        string    `json:"action"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Label         string    `json:"label,omitempty"`
}

// AuthStatus values accepted on auth logs.
const (
	AuthSuccess = "SUCCESS"
	AuthFailure = "FAILURE"
)

// AuthLog is a single normalized authentication record.
type AuthLog struct {
	ID         string    `json:"_id"`
	Timestamp  time.Time `json:"timestamp"`
	Username   string    `json:"username"`
	SrcIP      string    `json:"src_ip"`
	DestHost   string    `json:"dest_host"`
	Status     string    `json:"status"`
	AuthMethod string    `json:"auth_method"`
}

// AssetRecord describes a known host in the asset inventory.
// Criticality is a 1-5 integer rating.
type AssetRecord struct {
	Host        string `json:"host"`
	IPAddress   string `json:"ip_address"`
	Owner       string `json:"owner"`
	Criticality int    `json:"criticality"`
}

// IndicatorType identifies the kind of threat indicator value.
type IndicatorType string

const (
	IndicatorIP     IndicatorType = "IP"
	IndicatorDomain IndicatorType = "DOMAIN"
	IndicatorURL    IndicatorType = "URL"
	IndicatorHash   IndicatorType = "HASH"
)

// ThreatIndicator is a threat-intelligence value with its threat level.
// (Indicator, Type) is unique and LastSeen is never before FirstSeen.
type ThreatIndicator struct {
	Indicator   string        `json:"indicator"`
	Type        IndicatorType `json:"type"`
	ThreatLevel float64       `json:"threat_level"`
	Source      string        `json:"source"`
	FirstSeen   time.Time     `json:"first_seen"`
	LastSeen    time.Time     `json:"last_seen"`
	Tags        []string      `json:"tags,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Alert is an immutable detection result. Alerts are append-only and
// deduplicated by (rule_id, entity refs, hour bucket) so overlapping
// detection runs stay idempotent.
type Alert struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	RuleID    string      `json:"rule_id"`
	Entities  []EntityKey `json:"entities"`
	Severity  string      `json:"severity"`
	Details   string      `json:"details,omitempty"`
	Evidence  []string    `json:"evidence,omitempty"`
}

// DedupKey returns the idempotency key for an alert. Entity refs are
// assumed to be in the order the producing rule emitted them, which is
// stable for a given rule.
func (a Alert) DedupKey() string {
	key := a.RuleID
	for _, e := range a.Entities {
		key += "|" + e.String()
	}
	return key + "|" + a.Timestamp.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

package model

import (
	"fmt"
	"time"
)

// EvidenceTier classifies how strongly a resolved link is supported by source text
type EvidenceTier string

const (
	TierInternal     EvidenceTier = "internal"      // Target label echoed in the source instance
	TierMarkdownOnly EvidenceTier = "markdown-only" // Target label only in the source document
	TierNoEvidence   EvidenceTier = "no-evidence"   // Target label absent from the source document
)

// Rank orders tiers from weakest (0) to strongest (2)
func (t EvidenceTier) Rank() int {
	switch t {
	case TierInternal:
		return 2
	case TierMarkdownOnly:
		return 1
	default:
		return 0
	}
}

// ParseEvidenceTier parses a tier name; "" is accepted and means no tier
func ParseEvidenceTier(s string) (EvidenceTier, error) {
	switch EvidenceTier(s) {
	case "", TierInternal, TierMarkdownOnly, TierNoEvidence:
		return EvidenceTier(s), nil
	default:
		return "", fmt.Errorf("unknown evidence tier: %s (supported: internal, markdown-only, no-evidence)", s)
	}
}

// AuditReport is the secondary artifact written next to the staged records
type AuditReport struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	CanonicalCityID string       `json:"canonical_city_id,omitempty"`
	Classes         []ClassAudit `json:"classes"`
	Totals          AuditTotals  `json:"totals"`
	Score           *Score       `json:"score,omitempty"`
}

// ClassAudit summarizes one record class after mapping
type ClassAudit struct {
	Class            string               `json:"class"`
	Instances        int                  `json:"instances"`
	NullFKs          map[string]int       `json:"null_fks,omitempty"`     // Expected FK field -> null count
	Dangling         map[string]int       `json:"dangling_fks,omitempty"` // FK field -> values with no target
	Tiers            map[EvidenceTier]int `json:"tiers,omitempty"`
	Links            []LinkEvidence       `json:"links,omitempty"`
	UniqueViolations []UniqueViolation    `json:"unique_violations,omitempty"`
}

// LinkEvidence records the evidence tier of one resolved FK link
type LinkEvidence struct {
	RecordID string       `json:"record_id"`
	Field    string       `json:"field"`
	Target   string       `json:"target"`
	TargetID string       `json:"target_id"`
	Label    string       `json:"label"`
	Tier     EvidenceTier `json:"tier"`
}

// UniqueViolation lists records that collide on a unique column group
type UniqueViolation struct {
	Columns   []string `json:"columns"`
	Key       string   `json:"key"`
	RecordIDs []string `json:"record_ids"`
}

// AuditTotals aggregates the per-class audit
type AuditTotals struct {
	Instances        int                  `json:"instances"`
	NullFKs          int                  `json:"null_fks"`
	Dangling         int                  `json:"dangling_fks"`
	Links            int                  `json:"links"`
	UniqueViolations int                  `json:"unique_violations"`
	Tiers            map[EvidenceTier]int `json:"tiers"`
}

// Class returns the audit for a class, or nil
func (r *AuditReport) Class(name string) *ClassAudit {
	for i := range r.Classes {
		if r.Classes[i].Class == name {
			return &r.Classes[i]
		}
	}
	return nil
}

// Score is the linkage index of an audited dataset
type Score struct {
	Index      int      `json:"index"`      // Overall linkage index (0-100)
	Confidence string   `json:"confidence"` // "low", "medium", "high"
	Signals    []Signal `json:"signals"`    // Diagnostic signals with transparent data
}

// Signal represents a diagnostic signal with transparent scoring data
type Signal struct {
	Type        SignalType     `json:"type"`
	Severity    SignalSeverity `json:"severity"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// SignalType classifies the type of diagnostic signal
type SignalType string

const (
	SignalLinkCoverage         SignalType = "link_coverage"         // Expected foreign keys filled
	SignalEvidenceDistribution SignalType = "evidence_distribution" // Evidence tier balance of links
	SignalReferentialIntegrity SignalType = "referential_integrity" // Values naming no record
	SignalUniqueness           SignalType = "uniqueness"            // Unique column collisions
	SignalNoCity               SignalType = "no_city"               // No canonical city for the run
)

// SignalSeverity indicates the importance of the signal
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)

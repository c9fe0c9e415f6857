package score

import (
	"fmt"

	"github.com/ppiankov/cityledger/internal/model"
)

// Scorer calculates the linkage index of an audit report
type Scorer struct{}

// NewScorer creates a new scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Calculate scores how completely and how credibly the mapped records are
// linked. The index never changes the records themselves.
func (s *Scorer) Calculate(report *model.AuditReport) model.Score {
	t := report.Totals
	var signals []model.Signal

	// 1. Link Coverage (0-40 points)
	coverageScore, coverageSignal := s.calculateCoverage(t)
	signals = append(signals, coverageSignal)

	// 2. Evidence Distribution (0-30 points)
	evidenceScore, evidenceSignal := s.calculateEvidence(t)
	signals = append(signals, evidenceSignal)

	// 3. Referential Integrity (0-20 points)
	integrityScore, integritySignal := s.calculateIntegrity(t)
	signals = append(signals, integritySignal)

	// 4. Uniqueness (0-10 points)
	uniqueScore, uniqueSignal := s.calculateUniqueness(t)
	signals = append(signals, uniqueSignal)

	total := coverageScore + evidenceScore + integrityScore + uniqueScore

	// 5. Missing city (penalty)
	noCity := report.CanonicalCityID == ""
	if noCity {
		signals = append(signals, model.Signal{
			Type:        model.SignalNoCity,
			Severity:    model.SeverityCritical,
			Description: "No canonical city: city references are empty",
			Data:        map[string]any{"penalty": 10},
		})
		total -= 10
		if total < 0 {
			total = 0
		}
	}

	return model.Score{
		Index:      total,
		Confidence: s.determineConfidence(total, t.Instances, noCity),
		Signals:    signals,
	}
}

// calculateCoverage scores the share of expected references that are filled (0-40 points)
func (s *Scorer) calculateCoverage(t model.AuditTotals) (int, model.Signal) {
	expected := t.Links + t.NullFKs + t.Dangling
	if expected == 0 {
		return 0, model.Signal{
			Type:        model.SignalLinkCoverage,
			Severity:    model.SeverityCritical,
			Description: "No foreign keys to resolve",
			Data:        map[string]any{"links": 0, "null": 0},
		}
	}

	ratio := float64(t.Links) / float64(expected)
	score := t.Links * 40 / expected

	severity := model.SeverityInfo
	if ratio < 0.5 {
		severity = model.SeverityCritical
	} else if ratio < 0.9 {
		severity = model.SeverityWarning
	}

	return score, model.Signal{
		Type:        model.SignalLinkCoverage,
		Severity:    severity,
		Description: fmt.Sprintf("Resolved %d of %d references (%.0f%%)", t.Links, expected, ratio*100),
		Data: map[string]any{
			"links":    t.Links,
			"null":     t.NullFKs,
			"dangling": t.Dangling,
			"ratio":    ratio,
			"score":    score,
			"formula":  "links / (links + null + dangling) * 40",
		},
	}
}

// calculateEvidence weighs resolved links by evidence tier (0-30 points)
func (s *Scorer) calculateEvidence(t model.AuditTotals) (int, model.Signal) {
	if t.Links == 0 {
		return 0, model.Signal{
			Type:        model.SignalEvidenceDistribution,
			Severity:    model.SeverityWarning,
			Description: "No resolved links to weigh",
			Data:        map[string]any{"links": 0},
		}
	}

	internal := t.Tiers[model.TierInternal]
	markdown := t.Tiers[model.TierMarkdownOnly]
	none := t.Tiers[model.TierNoEvidence]

	weightedSum := internal*3 + markdown*2 + none*1
	score := weightedSum * 30 / (t.Links * 3)

	severity := model.SeverityInfo
	if none*2 > t.Links {
		severity = model.SeverityCritical
	} else if internal == 0 {
		severity = model.SeverityWarning
	}

	return score, model.Signal{
		Type:        model.SignalEvidenceDistribution,
		Severity:    severity,
		Description: fmt.Sprintf("Evidence: %d internal, %d markdown-only, %d none", internal, markdown, none),
		Data: map[string]any{
			"internal":      internal,
			"markdown_only": markdown,
			"no_evidence":   none,
			"links":         t.Links,
			"score":         score,
			"formula":       "(internal*3 + markdown_only*2 + no_evidence*1) / (links*3) * 30",
		},
	}
}

// calculateIntegrity penalizes values that name no existing record (0-20 points)
func (s *Scorer) calculateIntegrity(t model.AuditTotals) (int, model.Signal) {
	filled := t.Links + t.Dangling
	if filled == 0 {
		return 0, model.Signal{
			Type:        model.SignalReferentialIntegrity,
			Severity:    model.SeverityWarning,
			Description: "No filled references to check",
			Data:        map[string]any{"filled": 0},
		}
	}

	ratio := float64(t.Links) / float64(filled)
	score := t.Links * 20 / filled

	severity := model.SeverityInfo
	if t.Dangling > 0 {
		severity = model.SeverityCritical
	}

	return score, model.Signal{
		Type:        model.SignalReferentialIntegrity,
		Severity:    severity,
		Description: fmt.Sprintf("Dangling references: %d of %d", t.Dangling, filled),
		Data: map[string]any{
			"dangling": t.Dangling,
			"filled":   filled,
			"ratio":    ratio,
			"score":    score,
			"formula":  "links / (links + dangling) * 20",
		},
	}
}

// calculateUniqueness deducts for records colliding on a unique column group (0-10 points)
func (s *Scorer) calculateUniqueness(t model.AuditTotals) (int, model.Signal) {
	score := 10 - 5*t.UniqueViolations
	if score < 0 {
		score = 0
	}

	severity := model.SeverityInfo
	if t.UniqueViolations > 1 {
		severity = model.SeverityCritical
	} else if t.UniqueViolations == 1 {
		severity = model.SeverityWarning
	}

	return score, model.Signal{
		Type:        model.SignalUniqueness,
		Severity:    severity,
		Description: fmt.Sprintf("Unique-key collisions: %d", t.UniqueViolations),
		Data: map[string]any{
			"violations": t.UniqueViolations,
			"score":      score,
			"formula":    "max(10 - violations*5, 0)",
		},
	}
}

// determineConfidence determines the confidence level based on the score
func (s *Scorer) determineConfidence(score int, instances int, noCity bool) string {
	if noCity {
		return "low"
	}

	if instances < 3 {
		return "low"
	}

	if score >= 80 {
		return "high"
	} else if score >= 60 {
		return "medium"
	}
	return "low"
}

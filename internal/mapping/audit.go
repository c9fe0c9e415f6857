package mapping

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
	"github.com/ppiankov/cityledger/internal/validate"
)

// minLabelLen ignores labels too short to be meaningful evidence
const minLabelLen = 3

// Tier classifies how well the text supports a link to a target with the
// given labels. The strongest tier over all labels wins.
func Tier(labels []string, recordText string, doc *validate.Source) model.EvidenceTier {
	own := validate.Normalize(recordText)
	best := model.TierNoEvidence
	for _, label := range labels {
		norm := validate.Normalize(label)
		if len([]rune(norm)) < minLabelLen {
			continue
		}
		if strings.Contains(own, norm) {
			return model.TierInternal
		}
		if doc != nil && doc.Contains(label) {
			best = model.TierMarkdownOnly
		}
	}
	return best
}

// Verifier audits foreign keys after mapping. It never modifies records.
type Verifier struct {
	registry *schema.Registry
	log      *zap.Logger
}

// NewVerifier creates a presence verifier
func NewVerifier(reg *schema.Registry, log *zap.Logger) *Verifier {
	return &Verifier{registry: reg, log: logging.OrNop(log)}
}

// Audit reports, per class, null expected foreign keys, dangling references,
// unique-key collisions and the evidence tier of every resolved link.
func (v *Verifier) Audit(data model.Dataset, sourceText string, canonicalCityID string) *model.AuditReport {
	doc := validate.NewSource(sourceText)
	ids := indexIDs(v.registry, data)

	report := &model.AuditReport{
		GeneratedAt:     time.Now().UTC(),
		CanonicalCityID: canonicalCityID,
		Totals:          model.AuditTotals{Tiers: map[model.EvidenceTier]int{}},
	}

	for _, c := range v.registry.Classes() {
		instances, ok := data[c.Name]
		if !ok {
			continue
		}

		ca := model.ClassAudit{Class: c.Name, Instances: len(instances)}
		for _, inst := range instances {
			v.auditRecord(c, inst.Record, data, ids, doc, &ca)
		}
		ca.UniqueViolations = uniqueViolations(c, instances)

		report.Totals.Instances += ca.Instances
		report.Totals.Links += len(ca.Links)
		report.Totals.UniqueViolations += len(ca.UniqueViolations)
		for _, n := range ca.NullFKs {
			report.Totals.NullFKs += n
		}
		for _, n := range ca.Dangling {
			report.Totals.Dangling += n
		}
		for tier, n := range ca.Tiers {
			report.Totals.Tiers[tier] += n
		}
		report.Classes = append(report.Classes, ca)
	}

	v.log.Info("audit complete",
		zap.Int("instances", report.Totals.Instances),
		zap.Int("null_fks", report.Totals.NullFKs),
		zap.Int("dangling", report.Totals.Dangling),
		zap.Int("links", report.Totals.Links),
		zap.Int("unique_violations", report.Totals.UniqueViolations),
	)
	return report
}

func (v *Verifier) auditRecord(c *schema.Class, rec model.Record, data model.Dataset, ids map[string]map[string]int, doc *validate.Source, ca *model.ClassAudit) {
	recordID := rec.String(c.PrimaryKey)
	for _, f := range c.ForeignKeys() {
		if rec.IsNull(f.Name) {
			if f.Expected {
				if ca.NullFKs == nil {
					ca.NullFKs = map[string]int{}
				}
				ca.NullFKs[f.Name]++
			}
			continue
		}

		targetID := rec.String(f.Name)
		idx, ok := ids[f.Target][targetID]
		if !ok {
			if ca.Dangling == nil {
				ca.Dangling = map[string]int{}
			}
			ca.Dangling[f.Name]++
			v.log.Warn("dangling foreign key",
				zap.String("class", c.Name), zap.String("record_id", recordID),
				zap.String("field", f.Name), zap.String("target", targetID))
			continue
		}

		target, _ := v.registry.Get(f.Target)
		targetRec := data[f.Target][idx].Record
		labels := LabelValues(target, targetRec)
		tier := Tier(labels, descriptiveText(c, rec), doc)

		if ca.Tiers == nil {
			ca.Tiers = map[model.EvidenceTier]int{}
		}
		ca.Tiers[tier]++
		ca.Links = append(ca.Links, model.LinkEvidence{
			RecordID: recordID,
			Field:    f.Name,
			Target:   f.Target,
			TargetID: targetID,
			Label:    strings.Join(labels, " / "),
			Tier:     tier,
		})
	}
}

// indexIDs maps class -> primary key -> instance index
func indexIDs(reg *schema.Registry, data model.Dataset) map[string]map[string]int {
	ids := make(map[string]map[string]int, len(data))
	for class, instances := range data {
		c, err := reg.Get(class)
		if err != nil {
			continue
		}
		m := make(map[string]int, len(instances))
		for i, inst := range instances {
			if id := inst.Record.String(c.PrimaryKey); id != "" {
				if _, dup := m[id]; !dup {
					m[id] = i
				}
			}
		}
		ids[class] = m
	}
	return ids
}

// uniqueKey joins the values of cols; ok is false when any is null
func uniqueKey(rec model.Record, cols []string) (string, bool) {
	parts := make([]string, len(cols))
	for i, col := range cols {
		if rec.IsNull(col) {
			return "", false
		}
		parts[i] = rec.String(col)
	}
	return strings.Join(parts, "|"), true
}

func uniqueViolations(c *schema.Class, instances []model.Instance) []model.UniqueViolation {
	var out []model.UniqueViolation
	for _, cols := range c.Unique {
		groups := map[string][]string{}
		var order []string
		for _, inst := range instances {
			key, ok := uniqueKey(inst.Record, cols)
			if !ok {
				continue
			}
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], inst.Record.String(c.PrimaryKey))
		}
		for _, key := range order {
			if len(groups[key]) > 1 {
				out = append(out, model.UniqueViolation{Columns: cols, Key: key, RecordIDs: groups[key]})
			}
		}
	}
	return out
}

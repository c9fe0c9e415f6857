package mapping

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
	"github.com/ppiankov/cityledger/internal/validate"
)

// ProblemKind classifies a foreign key the repair pass revisits
type ProblemKind string

const (
	ProblemNull     ProblemKind = "null"     // Expected foreign key still null
	ProblemDangling ProblemKind = "dangling" // Value matches no target instance
	ProblemUnique   ProblemKind = "unique"   // Value makes the record collide on a unique key
)

// Problem is one record/slot pair the repair pass asks about again
type Problem struct {
	Kind     ProblemKind
	Slot     schema.Slot
	Index    int
	RecordID string
	Value    string
	Detail   string
}

// Feedback is the note shown to the model when asking again
func (p Problem) Feedback() string {
	switch p.Kind {
	case ProblemDangling:
		return fmt.Sprintf("The previous value %q is not a known %s id. Choose from the candidates below.", p.Value, p.Slot.Target)
	case ProblemUnique:
		return fmt.Sprintf("The previous choice %q makes this record collide with %s. Pick the candidate this record actually refers to.", p.Value, p.Detail)
	default:
		return "An earlier attempt found no match for this record. Read the candidates again and answer none only if none fits."
	}
}

// Plan lists the problems in data for the mapper's slots, in class order
func (m *Mapper) Plan(data model.Dataset) []Problem {
	ids := indexIDs(m.registry, data)
	var problems []Problem

	for _, group := range m.Slots() {
		for _, slot := range group {
			src, _, ok := m.slotClasses(slot)
			if !ok {
				continue
			}
			f, _ := src.Field(slot.Field)

			planned := map[int]bool{}
			for i, inst := range data[slot.Class] {
				rec := inst.Record
				p := Problem{Slot: slot, Index: i, RecordID: rec.String(src.PrimaryKey)}
				switch {
				case rec.IsNull(slot.Field):
					if !f.Expected {
						continue
					}
					p.Kind = ProblemNull
				default:
					p.Value = rec.String(slot.Field)
					if _, ok := ids[slot.Target][p.Value]; ok {
						continue
					}
					p.Kind = ProblemDangling
				}
				planned[i] = true
				problems = append(problems, p)
			}

			// A record is asked once per pass; its first problem is the one reported
			for _, p := range uniqueProblems(src, slot, data[slot.Class]) {
				if !planned[p.Index] {
					planned[p.Index] = true
					problems = append(problems, p)
				}
			}
		}
	}
	return problems
}

// uniqueProblems flags every record after the first in a collision group,
// for unique groups that contain slot's field
func uniqueProblems(src *schema.Class, slot schema.Slot, instances []model.Instance) []Problem {
	var problems []Problem
	for _, cols := range src.Unique {
		if !containsString(cols, slot.Field) {
			continue
		}
		first := map[string]string{}
		for i, inst := range instances {
			key, ok := uniqueKey(inst.Record, cols)
			if !ok {
				continue
			}
			id := inst.Record.String(src.PrimaryKey)
			if winner, seen := first[key]; seen {
				problems = append(problems, Problem{
					Kind:     ProblemUnique,
					Slot:     slot,
					Index:    i,
					RecordID: id,
					Value:    inst.Record.String(slot.Field),
					Detail:   fmt.Sprintf("%s on (%s)", winner, strings.Join(cols, ", ")),
				})
				continue
			}
			first[key] = id
		}
	}
	return problems
}

// Repair re-asks the model about planned problems for up to passes passes,
// with feedback naming each problem. A new choice that would make the record
// collide on a unique key is reverted. The input is not modified.
func (m *Mapper) Repair(ctx context.Context, data model.Dataset, sourceText string, passes int) (*Result, error) {
	res := &Result{Dataset: data.Clone()}
	doc := validate.NewSource(sourceText)

	for pass := 1; pass <= passes; pass++ {
		problems := m.Plan(res.Dataset)
		if len(problems) == 0 {
			break
		}

		tasks := make([]task, 0, len(problems))
		for _, p := range problems {
			src, tgt, ok := m.slotClasses(p.Slot)
			if !ok {
				continue
			}
			rec := res.Dataset[p.Slot.Class][p.Index].Record
			candidates := Candidates(tgt, res.Dataset[p.Slot.Target], m.labelMax, "")
			tasks = append(tasks, task{
				slot:       p.Slot,
				index:      p.Index,
				record:     rec.Clone(),
				candidates: forRecord(candidates, p.Slot, src, rec),
				feedback:   p.Feedback(),
				previous:   rec[p.Slot.Field],
			})
		}

		m.log.Info("repair pass", zap.Int("pass", pass), zap.Int("problems", len(problems)))
		decisions := m.resolve(ctx, tasks)
		m.applyRepairs(res, tasks, decisions, doc)

		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("repair foreign keys: %w", err)
		}
	}
	return res, nil
}

func (m *Mapper) applyRepairs(res *Result, tasks []task, decisions []decision, doc *validate.Source) {
	ids := indexIDs(m.registry, res.Dataset)

	for i, t := range tasks {
		d := decisions[i]
		summary := res.summary(t.slot)
		if d.called {
			summary.Attempted++
		}
		rec := res.Dataset[t.slot.Class][t.index].Record
		src, _, _ := m.slotClasses(t.slot)
		recID := rec.String(src.PrimaryKey)

		// A dangling value is never kept, whatever the model answers
		fallback := t.previous
		if _, ok := ids[t.slot.Target][model.AsString(t.previous)]; !ok {
			fallback = nil
		}

		choice, reason := m.accept(res.Dataset, t, d, doc)
		if choice != "" && collides(src, res.Dataset[t.slot.Class], t.index, t.slot.Field, choice) {
			m.log.Info("reverting repair that collides on a unique key",
				zap.String("class", t.slot.Class), zap.String("record_id", recID),
				zap.String("field", t.slot.Field), zap.String("target", choice))
			choice, reason = "", "collides on a unique key"
		}

		switch {
		case choice != "":
			rec[t.slot.Field] = choice
			summary.Resolved++
			continue
		case d.err != nil:
			summary.Failed++
		case reason == reasonGated:
			summary.Gated++
		default:
			summary.Unresolved++
		}

		rec[t.slot.Field] = fallback
		if fallback == nil {
			res.Unresolved = append(res.Unresolved, fmt.Errorf("%w: %s %s.%s: %s",
				ErrUnresolvedForeignKey, t.slot.Class, recID, t.slot.Field, reason))
		}
	}
}

// collides reports whether setting field to value on instances[index] would
// give it the same unique key as another instance
func collides(c *schema.Class, instances []model.Instance, index int, field, value string) bool {
	for _, cols := range c.Unique {
		if !containsString(cols, field) {
			continue
		}
		candidate := instances[index].Record.Clone()
		candidate[field] = value
		key, ok := uniqueKey(candidate, cols)
		if !ok {
			continue
		}
		for i, inst := range instances {
			if i == index {
				continue
			}
			if other, ok := uniqueKey(inst.Record, cols); ok && other == key {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

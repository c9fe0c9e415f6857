package extract

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// ErrDuplicateIdentifier marks an instance dropped because an earlier one
// has the same content
var ErrDuplicateIdentifier = errors.New("duplicate identifier")

// PlaceholderID derives a stable UUID for rec from its class and content.
// salt disambiguates records whose content collides with an existing ID.
func PlaceholderID(c *schema.Class, rec model.Record, salt int) string {
	ns := uuid.NewSHA1(uuid.Nil, []byte(c.Name))
	name := DedupKey(c, rec) + ":" + c.PrimaryKey
	if salt > 0 {
		name = fmt.Sprintf("%s#%d", name, salt)
	}
	return uuid.NewSHA1(ns, []byte(name)).String()
}

// AssignIDs fills every missing primary key with a placeholder ID. Existing
// IDs and all other fields are left untouched, so a second run is a no-op.
// The input slice is not modified.
func AssignIDs(c *schema.Class, instances []model.Instance) ([]model.Instance, int) {
	used := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if !inst.Record.IsNull(c.PrimaryKey) {
			used[inst.Record.String(c.PrimaryKey)] = true
		}
	}

	out := make([]model.Instance, len(instances))
	assigned := 0
	for i, inst := range instances {
		out[i] = inst
		if !inst.Record.IsNull(c.PrimaryKey) {
			continue
		}

		rec := inst.Record.Clone()
		if rec == nil {
			rec = model.Record{}
		}
		id := PlaceholderID(c, rec, 0)
		for salt := 1; used[id]; salt++ {
			id = PlaceholderID(c, rec, salt)
		}
		used[id] = true
		rec[c.PrimaryKey] = id
		out[i] = model.Instance{Record: rec, Provenance: inst.Provenance}
		assigned++
	}
	return out, assigned
}

// FinalizeResult reports what Finalize changed
type FinalizeResult struct {
	Instances  []model.Instance
	Assigned   int
	Reassigned int     // Instances whose repeated primary key was replaced
	Dropped    []error // Each wraps ErrDuplicateIdentifier
}

// Finalize assigns IDs and then drops later instances that repeat an
// earlier one's dedup key. First seen wins. A later instance with new content
// under an already used primary key keeps its content and gets a fresh
// placeholder ID.
func Finalize(c *schema.Class, instances []model.Instance, log *zap.Logger) FinalizeResult {
	log = logging.OrNop(log)

	withIDs, assigned := AssignIDs(c, instances)
	res := FinalizeResult{Assigned: assigned}

	taken := make(map[string]bool, len(withIDs))
	for _, inst := range withIDs {
		taken[inst.Record.String(c.PrimaryKey)] = true
	}

	keys := make(map[string]string, len(withIDs))
	ids := make(map[string]bool, len(withIDs))
	for _, inst := range withIDs {
		id := inst.Record.String(c.PrimaryKey)
		key := DedupKey(c, inst.Record)

		if first := keys[key]; first != "" {
			err := fmt.Errorf("%w: %s %s repeats the content of %s", ErrDuplicateIdentifier, c.Name, id, first)
			log.Debug("dropping duplicate instance", zap.String("class", c.Name), zap.String("record_id", id), zap.Error(err))
			res.Dropped = append(res.Dropped, err)
			continue
		}

		if ids[id] {
			fresh := PlaceholderID(c, inst.Record, 0)
			for salt := 1; taken[fresh]; salt++ {
				fresh = PlaceholderID(c, inst.Record, salt)
			}
			taken[fresh] = true
			log.Debug("replacing repeated primary key",
				zap.String("class", c.Name),
				zap.String("record_id", id),
				zap.String("new_id", fresh),
			)
			rec := inst.Record.Clone()
			rec[c.PrimaryKey] = fresh
			inst = model.Instance{Record: rec, Provenance: inst.Provenance}
			id = fresh
			res.Reassigned++
		}

		ids[id] = true
		keys[key] = id
		res.Instances = append(res.Instances, inst)
	}
	return res
}

package mapping

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// ErrNoCity is returned when neither an extracted City nor an override is available
var ErrNoCity = errors.New("no canonical city")

// CityResult is the outcome of city canonicalization
type CityResult struct {
	Dataset     model.Dataset
	CanonicalID string
	Created     bool // The override city was added to the dataset
	Rewritten   int  // cityId fields set to the canonical ID
	Duplicates  int  // Other City records left in place
}

// CanonicalizeCity picks one canonical city for the run and points every
// cityId reference at it. The override wins when it names an extracted City
// or carries a name to create one; otherwise the first City instance with a
// name is used. Other City records are kept untouched:
// only references are redirected. The input is not modified.
func CanonicalizeCity(reg *schema.Registry, data model.Dataset, override model.CityOverride, log *zap.Logger) (*CityResult, error) {
	log = logging.OrNop(log)
	if reg.CityClass == "" {
		return nil, fmt.Errorf("canonicalize city: registry declares no city class")
	}
	cityClass, err := reg.Get(reg.CityClass)
	if err != nil {
		return nil, err
	}

	res := &CityResult{Dataset: data.Clone()}
	cities := res.Dataset[cityClass.Name]

	useOverride := override.IsSet()
	if useOverride && override.Name == "" && !hasID(cities, cityClass.PrimaryKey, override.ID) {
		// Without a name the override city cannot be created, and a reference
		// to it would dangle.
		log.Warn("city override names no extracted city and has no name; using the first extracted city",
			zap.String("city_id", override.ID))
		useOverride = false
	}

	if useOverride {
		res.CanonicalID = override.ID
		if !hasID(cities, cityClass.PrimaryKey, override.ID) {
			rec := model.Record{cityClass.PrimaryKey: override.ID, "cityName": override.Name}
			if override.Country != "" {
				rec["country"] = override.Country
			}
			res.Dataset[cityClass.Name] = append([]model.Instance{{Record: rec}}, cities...)
			res.Created = true
		}
	} else {
		for _, inst := range cities {
			if inst.Record.IsNull(cityClass.PrimaryKey) || inst.Record.IsNull(firstLabel(cityClass)) {
				continue
			}
			res.CanonicalID = inst.Record.String(cityClass.PrimaryKey)
			break
		}
	}
	if res.CanonicalID == "" {
		return nil, ErrNoCity
	}

	for _, inst := range res.Dataset[cityClass.Name] {
		if id := inst.Record.String(cityClass.PrimaryKey); id != res.CanonicalID {
			res.Duplicates++
			log.Info("keeping non-canonical city record", zap.String("record_id", id), zap.String("canonical", res.CanonicalID))
		}
	}

	for _, c := range reg.Classes() {
		for _, f := range c.ForeignKeys() {
			if !reg.IsCityField(f) {
				continue
			}
			for _, inst := range res.Dataset[c.Name] {
				inst.Record[f.Name] = res.CanonicalID
				res.Rewritten++
			}
		}
	}

	log.Info("canonical city chosen",
		zap.String("city_id", res.CanonicalID),
		zap.Bool("override", useOverride),
		zap.Int("rewritten", res.Rewritten),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

func hasID(instances []model.Instance, pk, id string) bool {
	for _, inst := range instances {
		if inst.Record.String(pk) == id {
			return true
		}
	}
	return false
}

func firstLabel(c *schema.Class) string {
	if len(c.Labels) > 0 {
		return c.Labels[0]
	}
	return c.PrimaryKey
}

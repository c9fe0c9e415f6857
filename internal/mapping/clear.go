package mapping

import (
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// ClearForeignKeys sets every declared foreign key of every instance to null.
// Values guessed during extraction are never trusted, so mapping always starts
// from a clean state. The input is not modified. Classes unknown to the
// registry are copied as is. It returns the number of non-null values cleared.
func ClearForeignKeys(reg *schema.Registry, data model.Dataset) (model.Dataset, int) {
	out := data.Clone()
	cleared := 0

	for class, instances := range out {
		c, err := reg.Get(class)
		if err != nil {
			continue
		}
		fks := c.ForeignKeys()
		for _, inst := range instances {
			for _, f := range fks {
				if !inst.Record.IsNull(f.Name) {
					cleared++
				}
				inst.Record[f.Name] = nil
			}
		}
	}
	return out, cleared
}

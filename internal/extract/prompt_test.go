package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ppiankov/cityledger/internal/chunk"
	"github.com/ppiankov/cityledger/internal/model"
)

func TestSummarize(t *testing.T) {
	if got := Summarize(nil, 10, nil); got != "None yet." {
		t.Errorf("expected None yet., got %q", got)
	}

	var instances []model.Instance
	for i := 0; i < 5; i++ {
		table := ""
		if i%2 == 0 {
			table = "year|value"
		}
		instances = append(instances, model.Instance{
			Record:     model.Record{"sectorName": fmt.Sprintf("S%d", i), "misc": map[string]any{"x": 1}},
			Provenance: model.Provenance{Table: table},
		})
	}

	got := Summarize(instances, 2, nil)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 || lines[0] != "... (3 earlier)" {
		t.Fatalf("unexpected summary:\n%s", got)
	}
	if !strings.Contains(lines[2], `"S4"`) || strings.Contains(got, "misc") {
		t.Errorf("expected newest last without misc, got:\n%s", got)
	}

	scoped := Summarize(instances, 0, []string{"year|value"})
	if strings.Count(scoped, "\n")+1 != 3 || strings.Contains(scoped, `"S1"`) {
		t.Errorf("expected only table instances, got:\n%s", scoped)
	}
}

func TestUserPrompt_ChunkedWithTables(t *testing.T) {
	c := mustClass(t, "CityTarget")
	ch := chunk.Chunk{Index: 1, ID: "Targets", Text: "| Year | Target |", Tables: []string{"year|target"}}

	got := UserPrompt(c, ch, 3, "None yet.")
	for _, want := range []string{"Record class: CityTarget", "Document part 2 of 3 (Targets)", "table_signature=<sig>", "year|target"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

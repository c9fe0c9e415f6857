package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

const testRegistry = `
city:
  class: City
  field: cityId
classes:
  - name: City
    primary_key: cityId
    labels: [cityName]
    fields:
      - {name: cityId, type: uuid}
      - {name: cityName, required: true}
      - {name: country, required: true}
  - name: Sector
    primary_key: sectorId
    labels: [sectorName]
    fields:
      - {name: sectorId, type: uuid}
      - {name: sectorName, required: true}
  - name: Initiative
    primary_key: initiativeId
    labels: [title]
    fields:
      - {name: initiativeId, type: uuid}
      - {name: cityId, kind: foreign_key, target: City, expected: true}
      - {name: sectorId, kind: foreign_key, target: Sector, expected: true}
      - {name: title, required: true}
      - {name: startYear, kind: verified, type: integer}
`

const testSource = `# Vienna Climate City Contract

Vienna, Austria commits to climate neutrality by 2040.

The Energy sector and the Transport sector produce most emissions.

The Bike lanes project, starting in 2024, belongs to the Transport sector.
`

var testItems = map[string][]string{
	"City":   {`{"cityName":"Vienna","country":"Austria"}`},
	"Sector": {`{"sectorName":"Energy"}`, `{"sectorName":"Transport"}`},
	"Initiative": {`{"title":"Bike lanes","sectorId":"Transport",
		"startYear":{"value":2024,"quote":"starting in 2024","confidence":0.9}}`},
}

var (
	classLine = regexp.MustCompile(`(?m)^Record class: (\S+)$`)
	candidate = regexp.MustCompile(`(?m)^- id=(\S+) \| (.*)$`)
)

// fakeModel records every class once, then declares it complete. Mapping
// calls pick the candidate whose label contains prefer, or the first one.
type fakeModel struct {
	prefer string

	mu      sync.Mutex
	extract int
	mapping int
}

func (f *fakeModel) Name() string                       { return "fake" }
func (f *fakeModel) IsAvailable(_ context.Context) bool { return true }

func (f *fakeModel) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	for _, tool := range req.Tools {
		if tool.Name == llm.ToolChooseLink {
			return f.choose(req.Messages[0].Content), nil
		}
	}

	f.mu.Lock()
	f.extract++
	f.mu.Unlock()

	if last := req.Messages[len(req.Messages)-1]; last.Role == llm.RoleTool {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "done", Name: llm.ToolAllExtracted, Arguments: `{}`}}}, nil
	}
	m := classLine.FindStringSubmatch(req.Messages[0].Content)
	if m == nil {
		return nil, errors.New("no class in prompt")
	}
	args := `{"items":[` + strings.Join(testItems[m[1]], ",") + `]}`
	return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "rec", Name: llm.ToolRecordInstances, Arguments: args}}}, nil
}

func (f *fakeModel) choose(prompt string) *llm.ChatResponse {
	f.mu.Lock()
	f.mapping++
	f.mu.Unlock()

	choice := llm.NoMatch
	for i, m := range candidate.FindAllStringSubmatch(prompt, -1) {
		if i == 0 || (f.prefer != "" && strings.Contains(m[2], f.prefer)) {
			choice = m[1]
		}
	}
	args, _ := json.Marshal(map[string]string{"candidate_id": choice})
	return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "map", Name: llm.ToolChooseLink, Arguments: string(args)}}}
}

func (f *fakeModel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extract, f.mapping
}

func newTestPipeline(t *testing.T, provider llm.Provider, dir string) *Pipeline {
	t.Helper()
	reg, err := schema.Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	cfg := model.DefaultConfig()
	cfg.Output.Dir = dir
	cfg.Extraction.ChunkTokens = 0
	cfg.Concurrency.Workers = 2
	cfg.Retry = model.RetryConfig{MaxAttempts: 1}
	cfg.Mapping.RetryPasses = 1
	return New(cfg, reg, provider, nil)
}

func findByField(instances []model.Instance, field, value string) model.Record {
	for _, inst := range instances {
		if inst.Record.String(field) == value {
			return inst.Record
		}
	}
	return nil
}

func TestRun_ExtractsMapsAndAudits(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeModel{}
	p := newTestPipeline(t, fake, dir)

	report, err := p.Run(context.Background(), testSource, ExtractOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Extract.Failed() != 0 {
		t.Fatalf("unexpected class failures: %v", report.Extract.Errors)
	}
	for _, s := range report.Extract.Classes {
		if s.Stop != model.StopCompleted {
			t.Errorf("%s stopped with %s", s.Class, s.Stop)
		}
	}

	layout := p.Layout()
	for _, class := range []string{"City", "Sector", "Initiative"} {
		for _, stage := range []string{ExtractionDir, ClearedDir, CityDir, MappedDir} {
			if !layout.HasClass(stage, class) {
				t.Errorf("missing %s artifact for %s", stage, class)
			}
		}
	}

	cleared, err := layout.ReadClass(ClearedDir, "Initiative")
	if err != nil {
		t.Fatalf("read cleared: %v", err)
	}
	if !cleared[0].Record.IsNull("sectorId") {
		t.Errorf("step 1 must null extracted foreign keys, got %v", cleared[0].Record["sectorId"])
	}

	mapped, err := layout.ReadDataset(MappedDir)
	if err != nil {
		t.Fatalf("read mapped: %v", err)
	}
	city := mapped["City"][0].Record.String("cityId")
	if city == "" || report.Map.CanonicalCityID != city {
		t.Fatalf("canonical city %q does not match City record %q", report.Map.CanonicalCityID, city)
	}
	energy := findByField(mapped["Sector"], "sectorName", "Energy")
	initiative := mapped["Initiative"][0].Record
	if initiative.String("cityId") != city {
		t.Errorf("expected cityId %s, got %v", city, initiative["cityId"])
	}
	if initiative.String("sectorId") != energy.String("sectorId") {
		t.Errorf("expected first candidate %s, got %v", energy.String("sectorId"), initiative["sectorId"])
	}
	if initiative["startYear"] == nil {
		t.Error("verified value lost during mapping")
	}

	run, err := layout.ReadRun()
	if err != nil || run.CanonicalCityID != city {
		t.Errorf("unexpected run info %+v (%v)", run, err)
	}
	audit, err := layout.ReadAudit()
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if audit.Totals.NullFKs != 0 || audit.Totals.Dangling != 0 || audit.CanonicalCityID != city {
		t.Errorf("unexpected audit totals: %+v", audit.Totals)
	}
	if audit.Score == nil || audit.Score.Index == 0 {
		t.Errorf("expected a linkage index in the audit, got %+v", audit.Score)
	}

	var out bytes.Buffer
	r := NewRenderer(&out)
	r.RenderExtraction(report.Extract)
	r.RenderMapping(report.Map)
	for _, want := range []string{"Extraction", "Initiative", "Canonical city:  " + city, "Audit"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("rendered summary missing %q:\n%s", want, out.String())
		}
	}
}

func TestExtract_ResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeModel{}
	p := newTestPipeline(t, fake, dir)

	if _, err := p.Extract(context.Background(), testSource, ExtractOptions{Classes: []string{"Sector"}}); err != nil {
		t.Fatalf("first extract: %v", err)
	}
	first, _ := p.Layout().ReadClass(ExtractionDir, "Sector")

	report, err := p.Extract(context.Background(), testSource, ExtractOptions{Classes: []string{"Sector"}})
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	s := report.Classes[0]
	if s.Prior != 2 || s.Accepted != 0 || s.Duplicates != 2 {
		t.Errorf("expected resume to collapse repeats, got %+v", s)
	}

	second, _ := p.Layout().ReadClass(ExtractionDir, "Sector")
	if len(second) != 2 {
		t.Fatalf("expected 2 sectors after resume, got %d", len(second))
	}
	for i := range first {
		if first[i].Record.String("sectorId") != second[i].Record.String("sectorId") {
			t.Errorf("identifier changed across runs: %v vs %v", first[i].Record["sectorId"], second[i].Record["sectorId"])
		}
	}

	fresh, err := p.Extract(context.Background(), testSource, ExtractOptions{Classes: []string{"Sector"}, Fresh: true})
	if err != nil {
		t.Fatalf("fresh extract: %v", err)
	}
	if fresh.Classes[0].Prior != 0 || fresh.Classes[0].Accepted != 2 {
		t.Errorf("fresh run must ignore the checkpoint, got %+v", fresh.Classes[0])
	}
}

func TestExtract_RejectsUnknownClassBeforeCalls(t *testing.T) {
	fake := &fakeModel{}
	p := newTestPipeline(t, fake, t.TempDir())

	_, err := p.Extract(context.Background(), testSource, ExtractOptions{Classes: []string{"Sector", "Nope"}})
	if !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
	if n, _ := fake.counts(); n != 0 {
		t.Errorf("expected no model calls, got %d", n)
	}

	if _, err := p.Extract(context.Background(), "", ExtractOptions{}); !errors.Is(err, ErrEmptySource) {
		t.Errorf("expected ErrEmptySource, got %v", err)
	}
}

func TestMap_RequiresExtraction(t *testing.T) {
	p := newTestPipeline(t, &fakeModel{}, t.TempDir())
	if _, err := p.Map(context.Background(), testSource, MapOptions{}); !errors.Is(err, ErrNoArtifacts) {
		t.Errorf("expected ErrNoArtifacts, got %v", err)
	}
	if _, err := p.Audit(testSource); !errors.Is(err, ErrNoArtifacts) {
		t.Errorf("expected ErrNoArtifacts from audit, got %v", err)
	}
}

func TestMap_SingleTable(t *testing.T) {
	dir := t.TempDir()
	if _, err := newTestPipeline(t, &fakeModel{}, dir).Run(context.Background(), testSource, ExtractOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	layout := Layout{Root: dir}
	before, _ := layout.ReadDataset(MappedDir)

	fake := &fakeModel{prefer: "Transport"}
	p := newTestPipeline(t, fake, dir)
	report, err := p.Map(context.Background(), testSource, MapOptions{Table: "Initiative"})
	if err != nil {
		t.Fatalf("table map failed: %v", err)
	}
	if report.Cleared != 1 {
		t.Errorf("expected only sectorId cleared, got %d", report.Cleared)
	}
	if _, calls := fake.counts(); calls != 1 {
		t.Errorf("expected 1 mapping call, got %d", calls)
	}

	after, _ := layout.ReadDataset(MappedDir)
	transport := findByField(after["Sector"], "sectorName", "Transport")
	got := after["Initiative"][0].Record
	if got.String("sectorId") != transport.String("sectorId") {
		t.Errorf("expected remap to Transport, got %v", got["sectorId"])
	}
	if got.String("cityId") != before["Initiative"][0].Record.String("cityId") {
		t.Error("city reference must survive a table remap")
	}
	if len(after["Sector"]) != len(before["Sector"]) {
		t.Error("other classes must be untouched")
	}

	if _, err := p.Map(context.Background(), testSource, MapOptions{Table: "Nope"}); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Errorf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestMap_CityOverride(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipeline(t, &fakeModel{}, dir)
	p.cfg.Mapping.City = model.CityOverride{ID: "city-vienna", Name: "Wien", Country: "Austria"}

	report, err := p.Run(context.Background(), testSource, ExtractOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Map.CanonicalCityID != "city-vienna" || !report.Map.City.Created {
		t.Errorf("expected override city to be created, got %+v", report.Map.City)
	}
	mapped, _ := p.Layout().ReadClass(MappedDir, "Initiative")
	if mapped[0].Record.String("cityId") != "city-vienna" {
		t.Errorf("expected override cityId, got %v", mapped[0].Record["cityId"])
	}
}

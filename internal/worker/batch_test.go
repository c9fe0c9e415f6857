package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/cityledger/internal/model"
)

// mockExtractor implements ClassExtractor
type mockExtractor struct {
	mu      sync.Mutex
	failing map[string]bool
	seen    []string
}

func (m *mockExtractor) ExtractClass(ctx context.Context, class string) (model.ClassSummary, error) {
	time.Sleep(5 * time.Millisecond) // Simulate work
	m.mu.Lock()
	m.seen = append(m.seen, class)
	m.mu.Unlock()

	if m.failing[class] {
		return model.ClassSummary{Class: class, Stop: model.StopProtocolViolation}, errors.New("protocol violation")
	}
	return model.ClassSummary{Class: class, Accepted: 2, Stop: model.StopCompleted}, nil
}

func TestExtractionBatch_Run(t *testing.T) {
	extractor := &mockExtractor{failing: map[string]bool{"Indicator": true}}
	batch := NewExtractionBatch(extractor, 2)

	classes := []string{"City", "Sector", "Indicator", "Initiative"}
	results := batch.Run(context.Background(), classes)

	if len(results) != len(classes) {
		t.Fatalf("expected %d results, got %d", len(classes), len(results))
	}

	for i, res := range results {
		if res.Class != classes[i] {
			t.Errorf("expected result %d for %s, got %s", i, classes[i], res.Class)
		}
	}

	// One class failing does not stop the others
	if results[2].Error == nil {
		t.Error("expected Indicator to fail")
	}
	for _, i := range []int{0, 1, 3} {
		if results[i].Error != nil {
			t.Errorf("unexpected error for %s: %v", results[i].Class, results[i].Error)
		}
		if results[i].Summary.Accepted != 2 {
			t.Errorf("expected summary for %s, got %+v", results[i].Class, results[i].Summary)
		}
	}
}

func TestExtractionBatch_Empty(t *testing.T) {
	batch := NewExtractionBatch(&mockExtractor{}, 2)

	results := batch.Run(context.Background(), nil)
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestExtractionBatch_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	extractor := &mockExtractor{}
	results := NewExtractionBatch(extractor, 1).Run(ctx, []string{"City", "Sector"})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if !errors.Is(res.Error, context.Canceled) {
			t.Errorf("expected cancelled result for %s, got %v", res.Class, res.Error)
		}
		if res.Summary.Stop != model.StopCancelled {
			t.Errorf("expected stop=cancelled for %s, got %s", res.Class, res.Summary.Stop)
		}
	}
	if len(extractor.seen) != 0 {
		t.Errorf("expected no class to start, got %v", extractor.seen)
	}
}

func TestClassResult_GetError(t *testing.T) {
	r1 := &ClassResult{Class: "City"}
	if r1.GetError() != nil {
		t.Errorf("expected nil error, got %v", r1.GetError())
	}

	expected := errors.New("extract failed")
	r2 := &ClassResult{Class: "City", Error: expected}
	if r2.GetError() != expected {
		t.Errorf("expected %v, got %v", expected, r2.GetError())
	}
}

func TestReadClassesFromFile(t *testing.T) {
	content := `City
# comment
Sector
   
Initiative   
City`

	tmpfile, err := os.CreateTemp("", "classes")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	classes, err := ReadClassesFromFile(tmpfile.Name())
	if err != nil {
		t.Fatalf("ReadClassesFromFile failed: %v", err)
	}

	expected := []string{"City", "Sector", "Initiative"}
	if len(classes) != len(expected) {
		t.Fatalf("expected %d classes, got %d", len(expected), len(classes))
	}
	for i, c := range classes {
		if c != expected[i] {
			t.Errorf("expected class %s at index %d, got %s", expected[i], i, c)
		}
	}
}

func TestReadClassesFromFile_NonExistent(t *testing.T) {
	if _, err := ReadClassesFromFile("non_existent_file.txt"); err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}

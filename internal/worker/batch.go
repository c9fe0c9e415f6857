package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/cityledger/internal/model"
)

// ClassExtractor runs the extraction loop for one record class
type ClassExtractor interface {
	ExtractClass(ctx context.Context, class string) (model.ClassSummary, error)
}

// ClassJob represents the extraction of one record class
type ClassJob struct {
	Class     string
	Extractor ClassExtractor
}

// Execute executes the class job
func (j *ClassJob) Execute(ctx context.Context) Result {
	summary, err := j.Extractor.ExtractClass(ctx, j.Class)
	if summary.Class == "" {
		summary.Class = j.Class
	}
	return &ClassResult{
		Class:   j.Class,
		Summary: summary,
		Error:   err,
	}
}

// ClassResult represents the result of a class job
type ClassResult struct {
	Class   string
	Summary model.ClassSummary
	Error   error
}

// GetError returns the error from the class result
func (r *ClassResult) GetError() error {
	return r.Error
}

// ExtractionBatch extracts several classes concurrently. Classes share no
// state during extraction, so the pool only joins on completion.
type ExtractionBatch struct {
	extractor   ClassExtractor
	concurrency int
}

// NewExtractionBatch creates a new extraction batch
func NewExtractionBatch(extractor ClassExtractor, concurrency int) *ExtractionBatch {
	return &ExtractionBatch{
		extractor:   extractor,
		concurrency: concurrency,
	}
}

// Run extracts every class and returns results in input order. Classes the
// pool never started (because ctx was cancelled) get a cancelled result.
func (b *ExtractionBatch) Run(ctx context.Context, classes []string) []*ClassResult {
	if len(classes) == 0 {
		return []*ClassResult{}
	}

	pool := NewPool(ctx, b.concurrency)
	pool.Start()

	for _, class := range classes {
		if !pool.Submit(&ClassJob{Class: class, Extractor: b.extractor}) {
			break
		}
	}

	byClass := make(map[string]*ClassResult, len(classes))
	for _, result := range pool.Wait() {
		r := result.(*ClassResult)
		byClass[r.Class] = r
	}

	out := make([]*ClassResult, len(classes))
	for i, class := range classes {
		if r, ok := byClass[class]; ok {
			out[i] = r
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		out[i] = &ClassResult{
			Class:   class,
			Summary: model.ClassSummary{Class: class, Stop: model.StopCancelled},
			Error:   err,
		}
	}
	return out
}

// ReadClassesFromFile reads record class names from a file (one per line)
func ReadClassesFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var classes []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			classes = append(classes, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return classes, nil
}

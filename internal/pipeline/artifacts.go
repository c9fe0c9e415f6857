package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/util"
)

// Staged output directories, relative to the output root
const (
	ExtractionDir = "extraction"
	ClearedDir    = "mapping/step1_cleared"
	CityDir       = "mapping/step2_city"
	MappedDir     = "mapping/step3_llm"
	AuditFile     = "mapping/audit.json"
	RunFile       = "mapping/run.json"
)

// ErrNoArtifacts is returned when a stage finds no input from the previous one
var ErrNoArtifacts = errors.New("no staged artifacts")

// Layout resolves staged output paths under one root directory
type Layout struct {
	Root string
}

// Dir returns the absolute-or-relative path of a stage directory
func (l Layout) Dir(stage string) string {
	return filepath.Join(l.Root, filepath.FromSlash(stage))
}

// ClassPath returns the per-class JSON file of a stage
func (l Layout) ClassPath(stage, class string) string {
	return filepath.Join(l.Dir(stage), class+".json")
}

// RunInfo records run-scoped values shared by the mapping stages
type RunInfo struct {
	CanonicalCityID string    `json:"canonical_city_id,omitempty"`
	Source          string    `json:"source,omitempty"`
	MappedAt        time.Time `json:"mapped_at"`
}

// WriteClass writes one class artifact atomically: readers see either the
// previous file or the complete new one
func (l Layout) WriteClass(stage, class string, instances []model.Instance) error {
	if instances == nil {
		instances = []model.Instance{}
	}
	return writeJSON(l.ClassPath(stage, class), instances)
}

// ReadClass reads one class artifact. A missing file yields fs.ErrNotExist.
func (l Layout) ReadClass(stage, class string) ([]model.Instance, error) {
	data, err := os.ReadFile(l.ClassPath(stage, class))
	if err != nil {
		return nil, err
	}
	var instances []model.Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", stage, class, err)
	}
	return instances, nil
}

// WriteDataset writes every class of data into stage
func (l Layout) WriteDataset(stage string, data model.Dataset) error {
	for _, class := range data.Classes() {
		if err := l.WriteClass(stage, class, data[class]); err != nil {
			return fmt.Errorf("write %s/%s: %w", stage, class, err)
		}
	}
	return nil
}

// ReadDataset reads every class artifact of stage
func (l Layout) ReadDataset(stage string) (model.Dataset, error) {
	paths, err := filepath.Glob(filepath.Join(l.Dir(stage), "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoArtifacts, l.Dir(stage))
	}
	sort.Strings(paths)

	data := make(model.Dataset, len(paths))
	for _, path := range paths {
		class := strings.TrimSuffix(filepath.Base(path), ".json")
		instances, err := l.ReadClass(stage, class)
		if err != nil {
			return nil, err
		}
		data[class] = instances
	}
	return data, nil
}

// HasClass reports whether stage holds an artifact for class
func (l Layout) HasClass(stage, class string) bool {
	_, err := os.Stat(l.ClassPath(stage, class))
	return err == nil
}

// WriteAudit writes the audit report next to the staged records
func (l Layout) WriteAudit(report *model.AuditReport) error {
	return writeJSON(filepath.Join(l.Root, filepath.FromSlash(AuditFile)), report)
}

// ReadAudit reads the audit report
func (l Layout) ReadAudit() (*model.AuditReport, error) {
	var report model.AuditReport
	if err := readJSON(filepath.Join(l.Root, filepath.FromSlash(AuditFile)), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// WriteRun stores run-scoped values
func (l Layout) WriteRun(info RunInfo) error {
	return writeJSON(filepath.Join(l.Root, filepath.FromSlash(RunFile)), info)
}

// ReadRun loads run-scoped values; a missing file yields the zero RunInfo
func (l Layout) ReadRun() (RunInfo, error) {
	var info RunInfo
	err := readJSON(filepath.Join(l.Root, filepath.FromSlash(RunFile)), &info)
	if errors.Is(err, fs.ErrNotExist) {
		return RunInfo{}, nil
	}
	return info, err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return util.WriteFileAtomic(path, append(data, '\n'), 0644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Package store loads mapped records into a SQLite database whose tables
// mirror the record-class registry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// Store is a SQLite database holding one table per record class
type Store struct {
	db       *sql.DB
	registry *schema.Registry
	log      *zap.Logger
}

// LoadReport counts what Load wrote per class
type LoadReport struct {
	Loaded  map[string]int
	Skipped map[string]int // Missing a primary key or a required value
	Nulled  map[string]int // Foreign keys pointing at no loaded record
}

// Open opens or creates the database at path and creates missing tables
func Open(ctx context.Context, path string, registry *schema.Registry, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps per-connection pragmas in force for every statement.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, registry: registry, log: logging.OrNop(log)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for ad-hoc queries
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	order, err := s.registry.DependencyOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		c, err := s.registry.Get(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, createTable(c)); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func createTable(c *schema.Class) string {
	var cols []string
	for _, f := range c.Fields {
		col := quote(f.Name) + " " + columnType(f)
		switch {
		case f.Name == c.PrimaryKey:
			col += " PRIMARY KEY"
		case f.IsForeignKey():
			col += fmt.Sprintf(" REFERENCES %s", quote(f.Target))
		case f.Required:
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols, quote(model.MiscField)+" TEXT")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", quote(c.Name), strings.Join(cols, ",\n  "))
}

func columnType(f schema.Field) string {
	if f.IsForeignKey() {
		return "TEXT"
	}
	switch f.Type {
	case "integer":
		return "INTEGER"
	case "number":
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Load upserts every instance of data in one transaction, parents before
// children. Foreign keys are checked at commit, so self references load in
// any order. A foreign key whose target is not in data is stored as NULL.
func (s *Store) Load(ctx context.Context, data model.Dataset) (*LoadReport, error) {
	order, err := s.registry.DependencyOrder()
	if err != nil {
		return nil, err
	}
	ids := loadedIDs(s.registry, data)
	report := &LoadReport{
		Loaded:  make(map[string]int),
		Skipped: make(map[string]int),
		Nulled:  make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("defer foreign keys: %w", err)
	}

	for _, name := range order {
		instances := data[name]
		if len(instances) == 0 {
			continue
		}
		c, err := s.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if err := s.loadClass(ctx, tx, c, instances, ids, report); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("records loaded",
		zap.Any("loaded", report.Loaded),
		zap.Any("skipped", report.Skipped),
	)
	return report, nil
}

func (s *Store) loadClass(ctx context.Context, tx *sql.Tx, c *schema.Class, instances []model.Instance, ids map[string]map[string]bool, report *LoadReport) error {
	cols := make([]string, 0, len(c.Fields)+1)
	marks := make([]string, 0, len(c.Fields)+1)
	for _, f := range c.Fields {
		cols = append(cols, quote(f.Name))
		marks = append(marks, "?")
	}
	cols = append(cols, quote(model.MiscField))
	marks = append(marks, "?")

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quote(c.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", c.Name, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, inst := range instances {
		args, ok := s.row(c, inst, ids, report)
		if !ok {
			report.Skipped[c.Name]++
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s %s: %w", c.Name, inst.Record.String(c.PrimaryKey), err)
		}
		report.Loaded[c.Name]++
	}
	return nil
}

// row converts one instance to column values, or reports false when it
// cannot be stored
func (s *Store) row(c *schema.Class, inst model.Instance, ids map[string]map[string]bool, report *LoadReport) ([]any, bool) {
	rec := inst.Record
	if missing := missingField(c, rec); missing != "" {
		s.log.Debug("skipping incomplete record",
			zap.String("class", c.Name),
			zap.String("record_id", rec.String(c.PrimaryKey)),
			zap.String("field", missing),
		)
		return nil, false
	}

	args := make([]any, 0, len(c.Fields)+1)
	for _, f := range c.Fields {
		if f.IsForeignKey() && !rec.IsNull(f.Name) && !ids[f.Target][rec.String(f.Name)] {
			report.Nulled[c.Name]++
			args = append(args, nil)
			continue
		}
		args = append(args, columnValue(f, rec[f.Name]))
	}

	misc, err := miscJSON(inst)
	if err != nil {
		s.log.Warn("dropping unencodable misc", zap.String("class", c.Name), zap.Error(err))
	}
	return append(args, misc), true
}

// columnValue keeps numbers numeric where the column is and stores anything
// that does not convert as text
func columnValue(f schema.Field, v any) any {
	if v == nil || v == "" {
		return nil
	}
	if !f.IsForeignKey() {
		switch f.Type {
		case "integer":
			if n, ok := model.AsInt(v); ok {
				return int64(n)
			}
		case "number":
			if n, ok := model.AsFloat(v); ok {
				return n
			}
		}
	}
	return model.AsString(v)
}

// miscJSON returns the record's misc object with provenance folded in, as
// written to the staged artifacts
func miscJSON(inst model.Instance) (any, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	rec, err := model.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	misc, ok := rec[model.MiscField]
	if !ok {
		return nil, nil
	}
	out, err := json.Marshal(misc)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// missingField names the primary key or first required field rec lacks, or ""
func missingField(c *schema.Class, rec model.Record) string {
	if rec.IsNull(c.PrimaryKey) {
		return c.PrimaryKey
	}
	for _, f := range c.Fields {
		if f.Required && rec.IsNull(f.Name) {
			return f.Name
		}
	}
	return ""
}

// loadedIDs indexes the identifiers Load will actually store, per class
func loadedIDs(reg *schema.Registry, data model.Dataset) map[string]map[string]bool {
	ids := make(map[string]map[string]bool, len(data))
	for name, instances := range data {
		c, err := reg.Get(name)
		if err != nil {
			continue
		}
		set := make(map[string]bool, len(instances))
		for _, inst := range instances {
			if missingField(c, inst.Record) == "" {
				set[inst.Record.String(c.PrimaryKey)] = true
			}
		}
		ids[name] = set
	}
	return ids
}

// Count returns the number of rows in a class table
func (s *Store) Count(ctx context.Context, class string) (int, error) {
	if _, err := s.registry.Get(class); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(class)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

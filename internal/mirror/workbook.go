// Package mirror keeps the spreadsheet copy of status fields: one CSV sheet
// per entity type inside a directory, one row per (entity, field).
package mirror

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

var header = []string{"id", "key", "field", "value", "updated_at"}

type row struct {
	ID        string
	Key       string
	Field     string
	Value     string
	UpdatedAt string
}

// Workbook implements engine.StatusStore on CSV files. Rows written by hand
// may leave id blank; they are then matched by key.
type Workbook struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string, now func() time.Time) (*Workbook, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Workbook{dir: dir, now: now}, nil
}

func (w *Workbook) Name() string { return "mirror" }

func (w *Workbook) Dir() string { return w.dir }

func (w *Workbook) sheet(t domain.EntityType) string {
	return filepath.Join(w.dir, string(t)+".csv")
}

func (w *Workbook) load(t domain.EntityType) ([]row, error) {
	f, err := os.Open(w.sheet(t))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	var rows []row
	for first := true; ; first = false {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", t, err)
		}
		if first && rec[0] == header[0] {
			continue
		}
		rows = append(rows, row{ID: rec[0], Key: rec[1], Field: rec[2], Value: rec[3], UpdatedAt: rec[4]})
	}
}

// save rewrites the sheet through a temp file so readers never see half a sheet.
func (w *Workbook) save(t domain.EntityType, rows []row) error {
	tmp, err := os.CreateTemp(w.dir, string(t)+"-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	cw := csv.NewWriter(tmp)
	if err := cw.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.ID, r.Key, r.Field, r.Value, r.UpdatedAt}); err != nil {
			tmp.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), w.sheet(t))
}

func matches(r row, ref engine.EntityRef) bool {
	if r.ID != "" {
		return r.ID == ref.ID
	}
	return ref.Key != "" && r.Key == ref.Key
}

func (w *Workbook) ReadStatus(ctx context.Context, ref engine.EntityRef) (engine.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return engine.Snapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, err := w.load(ref.Type)
	if err != nil {
		return engine.Snapshot{}, err
	}
	snap := engine.Snapshot{Fields: map[string]string{}}
	for _, r := range rows {
		if !matches(r, ref) {
			continue
		}
		snap.Found = true
		snap.Fields[r.Field] = r.Value
		if r.UpdatedAt > snap.UpdatedAt {
			snap.UpdatedAt = r.UpdatedAt
		}
	}
	return snap, nil
}

func (w *Workbook) WriteStatus(ctx context.Context, ref engine.EntityRef, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, err := w.load(ref.Type)
	if err != nil {
		return err
	}
	stamp := domain.FormatTime(w.now())
	pending := make(map[string]string, len(fields))
	for k, v := range fields {
		pending[k] = v
	}
	for i := range rows {
		r := &rows[i]
		v, ok := pending[r.Field]
		if !ok || !matches(*r, ref) {
			continue
		}
		r.ID, r.Key, r.Value, r.UpdatedAt = ref.ID, ref.Key, v, stamp
		delete(pending, r.Field)
	}
	for _, field := range ref.Type.StatusFields() {
		if v, ok := pending[field]; ok {
			rows = append(rows, row{ID: ref.ID, Key: ref.Key, Field: field, Value: v, UpdatedAt: stamp})
			delete(pending, field)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("mirror has no column for %s fields %v", ref.Type, keys(pending))
	}
	return w.save(ref.Type, rows)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

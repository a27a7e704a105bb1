package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/dipcsim/internal/config"
	"github.com/san-kum/dipcsim/internal/dynamo"
)

const (
	metadataFile = "metadata.json"
	configFile   = "config.yaml"
	recordsFile  = "records.csv"
)

var ErrBadHeader = errors.New("storage: unexpected records header")

// Store keeps one directory per run under baseDir.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID        string             `json:"id"`
	Law       string             `json:"law"`
	Timestamp time.Time          `json:"timestamp"`
	Dt        float64            `json:"dt"`
	Delay     float64            `json:"delay"`
	Duration  float64            `json:"duration"`
	Reason    string             `json:"reason"`
	Ticks     int                `json:"ticks"`
	Overruns  int                `json:"overruns"`
	FinalTime float64            `json:"final_time"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Run streams records of one simulation to disk. It is a sim.Observer and an
// io.Closer, so the loop closes it on exit.
type Run struct {
	ID  string
	Dir string

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	row    []string
	rows   int
	err    error
	closed bool
}

// Create makes a run directory, saves cfg next to it and opens the records
// file with its header written. An empty id gets a fresh UUID.
func (s *Store) Create(id string, cfg *config.Config) (*Run, error) {
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(s.baseDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := config.Save(filepath.Join(dir, configFile), cfg); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, recordsFile))
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(dynamo.RecordHeader); err != nil {
		f.Close()
		return nil, err
	}
	return &Run{ID: id, Dir: dir, file: f, w: w, row: make([]string, len(dynamo.RecordHeader))}, nil
}

func (r *Run) OnTick(rec dynamo.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.closed {
		return
	}
	for i, v := range rec.Values() {
		r.row[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if err := r.w.Write(r.row); err != nil {
		r.err = err
		return
	}
	r.rows++
}

// Rows is the number of records written so far.
func (r *Run) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Close flushes the records file. It reports the first write error and is
// safe to call more than once.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.err
	}
	r.closed = true
	r.w.Flush()
	if err := r.w.Error(); err != nil && r.err == nil {
		r.err = err
	}
	if err := r.file.Close(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

// Finish writes the run metadata.
func (r *Run) Finish(meta RunMetadata) error {
	meta.ID = r.ID
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	f, err := os.Create(filepath.Join(r.Dir, metadataFile))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

// List returns the metadata of all finished runs, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadConfig reads the configuration a run was started with.
func (s *Store) LoadConfig(runID string) (*config.Config, error) {
	return config.Load(filepath.Join(s.baseDir, runID, configFile))
}

// LoadRecords reads back every record of a run. Steps are numbered from 1.
func (s *Store) LoadRecords(runID string) ([]dynamo.Record, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, recordsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRecords(f)
}

// ReadRecords parses CSV in RecordHeader order.
func ReadRecords(src io.Reader) ([]dynamo.Record, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = len(dynamo.RecordHeader)

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrBadHeader)
	}
	if err != nil {
		return nil, err
	}
	for i, name := range dynamo.RecordHeader {
		if header[i] != name {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, header[i], name)
		}
	}

	var out []dynamo.Record
	vals := make([]float64, len(dynamo.RecordHeader))
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for i, field := range row {
			if vals[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, dynamo.RecordHeader[i], err)
			}
		}
		out = append(out, recordFromValues(len(out)+1, vals))
	}
}

func recordFromValues(step int, v []float64) dynamo.Record {
	rec := dynamo.Record{Step: step, T: v[0], F: v[10]}
	copy(rec.Q[:], v[1:4])
	copy(rec.DQ[:], v[4:7])
	copy(rec.DDQ[:], v[7:10])
	return rec
}

// Column returns the named column of a run against time.
func (s *Store) Column(runID, column string) (times, values []float64, err error) {
	idx := -1
	for i, name := range dynamo.RecordHeader {
		if name == column {
			idx = i
		}
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("unknown column %q", column)
	}
	records, err := s.LoadRecords(runID)
	if err != nil {
		return nil, nil, err
	}
	times = make([]float64, len(records))
	values = make([]float64, len(records))
	for i, rec := range records {
		v := rec.Values()
		times[i], values[i] = v[0], v[idx]
	}
	return times, values, nil
}

type ExportData struct {
	Meta    RunMetadata `json:"meta"`
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// ExportJSON writes a run as a single JSON document.
func (s *Store) ExportJSON(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	records, err := s.LoadRecords(runID)
	if err != nil {
		return err
	}
	data := ExportData{Meta: *meta, Columns: dynamo.RecordHeader, Rows: make([][]float64, len(records))}
	for i, rec := range records {
		data.Rows[i] = rec.Values()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

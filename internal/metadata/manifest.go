// Package metadata tracks the parquet objects an archive run has written.
package metadata

import (
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one archived parquet object.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	WrittenAt   time.Time         `json:"written_at"`
}

// Snapshot summarizes the manifest at the time it was rendered.
type Snapshot struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
	Files       int   `json:"files"`
	Records     int64 `json:"records"`
}

type document struct {
	FormatVersion int        `json:"format-version"`
	RunID         string     `json:"run-id"`
	Table         string     `json:"table"`
	Location      string     `json:"location"`
	Snapshot      Snapshot   `json:"snapshot"`
	Files         []DataFile `json:"files"`
}

// Manifest collects the data files of one run. Safe for concurrent use.
type Manifest struct {
	runID    string
	table    string
	location string
	now      func() time.Time

	mu    sync.Mutex
	files []DataFile
}

func NewManifest(table, location string) *Manifest {
	return &Manifest{
		runID:    uuid.NewString(),
		table:    table,
		location: location,
		now:      time.Now,
	}
}

func (m *Manifest) RunID() string { return m.runID }

// Add records a newly written object.
func (m *Manifest) Add(df DataFile) {
	m.mu.Lock()
	m.files = append(m.files, df)
	m.mu.Unlock()
}

func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Key is where the manifest lives next to the data it lists.
func (m *Manifest) Key(prefix string) string {
	return path.Join(prefix, "_manifests", m.runID+".json")
}

// Marshal renders the manifest with a snapshot of the current totals.
func (m *Manifest) Marshal() ([]byte, error) {
	m.mu.Lock()
	files := append([]DataFile(nil), m.files...)
	m.mu.Unlock()

	now := m.now()
	var records int64
	for _, f := range files {
		records += f.RecordCount
	}
	return json.MarshalIndent(document{
		FormatVersion: 1,
		RunID:         m.runID,
		Table:         m.table,
		Location:      m.location,
		Snapshot: Snapshot{
			SnapshotID:  now.UnixNano(),
			TimestampMs: now.UnixMilli(),
			Files:       len(files),
			Records:     records,
		},
		Files: files,
	}, "", "  ")
}

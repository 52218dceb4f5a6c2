package metadata

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestManifestMarshal(t *testing.T) {
	m := NewManifest("candlesticks", "s3://candles/history")
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	m.Add(DataFile{
		Path:        "s3://candles/history/exchange=binance/timeframe=1d/date=2024-01-01/a.parquet",
		FileSize:    512,
		RecordCount: 10,
		Partition:   map[string]string{"exchange": "binance", "timeframe": "1d", "date": "2024-01-01"},
	})
	m.Add(DataFile{Path: "s3://candles/history/b.parquet", RecordCount: 5})

	b, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.RunID != m.RunID() || doc.Table != "candlesticks" || doc.Location != "s3://candles/history" {
		t.Fatalf("unexpected header %+v", doc)
	}
	if doc.Snapshot.Files != 2 || doc.Snapshot.Records != 15 || doc.Snapshot.TimestampMs != 1700000000000 {
		t.Fatalf("unexpected snapshot %+v", doc.Snapshot)
	}
	if doc.Files[0].Partition["timeframe"] != "1d" {
		t.Fatalf("partition lost: %+v", doc.Files[0])
	}
}

func TestManifestKey(t *testing.T) {
	m := NewManifest("candlesticks", "")
	key := m.Key("history")
	if !strings.HasPrefix(key, "history/_manifests/") || !strings.HasSuffix(key, m.RunID()+".json") {
		t.Fatalf("unexpected key %q", key)
	}
	if got := m.Key(""); got != "_manifests/"+m.RunID()+".json" {
		t.Fatalf("unexpected key without prefix %q", got)
	}
}

func TestManifestConcurrentAdd(t *testing.T) {
	m := NewManifest("candlesticks", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Add(DataFile{RecordCount: 1})
		}()
	}
	wg.Wait()
	if m.Len() != 50 {
		t.Fatalf("len = %d, want 50", m.Len())
	}
}

package cachestats

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
)

func TestCollectorRecord(t *testing.T) {
	collector, err := NewCollector(CollectorOption{})
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer collector.Close()

	collector.Record("css", EventNetwork, 0)
	collector.Record("css", EventPut, 512)
	collector.Record("css", EventHit, 0)
	collector.Record("css", EventHit, 0)
	collector.Record("css", EventTraffic, 2048)
	collector.Record("html", EventFallback, 0)

	stats := collector.GetTypeStats("css")
	if stats == nil {
		t.Fatal("Expected statistics to be created")
	}
	if stats.TotalRequests != 3 {
		t.Errorf("Expected total requests 3, got %d", stats.TotalRequests)
	}
	if stats.CacheHits != 2 {
		t.Errorf("Expected cache hits 2, got %d", stats.CacheHits)
	}
	if stats.EntriesWritten != 1 || stats.BytesWritten != 512 {
		t.Errorf("Expected 1 entry / 512 bytes written, got %d / %d", stats.EntriesWritten, stats.BytesWritten)
	}
	if stats.BytesServed != 2048 {
		t.Errorf("Expected bytes served 2048, got %d", stats.BytesServed)
	}

	expectedRate := 2.0 / 3.0 * 100.0
	if stats.CacheHitRate < expectedRate-0.01 || stats.CacheHitRate > expectedRate+0.01 {
		t.Errorf("Expected cache hit rate %.2f, got %.2f", expectedRate, stats.CacheHitRate)
	}

	total := collector.Totals()
	if total.TotalRequests != 4 || total.Fallbacks != 1 {
		t.Errorf("Expected 4 requests and 1 fallback in total, got %d and %d", total.TotalRequests, total.Fallbacks)
	}
}

func TestCollectorUnknownEvent(t *testing.T) {
	collector, _ := NewCollector(CollectorOption{})
	defer collector.Close()

	collector.Record("js", "bogus", 10)
	stats := collector.GetTypeStats("js")
	if stats == nil || stats.TotalRequests != 0 {
		t.Errorf("Expected unknown events to be ignored, got %+v", stats)
	}
}

func TestCollectorReset(t *testing.T) {
	collector, _ := NewCollector(CollectorOption{})
	defer collector.Close()

	collector.Record("images", EventHit, 0)
	collector.ResetStats("images")

	stats := collector.GetTypeStats("images")
	if stats.TotalRequests != 0 || stats.CacheHits != 0 {
		t.Errorf("Expected counters to be reset, got %+v", stats)
	}
}

func TestCollectorSample(t *testing.T) {
	collector, _ := NewCollector(CollectorOption{})
	defer collector.Close()

	collector.Record("js", EventTraffic, 10000)
	last := make(map[string]int64)
	collector.sample(time.Now(), 5, last)

	stats := collector.GetTypeStats("js")
	if stats.CurrentThroughput != 2000 {
		t.Errorf("Expected throughput 2000, got %d", stats.CurrentThroughput)
	}
	if stats.MaxThroughput != 2000 {
		t.Errorf("Expected max throughput 2000, got %d", stats.MaxThroughput)
	}
	if len(stats.Samples) != 1 {
		t.Errorf("Expected 1 sample, got %d", len(stats.Samples))
	}

	// Nothing served since the last sample
	collector.sample(time.Now(), 5, last)
	stats = collector.GetTypeStats("js")
	if stats.CurrentThroughput != 0 || stats.MaxThroughput != 2000 {
		t.Errorf("Expected current 0 and max 2000, got %d and %d", stats.CurrentThroughput, stats.MaxThroughput)
	}
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	collector, err := NewCollector(CollectorOption{DB: db})
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	collector.Record("api", EventNetwork, 0)
	collector.Record("api", EventPut, 100)
	if err := collector.Close(); err != nil {
		t.Fatalf("Failed to close collector: %v", err)
	}

	reloaded, err := NewCollector(CollectorOption{DB: db})
	if err != nil {
		t.Fatalf("Failed to reload collector: %v", err)
	}
	defer reloaded.Close()

	stats := reloaded.GetTypeStats("api")
	if stats == nil {
		t.Fatal("Expected statistics to be restored")
	}
	if stats.NetworkResponses != 1 || stats.BytesWritten != 100 {
		t.Errorf("Unexpected restored stats %+v", stats)
	}
}

type recordingLogger struct {
	titles []string
	errs   []error
}

func (l *recordingLogger) PrintAndLog(title string, message string, originalError error) {
	l.titles = append(l.titles, title)
	l.errs = append(l.errs, originalError)
}

func TestCollectorPersistFailureIsLogged(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "stats.db"), 0600, nil)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	log := &recordingLogger{}
	collector, err := NewCollector(CollectorOption{DB: db, Logger: log})
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	collector.Record("css", EventPut, 10)

	collector.persist()
	if len(log.errs) != 0 {
		t.Fatalf("Expected no logged errors, got %v", log.errs)
	}

	db.Close()
	collector.persist()
	if len(log.errs) != 1 || log.errs[0] == nil {
		t.Fatalf("Expected one logged error, got %v", log.errs)
	}
	if log.titles[0] != "cachestats" {
		t.Errorf("Expected cachestats title, got %s", log.titles[0])
	}

	if err := collector.Close(); err == nil {
		t.Error("Expected close to report the closed database")
	}
}

func TestHandleGetAllStats(t *testing.T) {
	collector, _ := NewCollector(CollectorOption{})
	defer collector.Close()
	collector.Record("html", EventHit, 0)

	w := httptest.NewRecorder()
	collector.HandleGetAllStats(w, httptest.NewRequest("GET", "/_offline/stats", nil))

	var body struct {
		Total TypeStatistics             `json:"total"`
		Types map[string]json.RawMessage `json:"types"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Total.CacheHits != 1 {
		t.Errorf("Expected 1 hit in total, got %d", body.Total.CacheHits)
	}
	if _, ok := body.Types["html"]; !ok {
		t.Error("Expected html stats in response")
	}

	w = httptest.NewRecorder()
	collector.HandleGetTypeStats(w, httptest.NewRequest("GET", "/_offline/stats/type?type=css", nil))
	if w.Code != 404 {
		t.Errorf("Expected 404 for untracked type, got %d", w.Code)
	}
}

func TestHandleResetStats(t *testing.T) {
	collector, _ := NewCollector(CollectorOption{})
	defer collector.Close()
	collector.Record("images", EventHit, 0)

	w := httptest.NewRecorder()
	collector.HandleResetStats(w, httptest.NewRequest("POST", "/_offline/stats/reset?type=images", nil))
	if w.Body.String() != `"OK"` {
		t.Errorf("Expected OK, got %s", w.Body.String())
	}
	if stats := collector.GetTypeStats("images"); stats.CacheHits != 0 {
		t.Errorf("Expected counters to be reset, got %+v", stats)
	}

	w = httptest.NewRecorder()
	collector.HandleResetStats(w, httptest.NewRequest("POST", "/_offline/stats/reset", nil))
	if w.Code != 400 {
		t.Errorf("Expected 400 without a type, got %d", w.Code)
	}
}

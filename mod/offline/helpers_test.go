package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/policy"
)

var errNetworkDown = errors.New("network is down")

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

const testOrigin = "https://example.test"

type fakeResponse struct {
	status      int
	contentType string
	body        string
	date        time.Time
}

// fakeNetwork is a RoundTripper serving canned responses by path and counting calls
type fakeNetwork struct {
	mu     sync.Mutex
	routes map[string]fakeResponse
	calls  map[string]int
	gate   chan struct{}
	down   atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: make(map[string]fakeResponse),
		calls:  make(map[string]int),
	}
}

// serve registers a 200 response dated testNow
func (n *fakeNetwork) serve(path, contentType, body string) {
	n.route(path, fakeResponse{status: http.StatusOK, contentType: contentType, body: body, date: testNow})
}

func (n *fakeNetwork) route(path string, r fakeResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = r
}

// block makes every following round trip wait until the returned func is called
func (n *fakeNetwork) block() func() {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		n.gate = nil
		n.mu.Unlock()
		close(gate)
	}
}

func (n *fakeNetwork) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	r, ok := n.routes[req.URL.Path]
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if n.down.Load() {
		return nil, errNetworkDown
	}
	if !ok {
		r = fakeResponse{status: http.StatusNotFound, contentType: "text/plain", body: "not found"}
	}

	header := make(http.Header)
	header.Set("Content-Type", r.contentType)
	header.Set("Content-Length", strconv.Itoa(len(r.body)))
	if !r.date.IsZero() {
		header.Set("Date", r.date.UTC().Format(http.TimeFormat))
	}
	return &http.Response{
		StatusCode:    r.status,
		Status:        http.StatusText(r.status),
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Request:       req,
	}, nil
}

// serveShell registers the default manifest
func (n *fakeNetwork) serveShell() {
	n.serve("/", "text/html", "<html>home</html>")
	n.serve("/index.html", "text/html", "<html>home</html>")
	n.serve("/manifest.json", "application/manifest+json", `{"name":"site"}`)
	n.serve("/offline.html", "text/html", "<html>offline</html>")
}

func testConfig(network http.RoundTripper) Config {
	origin, _ := url.Parse(testOrigin)
	return Config{
		Version:   "v1",
		Origin:    origin,
		Storage:   cache.NewMemoryStore(),
		Transport: network,
		Now:       func() time.Time { return testNow },
	}
}

func newTestController(t *testing.T, network http.RoundTripper, configure ...func(*Config)) *Controller {
	t.Helper()
	cfg := testConfig(network)
	for _, fn := range configure {
		fn(&cfg)
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	return c
}

// get issues a GET through the controller and returns the response with its body read
func get(t *testing.T, c *Controller, path string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func testKey(c *Controller, path string) string {
	u, _ := url.Parse(testOrigin + path)
	return c.config.KeyGenerator.KeyForURL(u)
}

// seed writes an entry dated date straight into a partition
func seed(t *testing.T, c *Controller, kind policy.PartitionKind, path, body string, date time.Time) {
	t.Helper()
	ctx := context.Background()
	p, err := c.openPartition(ctx, kind)
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Content-Type", "text/plain")
	if !date.IsZero() {
		header.Set("Date", date.UTC().Format(http.TimeFormat))
	}
	entry := cache.NewEntry(testOrigin+path, http.StatusOK, header, []byte(body), date)
	require.NoError(t, p.Put(ctx, testKey(c, path), entry))
}

func cachedBody(t *testing.T, c *Controller, kind policy.PartitionKind, path string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	p, err := c.openPartition(ctx, kind)
	require.NoError(t, err)
	entry, found, err := p.Match(ctx, testKey(c, path))
	require.NoError(t, err)
	if !found {
		return "", false
	}
	return string(entry.Body), true
}

func partitionKeys(t *testing.T, c *Controller, kind policy.PartitionKind) []string {
	t.Helper()
	ctx := context.Background()
	p, err := c.openPartition(ctx, kind)
	require.NoError(t, err)
	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	return keys
}

// recordingQueue collects refresh jobs instead of running them
type recordingQueue struct {
	mu   sync.Mutex
	jobs []RefreshJob
}

func (q *recordingQueue) Enqueue(job RefreshJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) GetQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *recordingQueue) GetQueueCapacity() int {
	return 64
}

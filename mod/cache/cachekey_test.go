package cache

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestKeyGenerator_GenerateKey(t *testing.T) {
	kg := NewKeyGenerator()

	// Different query order should produce the same key
	req1 := httptest.NewRequest("GET", "http://example.com/path?a=1&b=2", nil)
	req2 := httptest.NewRequest("GET", "http://example.com/path?b=2&a=1", nil)

	key1 := kg.GenerateKey(req1)
	key2 := kg.GenerateKey(req2)
	if key1 != key2 {
		t.Errorf("Expected same key for different query order, got %s and %s", key1, key2)
	}
	if key1 != "http://example.com/path?a=1&b=2" {
		t.Errorf("Unexpected normalized key %s", key1)
	}

	// Different URL should produce different key
	req3 := httptest.NewRequest("GET", "http://example.com/different", nil)
	if key1 == kg.GenerateKey(req3) {
		t.Error("Expected different keys for different URLs")
	}
}

func TestKeyGenerator_HostIsCaseInsensitive(t *testing.T) {
	kg := NewKeyGenerator()

	req1 := httptest.NewRequest("GET", "http://Example.COM/App.css", nil)
	req2 := httptest.NewRequest("GET", "http://example.com/App.css", nil)
	if kg.GenerateKey(req1) != kg.GenerateKey(req2) {
		t.Error("Expected host to be case-insensitive")
	}

	req3 := httptest.NewRequest("GET", "http://example.com/app.css", nil)
	if kg.GenerateKey(req1) == kg.GenerateKey(req3) {
		t.Error("Expected path to be case-sensitive by default")
	}

	kg.CaseSensitive = false
	if kg.GenerateKey(req1) != kg.GenerateKey(req3) {
		t.Error("Expected path to be folded when CaseSensitive is false")
	}
}

func TestKeyGenerator_VaryHeaders(t *testing.T) {
	kg := NewKeyGenerator()
	kg.VaryHeaders = []string{"Accept-Language"}

	req1 := httptest.NewRequest("GET", "http://example.com/path", nil)
	req1.Header.Set("Accept-Language", "en")
	req2 := httptest.NewRequest("GET", "http://example.com/path", nil)
	req2.Header.Set("Accept-Language", "fr")

	if kg.GenerateKey(req1) == kg.GenerateKey(req2) {
		t.Error("Expected different keys for different Accept-Language headers")
	}
}

func TestKeyGenerator_KeyForURLMatchesRequest(t *testing.T) {
	kg := NewKeyGenerator()

	u, err := url.Parse("https://example.com/blog?page=2")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("GET", "https://example.com/blog?page=2", nil)

	if kg.KeyForURL(u) != kg.GenerateKey(req) {
		t.Errorf("Expected KeyForURL %s to equal GenerateKey %s", kg.KeyForURL(u), kg.GenerateKey(req))
	}
}

func TestIsCacheable(t *testing.T) {
	tests := []struct {
		name   string
		method string
		want   bool
	}{
		{name: "GET request", method: "GET", want: true},
		{name: "HEAD request", method: "HEAD", want: false},
		{name: "POST request", method: "POST", want: false},
		{name: "PUT request", method: "PUT", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.com/path", nil)
			if got := IsCacheable(req); got != tt.want {
				t.Errorf("IsCacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsResponseCacheable(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		headers    http.Header
		want       bool
	}{
		{
			name:       "200 OK",
			statusCode: 200,
			headers:    http.Header{},
			want:       true,
		},
		{
			name:       "204 No Content",
			statusCode: 204,
			headers:    http.Header{},
			want:       true,
		},
		{
			name:       "206 Partial Content",
			statusCode: 206,
			headers:    http.Header{},
			want:       false,
		},
		{
			name:       "404 Not Found",
			statusCode: 404,
			headers:    http.Header{},
			want:       false,
		},
		{
			name:       "301 Moved Permanently",
			statusCode: 301,
			headers:    http.Header{},
			want:       false,
		},
		{
			name:       "200 with Cache-Control: no-store",
			statusCode: 200,
			headers: http.Header{
				"Cache-Control": []string{"no-store"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResponseCacheable(tt.statusCode, tt.headers); got != tt.want {
				t.Errorf("IsResponseCacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

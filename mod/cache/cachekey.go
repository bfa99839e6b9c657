package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyGenerator generates request identity keys
type KeyGenerator struct {
	// IncludeQuery determines whether query parameters are included in the key
	IncludeQuery bool

	// VaryHeaders lists request headers folded into the key (e.g., Accept-Language)
	VaryHeaders []string

	// CaseSensitive determines if the path is case-sensitive. Hosts are always lowercased.
	CaseSensitive bool
}

// NewKeyGenerator creates a new KeyGenerator with default settings
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		IncludeQuery:  true,
		CaseSensitive: true,
	}
}

// GenerateKey creates a cache key from an HTTP request.
// The key is the normalized absolute URL, so it stays readable in every backend.
func (kg *KeyGenerator) GenerateKey(r *http.Request) string {
	return kg.keyFor(r.URL, r.Host, r.TLS != nil, r.Header)
}

// KeyForURL creates a cache key from an absolute URL
func (kg *KeyGenerator) KeyForURL(u *url.URL) string {
	return kg.keyFor(u, "", false, nil)
}

func (kg *KeyGenerator) keyFor(u *url.URL, hostHeader string, tls bool, header http.Header) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
		if tls {
			scheme = "https"
		}
	}

	host := u.Host
	if host == "" {
		host = hostHeader
	}
	host = strings.ToLower(host)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !kg.CaseSensitive {
		path = strings.ToLower(path)
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(scheme))
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)

	// Add sorted query parameters if enabled
	if kg.IncludeQuery && u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(kg.normalizeQuery(u.Query()))
	}

	// Add vary headers
	for _, name := range kg.VaryHeaders {
		if value := header.Get(name); value != "" {
			b.WriteString("|")
			b.WriteString(strings.ToLower(name))
			b.WriteString("=")
			b.WriteString(value)
		}
	}

	return b.String()
}

// normalizeQuery sorts query parameters for consistent key generation
func (kg *KeyGenerator) normalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	// Get sorted keys
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Build normalized query string
	var parts []string
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}

	return strings.Join(parts, "&")
}

// IsCacheable determines if a request may be answered from or stored into a partition.
// Only GET requests are cached.
func IsCacheable(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == ""
}

// IsResponseCacheable checks if a network response should be written to a partition
func IsResponseCacheable(statusCode int, headers http.Header) bool {
	// Only successful responses are stored
	if statusCode < 200 || statusCode > 299 {
		return false
	}

	// Partial content cannot be replayed for a full request
	if statusCode == http.StatusPartialContent {
		return false
	}

	// Check Cache-Control directives
	if strings.Contains(headers.Get("Cache-Control"), "no-store") {
		return false
	}

	return true
}

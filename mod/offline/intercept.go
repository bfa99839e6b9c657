package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/cachestats"
	"imuslab.com/offlinecache/mod/optimizer"
	"imuslab.com/offlinecache/mod/policy"
)

// placeholderSVG is served to image requests that cannot be answered
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#f3f4f6"/>` +
	`<text x="50%" y="50%" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="14" fill="#9ca3af">Offline</text>` +
	`</svg>`

const offlineText = "Offline: the resource is not available"

// RoundTrip implements http.RoundTripper.
// GET requests over http(s) go through the caching strategies; everything else
// goes straight to the network. Intercepted requests never return an error.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	if !intercepts(req) {
		return c.config.Transport.RoundTrip(req)
	}

	ctx := req.Context()
	rt := policy.Classify(req)
	pol := policy.For(rt)

	out, err := c.serve(ctx, req, rt, pol)
	if err != nil {
		c.config.Logger.Debug("offline", "serving fallback",
			zap.String("url", req.URL.String()),
			zap.String("type", string(rt)),
			zap.String("request_id", req.Header.Get("X-Request-ID")),
			zap.Error(err))
		c.event(rt, cachestats.EventFallback, 0)
		return c.fallback(ctx, req), nil
	}

	resp := c.respond(ctx, req, out)
	if out.source == fromCache {
		c.event(rt, cachestats.EventHit, 0)
	} else {
		c.event(rt, cachestats.EventNetwork, 0)
	}
	if resp.ContentLength > 0 {
		c.event(rt, cachestats.EventTraffic, resp.ContentLength)
	}
	return resp, nil
}

// ServeHTTP reverse proxies to the origin through the controller
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.proxy == nil {
		http.Error(w, "no origin configured", http.StatusBadGateway)
		return
	}
	if r.Header.Get("X-Request-ID") == "" {
		r.Header.Set("X-Request-ID", uuid.NewString())
	}
	c.proxy.ServeHTTP(w, r)
}

func (c *Controller) newReverseProxy(origin *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: c,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.config.Logger.Warn("offline", "upstream request failed",
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
				zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// intercepts reports whether a request goes through the caching strategies
func intercepts(req *http.Request) bool {
	if req.URL == nil {
		return false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return false
	}
	return cache.IsCacheable(req)
}

// respond turns a strategy outcome into a response for req
func (c *Controller) respond(ctx context.Context, req *http.Request, out *outcome) *http.Response {
	entry := out.entry
	if out.rest != nil {
		return streamResponse(req, out)
	}

	// Stored bodies may be compressed; decode for clients that cannot take it
	if entry.Meta.Encoding != "" && !optimizer.AcceptsEncoding(req.Header.Get("Accept-Encoding"), entry.Meta.Encoding) {
		decoded, err := optimizer.DecompressTransform()(ctx, entry)
		if err == nil {
			entry = decoded
		}
	}

	header := entry.Meta.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if out.source == fromCache {
		header.Set("X-Cache", "HIT")
		header.Set("Age", strconv.FormatInt(entry.Meta.Age(c.config.Now()), 10))
	} else {
		header.Set("X-Cache", "MISS")
	}

	status := entry.Meta.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return newResponse(req, status, header, entry.Body)
}

// fallback answers a request every strategy gave up on
func (c *Controller) fallback(ctx context.Context, req *http.Request) *http.Response {
	switch {
	case policy.IsNavigation(req):
		if entry := c.offlinePage(ctx, req); entry != nil {
			if entry.Meta.Encoding != "" && !optimizer.AcceptsEncoding(req.Header.Get("Accept-Encoding"), entry.Meta.Encoding) {
				if decoded, err := optimizer.DecompressTransform()(ctx, entry); err == nil {
					entry = decoded
				}
			}
			header := entry.Meta.Headers.Clone()
			if header == nil {
				header = make(http.Header)
			}
			header.Set("X-Cache", "OFFLINE")
			return newResponse(req, http.StatusOK, header, entry.Body)
		}

	case policy.Destination(req) == policy.DestImage:
		header := make(http.Header)
		header.Set("Content-Type", "image/svg+xml")
		header.Set("Cache-Control", "no-store")
		header.Set("X-Cache", "OFFLINE")
		return newResponse(req, http.StatusOK, header, []byte(placeholderSVG))
	}

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Cache", "OFFLINE")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(offlineText))
}

// offlinePage looks up the cached offline document in every partition
func (c *Controller) offlinePage(ctx context.Context, req *http.Request) *cache.Entry {
	u, err := c.offlinePageURL(req)
	if err != nil {
		return nil
	}
	entry, found, err := cache.MatchAny(ctx, c.config.Storage, c.config.KeyGenerator.KeyForURL(u))
	if err != nil || !found {
		return nil
	}
	return entry
}

func (c *Controller) offlinePageURL(req *http.Request) (*url.URL, error) {
	ref, err := url.Parse(c.config.OfflinePage)
	if err != nil {
		return nil, err
	}
	base := c.config.Origin
	if base == nil {
		base = req.URL
	}
	return base.ResolveReference(ref), nil
}

// streamResponse relays an uncached network response whose body was only
// partly read
func streamResponse(req *http.Request, out *outcome) *http.Response {
	header := out.entry.Meta.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("X-Cache", "MISS")

	length := int64(-1)
	if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil {
		length = n
	}
	status := out.entry.Meta.StatusCode
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body: struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(out.entry.Body), out.rest), out.rest},
		ContentLength: length,
		Request:       req,
	}
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

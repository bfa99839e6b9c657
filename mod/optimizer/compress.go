package optimizer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"imuslab.com/offlinecache/mod/cache"
)

// CompressionType represents the type of compression
type CompressionType string

const (
	CompressionGzip   CompressionType = "gzip"
	CompressionBrotli CompressionType = "br"
	CompressionNone   CompressionType = ""
)

// CompressConfig holds configuration for compression
type CompressConfig struct {
	// Type specifies the compression algorithm to use
	Type CompressionType

	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int

	// MinSize is the minimum size (in bytes) before compression is applied
	MinSize int64
}

// DefaultGzipConfig returns the default gzip compression configuration
func DefaultGzipConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionGzip,
		Level:   gzip.DefaultCompression,
		MinSize: 1024, // 1KB minimum
	}
}

// DefaultBrotliConfig returns the default brotli compression configuration
func DefaultBrotliConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionBrotli,
		Level:   6, // Default brotli level
		MinSize: 1024,
	}
}

// CompressTransform creates a Transform that compresses the entry body
func CompressTransform(config CompressConfig) Transform {
	return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		// Skip compression if already compressed
		if entry.Meta.Encoding != "" && entry.Meta.Encoding != "identity" {
			return entry, nil
		}
		if !IsCompressible(entry.Meta.ContentType) {
			return entry, nil
		}
		if int64(len(entry.Body)) < config.MinSize {
			return entry, nil
		}

		var compressed bytes.Buffer
		switch config.Type {
		case CompressionGzip:
			w, err := gzip.NewWriterLevel(&compressed, config.Level)
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip writer: %w", err)
			}
			if _, err := w.Write(entry.Body); err != nil {
				w.Close()
				return nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}

		case CompressionBrotli:
			w := brotli.NewWriterLevel(&compressed, config.Level)
			if _, err := w.Write(entry.Body); err != nil {
				w.Close()
				return nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}

		default:
			return entry, nil
		}

		// Compression didn't help, keep the original
		if compressed.Len() >= len(entry.Body) {
			return entry, nil
		}

		out := withBody(entry, compressed.Bytes())
		out.Meta.Encoding = string(config.Type)
		if out.Meta.Headers == nil {
			out.Meta.Headers = make(http.Header)
		}
		out.Meta.Headers.Set("Content-Encoding", string(config.Type))
		out.Meta.Headers.Add("Vary", "Accept-Encoding")
		return out, nil
	}
}

// GzipTransform creates a Transform that compresses with gzip
func GzipTransform(level int) Transform {
	return CompressTransform(CompressConfig{
		Type:    CompressionGzip,
		Level:   level,
		MinSize: 1024,
	})
}

// BrotliTransform creates a Transform that compresses with brotli
func BrotliTransform(level int) Transform {
	return CompressTransform(CompressConfig{
		Type:    CompressionBrotli,
		Level:   level,
		MinSize: 1024,
	})
}

// DecompressTransform creates a Transform that restores the identity encoding
func DecompressTransform() Transform {
	return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		var decompressed io.Reader
		switch entry.Meta.Encoding {
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(entry.Body))
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip reader: %w", err)
			}
			defer zr.Close()
			decompressed = zr

		case "br":
			decompressed = brotli.NewReader(bytes.NewReader(entry.Body))

		default:
			// Not compressed or unknown encoding, pass through
			return entry, nil
		}

		body, err := io.ReadAll(decompressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}

		out := withBody(entry, body)
		out.Meta.Encoding = ""
		if out.Meta.Headers != nil {
			out.Meta.Headers.Del("Content-Encoding")
		}
		return out, nil
	}
}

// AcceptsEncoding reports whether an Accept-Encoding header value allows encoding
func AcceptsEncoding(acceptEncoding string, encoding string) bool {
	if encoding == "" || encoding == "identity" {
		return true
	}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != encoding && name != "*" {
			continue
		}
		// q=0 explicitly refuses the encoding
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}

// IsCompressible checks if a content type is typically compressible
func IsCompressible(contentType string) bool {
	compressible := []string{
		"text/",
		"application/json",
		"application/javascript",
		"application/manifest+json",
		"application/xml",
		"application/x-javascript",
		"application/xhtml+xml",
		"image/svg+xml",
	}

	ct := strings.ToLower(contentType)
	for _, prefix := range compressible {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}

	return false
}

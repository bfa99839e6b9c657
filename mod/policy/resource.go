package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// ResourceType is the class of content a request asks for
type ResourceType string

const (
	ResourceHTML   ResourceType = "html"
	ResourceCSS    ResourceType = "css"
	ResourceJS     ResourceType = "js"
	ResourceImages ResourceType = "images"
	ResourceAPI    ResourceType = "api"
)

// Fetch destinations as sent in the Sec-Fetch-Dest header
const (
	DestDocument = "document"
	DestImage    = "image"
	DestStyle    = "style"
	DestScript   = "script"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".avif": true,
	".svg":  true,
}

// Destination returns the fetch destination hint of a request
func Destination(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
}

// IsNavigation reports whether the request loads a top-level document
func IsNavigation(r *http.Request) bool {
	if Destination(r) == DestDocument {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Classify derives the resource type of a request from its destination hint and URL.
// Image, style and script rules take precedence over the api rule.
func Classify(r *http.Request) ResourceType {
	return ClassifyURL(Destination(r), r.URL)
}

// ClassifyURL applies the classification rules to a destination hint and URL
func ClassifyURL(dest string, u *url.URL) ResourceType {
	if u == nil {
		return ResourceHTML
	}
	ext := strings.ToLower(path.Ext(u.Path))

	switch {
	case dest == DestImage || imageExtensions[ext]:
		return ResourceImages
	case dest == DestStyle || ext == ".css":
		return ResourceCSS
	case dest == DestScript || ext == ".js":
		return ResourceJS
	case strings.HasPrefix(u.Path, "/api/") || u.Query().Has("api"):
		return ResourceAPI
	default:
		return ResourceHTML
	}
}

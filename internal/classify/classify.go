// Package classify maps intercepted requests to the caching category that
// decides how they are served.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Category string

const (
	Static  Category = "static"
	Image   Category = "image"
	API     Category = "api"
	Dynamic Category = "dynamic"
)

// DefaultAPIPrefix is the reserved API namespace.
const DefaultAPIPrefix = "/api/"

var staticExt = map[string]struct{}{
	"html": {}, "css": {}, "js": {}, "json": {},
}

var imageExt = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "webp": {}, "svg": {}, "ico": {},
}

// Classifier holds the parameters of the classification rules.
type Classifier struct {
	APIPrefix string
	Self      *url.URL
}

func New(self *url.URL, apiPrefix string) Classifier {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	return Classifier{APIPrefix: apiPrefix, Self: self}
}

// Classify applies the rules in order; the first match wins. The method is
// accepted for symmetry with the request tuple but does not change the
// category.
func (c Classifier) Classify(method string, target *url.URL) Category {
	p := target.Path
	if p == "" || p == "/" {
		return Static
	}
	ext := Ext(p)
	if _, ok := staticExt[ext]; ok {
		return Static
	}
	if _, ok := imageExt[ext]; ok {
		return Image
	}
	if strings.HasPrefix(p, c.APIPrefix) || strings.TrimSuffix(p, "/")+"/" == c.APIPrefix {
		return API
	}
	if !SameOrigin(c.Self, target) {
		return API
	}
	return Dynamic
}

// Ext returns the lower-cased extension of the last path segment, without the dot.
func Ext(p string) string {
	e := path.Ext(path.Base(p))
	return strings.ToLower(strings.TrimPrefix(e, "."))
}

// SameOrigin compares scheme and host. A relative target is always same-origin.
func SameOrigin(self, target *url.URL) bool {
	if target == nil || !target.IsAbs() || self == nil {
		return true
	}
	return strings.EqualFold(self.Scheme, target.Scheme) && strings.EqualFold(hostPort(self), hostPort(target))
}

func hostPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return host + ":" + port
}

// IsRead reports whether the method never mutates server state and can be cached.
func IsRead(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}

// IsNavigation reports whether the request loads a full document.
func IsNavigation(method string, h http.Header) bool {
	if method != "" && method != http.MethodGet {
		return false
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	accept := h.Get("Accept")
	if accept == "" {
		return false
	}
	first := strings.TrimSpace(strings.Split(accept, ",")[0])
	first = strings.TrimSpace(strings.Split(first, ";")[0])
	return strings.EqualFold(first, "text/html")
}

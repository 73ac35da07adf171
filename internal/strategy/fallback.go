package strategy

import (
	_ "embed"
	"encoding/json"
	"net/http"

	"offline0/internal/classify"
	"offline0/internal/exchange"
)

//go:embed assets/offline.html
var offlinePage []byte

//go:embed assets/placeholder.svg
var placeholderImage []byte

// QueuedMessage is the message of the synthetic response to a deferred write.
const QueuedMessage = "Request queued for background sync"

// QueuedBody is the JSON body returned for a deferred write.
type QueuedBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// OfflinePage is the self-contained document served for failed navigations.
func OfflinePage() *exchange.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &exchange.Response{Status: http.StatusOK, Header: h, Body: append([]byte(nil), offlinePage...)}
}

// PlaceholderImage is served for failed image fetches.
func PlaceholderImage() *exchange.Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set("Cache-Control", "no-store")
	return &exchange.Response{Status: http.StatusOK, Header: h, Body: append([]byte(nil), placeholderImage...)}
}

// QueuedResponse is the 202 answer to a write that was deferred.
func QueuedResponse() *exchange.Response {
	b, _ := json.Marshal(QueuedBody{Success: false, Message: QueuedMessage, Offline: true})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &exchange.Response{Status: http.StatusAccepted, Header: h, Body: b}
}

// NavigationFallback serves the offline page to document navigations.
func NavigationFallback(req exchange.Request) (*exchange.Response, Source) {
	if !classify.IsNavigation(req.Method, req.Header) {
		return nil, ""
	}
	return OfflinePage(), SourceOfflinePage
}

// ImageFallback serves the placeholder to any read.
func ImageFallback(req exchange.Request) (*exchange.Response, Source) {
	if !classify.IsRead(req.Method) {
		return nil, ""
	}
	return PlaceholderImage(), SourcePlaceholder
}

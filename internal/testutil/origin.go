package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Route describes how the Origin answers requests for one path.
type Route struct {
	// Status defaults to 200.
	Status int
	// Bodies are served in order; the last one repeats.
	Bodies [][]byte
	// ContentType is sent when set.
	ContentType string
	// LastModified is sent when non-zero.
	LastModified time.Time
	// Expires is sent when non-zero.
	Expires time.Time
	// Gate, when set, holds the response body until it is closed.
	Gate chan struct{}
	// ChunkSize splits the body into flushed writes when positive.
	ChunkSize int
}

// Origin is a fake image server that records every request.
type Origin struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]Route
	requests map[string]int
	headers  map[string]http.Header
}

// NewOrigin starts an origin server. Callers must Close it.
func NewOrigin() *Origin {
	o := &Origin{
		routes:   make(map[string]Route),
		requests: make(map[string]int),
		headers:  make(map[string]http.Header),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	return o
}

// Handle registers a route.
func (o *Origin) Handle(path string, r Route) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[path] = r
}

// URL returns the absolute URL for path.
func (o *Origin) URL(path string) string {
	return o.Server.URL + path
}

// Requests returns how many requests were made for path.
func (o *Origin) Requests(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

// TotalRequests returns the number of requests for all paths.
func (o *Origin) TotalRequests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.requests {
		total += n
	}
	return total
}

// LastHeader returns the headers of the most recent request for path.
func (o *Origin) LastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[path]
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	n := o.requests[r.URL.Path]
	o.requests[r.URL.Path] = n + 1
	o.headers[r.URL.Path] = r.Header.Clone()
	route, ok := o.routes[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if route.ContentType != "" {
		w.Header().Set("Content-Type", route.ContentType)
	}
	if !route.LastModified.IsZero() {
		w.Header().Set("Last-Modified", route.LastModified.UTC().Format(http.TimeFormat))
	}
	if !route.Expires.IsZero() {
		w.Header().Set("Expires", route.Expires.UTC().Format(http.TimeFormat))
	}

	var body []byte
	if len(route.Bodies) > 0 {
		body = route.Bodies[min(n, len(route.Bodies)-1)]
	}

	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}

	if route.Gate != nil {
		select {
		case <-route.Gate:
		case <-r.Context().Done():
			return
		}
	}

	if route.ChunkSize <= 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}

	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		chunk := min(route.ChunkSize, len(body))
		if _, err := w.Write(body[:chunk]); err != nil {
			return
		}
		body = body[chunk:]
		if flusher != nil {
			flusher.Flush()
		}
	}
}

package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Handler serves forward-proxy requests.
type Handler struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHandler creates a new request handler. Upstream requests go through
// transport, so an intercepting transport sees all proxied traffic.
func NewHandler(transport http.RoundTripper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	// Create an HTTP client that doesn't follow redirects
	// (we want to capture and forward them as-is)
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout:   60 * time.Second,
		Transport: transport,
	}

	return &Handler{
		httpClient: client,
		logger:     logger,
	}
}

// ServeHTTP tunnels CONNECT requests and forwards everything else.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Handle CONNECT method for HTTPS tunneling
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}

	h.handleHTTP(w, r)
}

// handleHTTP forwards a plain HTTP request upstream and copies the reply.
func (h *Handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	targetURL := buildTargetURL(r)

	var body io.Reader
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		h.logger.Warn("invalid proxy request", "url", targetURL, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	outReq.ContentLength = r.ContentLength

	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)

	resp, err := h.httpClient.Do(outReq)
	if err != nil {
		h.logger.Warn("upstream request failed", "method", r.Method, "url", targetURL, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		h.logger.Debug("response copy interrupted", "url", targetURL, "error", err)
	}

	h.logger.Info("proxied request",
		"method", r.Method,
		"url", targetURL,
		"status", resp.StatusCode,
		"bytes", n,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// buildTargetURL returns the absolute upstream URL of r.
func buildTargetURL(r *http.Request) string {
	// If it's an absolute URL (proxy request), use it directly
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	u := &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	return u.String()
}

// copyHeaders appends every value in src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes hopByHopHeaders from h.
func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

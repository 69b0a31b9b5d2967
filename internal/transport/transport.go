// Package transport intercepts outbound HTTP requests at the RoundTripper
// level and reports their lifecycle to a capture.Inspector.
package transport

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adamdrake/go_netinspect/internal/blob"
	"github.com/adamdrake/go_netinspect/internal/capture"
)

// Response type tags reported to the response callback.
const (
	ResponseTypeText  = "text"
	ResponseTypeBlob  = capture.ResponseTypeBlob
	ResponseTypeError = "error"
)

// Config holds interceptor settings.
type Config struct {
	// MaxBodySize caps the number of request and response body bytes kept
	// per request. Bodies are still forwarded in full.
	MaxBodySize int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 * 1024 * 1024, // 10MB
	}
}

type callbacks struct {
	open           capture.OpenCallback
	requestHeader  capture.RequestHeaderCallback
	headerReceived capture.HeaderReceivedCallback
	send           capture.SendCallback
	response       capture.ResponseCallback
}

// Interceptor is an http.RoundTripper that reports every request it carries
// while interception is enabled. It implements capture.Interceptor.
type Interceptor struct {
	base   http.RoundTripper
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	cbs     callbacks
	enabled bool
	force   bool
}

var _ capture.Interceptor = (*Interceptor)(nil)
var _ capture.ForceEnabler = (*Interceptor)(nil)

// New wraps base. A nil base uses http.DefaultTransport, or the transport it
// wraps when Install has replaced it.
func New(base http.RoundTripper, config Config) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
		if ic, ok := base.(*Interceptor); ok {
			base = ic.base
		}
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultConfig().MaxBodySize
	}
	return &Interceptor{
		base:   base,
		config: config,
		logger: slog.Default(),
	}
}

// SetLogger sets the logger used for interception events.
func (i *Interceptor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

func (i *Interceptor) SetOpenCallback(fn capture.OpenCallback) {
	i.mu.Lock()
	i.cbs.open = fn
	i.mu.Unlock()
}

func (i *Interceptor) SetRequestHeaderCallback(fn capture.RequestHeaderCallback) {
	i.mu.Lock()
	i.cbs.requestHeader = fn
	i.mu.Unlock()
}

func (i *Interceptor) SetHeaderReceivedCallback(fn capture.HeaderReceivedCallback) {
	i.mu.Lock()
	i.cbs.headerReceived = fn
	i.mu.Unlock()
}

func (i *Interceptor) SetSendCallback(fn capture.SendCallback) {
	i.mu.Lock()
	i.cbs.send = fn
	i.mu.Unlock()
}

func (i *Interceptor) SetResponseCallback(fn capture.ResponseCallback) {
	i.mu.Lock()
	i.cbs.response = fn
	i.mu.Unlock()
}

// SetForceEnable sets the conflict policy for the next EnableInterception.
func (i *Interceptor) SetForceEnable(force bool) {
	i.mu.Lock()
	i.force = force
	i.mu.Unlock()
}

// EnableInterception starts reporting requests. Enabling an interceptor that
// is already enabled is logged as a conflict unless forced.
func (i *Interceptor) EnableInterception() {
	i.mu.Lock()
	already, force := i.enabled, i.force
	i.enabled = true
	i.mu.Unlock()

	switch {
	case already && force:
		i.logger.Info("interception force-enabled over an active consumer")
	case already:
		i.logger.Warn("interception already enabled by another consumer; callbacks replaced")
	default:
		i.logger.Debug("interception enabled")
	}
}

// DisableInterception stops reporting requests. Requests already in flight
// finish reporting to the callbacks that are registered at that time.
func (i *Interceptor) DisableInterception() {
	i.mu.Lock()
	i.enabled = false
	i.mu.Unlock()
	i.logger.Debug("interception disabled")
}

// IsInterceptorEnabled reports whether requests are being reported.
func (i *Interceptor) IsInterceptorEnabled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

func (i *Interceptor) snapshot() (callbacks, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cbs, i.enabled
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	cbs, enabled := i.snapshot()
	if !enabled {
		return i.base.RoundTrip(req)
	}

	h := new(capture.Handle)
	url := req.URL.String()
	timeout := timeoutOf(req)
	if cbs.open != nil {
		cbs.open(req.Method, url, h)
	}
	if _, tracked := h.Index(); !tracked {
		return i.base.RoundTrip(req)
	}

	if cbs.requestHeader != nil {
		names := make([]string, 0, len(req.Header))
		for name := range req.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cbs.requestHeader(name, strings.Join(req.Header[name], ", "), h)
		}
	}

	out, body, err := i.captureRequestBody(req)
	if err != nil {
		i.report(cbs, h, 0, timeout, err.Error(), url, ResponseTypeError)
		return nil, err
	}
	if cbs.send != nil {
		cbs.send(body, h)
	}

	resp, err := i.base.RoundTrip(out)
	if err != nil {
		i.report(cbs, h, 0, timeout, err.Error(), url, ResponseTypeError)
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if cbs.headerReceived != nil {
		cbs.headerReceived(contentType, max(resp.ContentLength, 0), flattenHeaders(resp.Header), h)
	}

	// A RoundTripper handles a single hop; the client reports each redirect
	// as a separate request, so this is the hop's own URL.
	responseURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		responseURL = resp.Request.URL.String()
	}
	resp.Body = &bodyRecorder{
		ReadCloser: resp.Body,
		limit:      i.config.MaxBodySize,
		done: func(data []byte, truncated bool) {
			typ := ResponseTypeOf(contentType)
			var payload any = string(data)
			if typ == ResponseTypeBlob {
				payload = &blob.Blob{Data: data, ContentType: contentType, Truncated: truncated}
			}
			i.report(cbs, h, resp.StatusCode, timeout, payload, responseURL, typ)
		},
	}
	return resp, nil
}

func (i *Interceptor) report(cbs callbacks, h *capture.Handle, status int, timeout time.Duration, body any, responseURL, typ string) {
	if cbs.response != nil {
		cbs.response(status, timeout, body, responseURL, typ, h)
	}
}

// captureRequestBody reads the request body and returns a request carrying
// an equivalent body for the base transport.
func (i *Interceptor) captureRequestBody(req *http.Request) (*http.Request, string, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, "", nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, "", err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	out.ContentLength = int64(len(data))

	kept := data
	if int64(len(kept)) > i.config.MaxBodySize {
		kept = kept[:i.config.MaxBodySize]
	}
	return out, string(kept), nil
}

// timeoutOf returns the time left before the request context's deadline.
func timeoutOf(req *http.Request) time.Duration {
	deadline, ok := req.Context().Deadline()
	if !ok {
		return 0
	}
	return max(time.Until(deadline), 0)
}

// flattenHeaders joins multi-value headers into a single value per name.
func flattenHeaders(h http.Header) capture.Headers {
	out := make(capture.Headers, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// ResponseTypeOf classifies a content type as text or blob.
func ResponseTypeOf(contentType string) string {
	if contentType == "" {
		return ResponseTypeText
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ResponseTypeBlob
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		strings.HasSuffix(mt, "+json"),
		strings.HasSuffix(mt, "+xml"):
		return ResponseTypeText
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript",
		"application/x-www-form-urlencoded", "application/graphql",
		"application/x-ndjson":
		return ResponseTypeText
	}
	return ResponseTypeBlob
}

// bodyRecorder keeps up to limit bytes of a response body as it is read and
// calls done once on EOF, read error or Close.
type bodyRecorder struct {
	io.ReadCloser
	limit int64
	buf   bytes.Buffer
	total int64
	once  sync.Once
	done  func(data []byte, truncated bool)
}

func (b *bodyRecorder) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.total += int64(n)
		if room := b.limit - int64(b.buf.Len()); room > 0 {
			b.buf.Write(p[:min(int64(n), room)])
		}
	}
	if err != nil {
		b.finish()
	}
	return n, err
}

func (b *bodyRecorder) Close() error {
	err := b.ReadCloser.Close()
	b.finish()
	return err
}

func (b *bodyRecorder) finish() {
	b.once.Do(func() {
		b.done(b.buf.Bytes(), b.total > int64(b.buf.Len()))
	})
}

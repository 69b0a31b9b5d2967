package capture

import (
	"errors"
	"sync"
	"time"
)

// Capability errors.
var (
	// ErrNoInterceptor is returned when no interception provider resolves.
	ErrNoInterceptor = errors.New("capture: no request interceptor could be resolved")

	// ErrNoBodyDecoder is reported by the fallback body decoder on every read.
	ErrNoBodyDecoder = errors.New("capture: no body decoder available")
)

// Handle is the opaque per-request token passed to every lifecycle callback.
// The interceptor creates one per request; the store assigns it a sequence
// number and the capture session generation when the request is opened and
// not ignored.
type Handle struct {
	mu       sync.Mutex
	index    int
	gen      uint64
	assigned bool
}

// Index returns the sequence number assigned at open, if any.
func (h *Handle) Index() (int, bool) {
	if h == nil {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index, h.assigned
}

func (h *Handle) assign(index int, gen uint64) {
	h.mu.Lock()
	h.index = index
	h.gen = gen
	h.assigned = true
	h.mu.Unlock()
}

// slot returns the sequence number and session generation, if assigned.
func (h *Handle) slot() (index int, gen uint64, ok bool) {
	if h == nil {
		return 0, 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index, h.gen, h.assigned
}

// Lifecycle callbacks registered with an Interceptor.
type (
	OpenCallback           func(method, url string, h *Handle)
	RequestHeaderCallback  func(name, value string, h *Handle)
	HeaderReceivedCallback func(contentType string, size int64, headers Headers, h *Handle)
	SendCallback           func(body string, h *Handle)
	ResponseCallback       func(status int, timeout time.Duration, body any, responseURL, responseType string, h *Handle)
)

// Interceptor is the low-level hook into the request primitive. Each setter
// replaces the previously registered callback.
type Interceptor interface {
	SetOpenCallback(OpenCallback)
	SetRequestHeaderCallback(RequestHeaderCallback)
	SetHeaderReceivedCallback(HeaderReceivedCallback)
	SetSendCallback(SendCallback)
	SetResponseCallback(ResponseCallback)
	EnableInterception()
	DisableInterception()
	IsInterceptorEnabled() bool
}

// ForceEnabler is implemented by interceptors with a conflict policy for
// concurrent consumers. The store forwards Options.ForceEnable untouched.
type ForceEnabler interface {
	SetForceEnable(force bool)
}

// ReaderEvent identifies a BodyReader completion signal.
type ReaderEvent int

const (
	EventLoad ReaderEvent = iota
	EventError
	EventAbort
)

func (e ReaderEvent) String() string {
	switch e {
	case EventLoad:
		return "load"
	case EventError:
		return "error"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// BodyReader converts a response payload into text asynchronously. Exactly
// one of load, error or abort fires per ReadAsText call.
type BodyReader interface {
	AddEventListener(event ReaderEvent, fn func())
	ReadAsText(payload any)
	// Result is the decoded text; ok is false when the reader produced none.
	Result() (text string, ok bool)
	// Err is the error reported by the reader, if any.
	Err() error
}

// BodyDecoder is a factory for BodyReaders.
type BodyDecoder interface {
	NewReader() BodyReader
}

// InterceptorProvider attempts to locate an interception capability.
type InterceptorProvider func() (Interceptor, error)

// BodyDecoderProvider attempts to locate a body decoding capability.
type BodyDecoderProvider func() (BodyDecoder, error)

// ResolveInterceptor returns the first interceptor a provider resolves.
// There is no fallback: if every provider fails, ErrNoInterceptor is returned.
func ResolveInterceptor(providers ...InterceptorProvider) (Interceptor, error) {
	var errs []error
	for _, p := range providers {
		if p == nil {
			continue
		}
		ic, err := p()
		if err == nil && ic != nil {
			return ic, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrNoInterceptor}, errs...)...)
	}
	return nil, ErrNoInterceptor
}

// ResolveBodyDecoder returns the first decoder a provider resolves, or
// NopBodyDecoder when none does.
func ResolveBodyDecoder(providers ...BodyDecoderProvider) BodyDecoder {
	for _, p := range providers {
		if p == nil {
			continue
		}
		if dec, err := p(); err == nil && dec != nil {
			return dec
		}
	}
	return NopBodyDecoder{}
}

// NopBodyDecoder is the inert fallback decoder. Its readers fail every read
// with ErrNoBodyDecoder.
type NopBodyDecoder struct{}

// NewReader implements BodyDecoder.
func (NopBodyDecoder) NewReader() BodyReader {
	return &nopReader{}
}

type nopReader struct {
	mu        sync.Mutex
	listeners map[ReaderEvent][]func()
}

func (r *nopReader) AddEventListener(event ReaderEvent, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[ReaderEvent][]func())
	}
	r.listeners[event] = append(r.listeners[event], fn)
}

func (r *nopReader) ReadAsText(any) {
	r.mu.Lock()
	fns := append([]func(){}, r.listeners[EventError]...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *nopReader) Result() (string, bool) { return "", false }

func (r *nopReader) Err() error { return ErrNoBodyDecoder }

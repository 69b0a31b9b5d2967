package capture

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestTypeHTTP is the transport-type label of records created by the store.
const RequestTypeHTTP = "http"

// Inspector is the capture store. It receives lifecycle callbacks from an
// Interceptor, keeps a bounded newest-first log of requests and notifies
// subscribers with coalesced snapshots.
type Inspector struct {
	interceptor Interceptor
	decoder     BodyDecoder
	logger      *slog.Logger

	mu           sync.Mutex
	requests     []*Request
	index        map[int]*Request
	nextIndex    int
	settings     settings
	onChange     Listener
	lastNotified time.Time
	coalescer    *coalescer
	enabled      bool
	sessionID    string
	// generation increases on every Start. Handles opened in an earlier
	// session never resolve, even when their sequence number is reused.
	generation uint64

	subMu   sync.Mutex
	subs    []subscription
	nextSub uint64
}

type subscription struct {
	id uint64
	fn Listener
}

// NewInspector creates a stopped Inspector. A nil decoder means blob bodies
// cannot be read.
func NewInspector(interceptor Interceptor, decoder BodyDecoder) *Inspector {
	if decoder == nil {
		decoder = NopBodyDecoder{}
	}
	return &Inspector{
		interceptor: interceptor,
		decoder:     decoder,
		logger:      slog.Default(),
		index:       make(map[int]*Request),
		settings:    defaultSettings(),
	}
}

// SetLogger sets the logger used for lifecycle and capture events.
func (s *Inspector) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// Enabled reports whether capture is active.
func (s *Inspector) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SessionID identifies the current capture session. It changes on every
// Start, so consumers can tell when request ids have been reset.
func (s *Inspector) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start activates capture with opts merged over the current settings.
// It is a no-op while capture is already active.
func (s *Inspector) Start(opts *Options) {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return
	}
	s.settings = s.settings.merge(opts)
	s.onChange = nil
	if opts != nil {
		s.onChange = opts.OnRequestsChange
	}
	s.coalescer = newCoalescer(s.settings.refreshRate, s.debouncedNotify)
	s.sessionID = uuid.NewString()
	s.generation++
	s.enabled = true
	cfg := s.settings
	logger := s.logger
	s.mu.Unlock()

	if fe, ok := s.interceptor.(ForceEnabler); ok {
		fe.SetForceEnable(opts != nil && opts.ForceEnable)
	}
	s.interceptor.SetOpenCallback(s.onOpen)
	s.interceptor.SetRequestHeaderCallback(s.onRequestHeader)
	s.interceptor.SetHeaderReceivedCallback(s.onHeaderReceived)
	s.interceptor.SetSendCallback(s.onSend)
	s.interceptor.SetResponseCallback(s.onResponse)
	s.interceptor.EnableInterception()

	logger.Info("capture started",
		"max_requests", cfg.maxRequests,
		"refresh_rate_ms", cfg.refreshRate.Milliseconds(),
		"ignored_hosts", len(cfg.ignoredHosts),
		"ignored_urls", len(cfg.ignoredURLs),
		"ignored_patterns", len(cfg.ignoredPatterns),
	)
}

// Stop deactivates capture and resets the collection, the sequence counter
// and the settings. Pending notifications are dropped; subscribers are kept
// and receive one final empty snapshot.
func (s *Inspector) Stop() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	if s.coalescer != nil {
		s.coalescer.Stop()
		s.coalescer = nil
	}
	s.requests = nil
	s.index = make(map[int]*Request)
	s.nextIndex = 0
	s.lastNotified = time.Time{}
	s.settings = defaultSettings()
	s.onChange = nil
	s.enabled = false
	logger := s.logger
	s.mu.Unlock()

	s.interceptor.SetOpenCallback(func(string, string, *Handle) {})
	s.interceptor.SetRequestHeaderCallback(func(string, string, *Handle) {})
	s.interceptor.SetHeaderReceivedCallback(func(string, int64, Headers, *Handle) {})
	s.interceptor.SetSendCallback(func(string, *Handle) {})
	s.interceptor.SetResponseCallback(func(int, time.Duration, any, string, string, *Handle) {})
	s.interceptor.DisableInterception()

	logger.Info("capture stopped")
	s.notify()
}

// Requests returns the captured requests, newest first. The slice is a copy.
func (s *Inspector) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns the retained request with the given id.
func (s *Inspector) Get(id string) (*Request, bool) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.index[n]
	return req, ok
}

// Count returns the number of retained requests.
func (s *Inspector) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Clear removes every captured request and notifies subscribers.
func (s *Inspector) Clear() {
	s.mu.Lock()
	s.requests = nil
	s.index = make(map[int]*Request)
	s.lastNotified = time.Time{}
	c := s.coalescer
	s.logger.Debug("capture cleared")
	s.mu.Unlock()

	if c != nil {
		c.Trigger()
		return
	}
	s.notify()
}

// Subscribe registers fn for every notification and returns a function that
// removes it. Listeners may subscribe or unsubscribe from within a
// notification.
func (s *Inspector) Subscribe(fn Listener) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Inspector) snapshotLocked() []*Request {
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// notify delivers the current snapshot to every subscriber, then to the
// OnRequestsChange callback.
func (s *Inspector) notify() {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()
	s.deliver(snapshot, onChange)
}

func (s *Inspector) deliver(snapshot []*Request, onChange Listener) {
	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot)
	}
	if onChange != nil {
		onChange(snapshot)
	}
}

// debouncedNotify notifies only if nothing has been delivered yet or a
// record changed since the last delivery.
func (s *Inspector) debouncedNotify() {
	s.mu.Lock()
	changed := s.lastNotified.IsZero()
	for _, r := range s.requests {
		if changed {
			break
		}
		changed = r.UpdatedAt().After(s.lastNotified)
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	s.lastNotified = time.Now()
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	s.deliver(snapshot, onChange)
}

// scheduleNotify routes through the coalescer when capture is active.
func (s *Inspector) scheduleNotify() {
	s.mu.Lock()
	c := s.coalescer
	s.mu.Unlock()
	if c != nil {
		c.Trigger()
		return
	}
	s.debouncedNotify()
}

func (s *Inspector) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

func (s *Inspector) lookup(h *Handle) *Request {
	n, gen, ok := h.slot()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil
	}
	return s.index[n]
}

func (s *Inspector) onOpen(method, url string, h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	if s.settings.ignored(method, url) {
		s.logger.Debug("request ignored", "method", method, "url", url)
		s.mu.Unlock()
		return
	}
	n := s.nextIndex
	s.nextIndex++
	h.assign(n, s.generation)

	req := NewRequest(strconv.Itoa(n), RequestTypeHTTP, method, url)
	req.decoder = s.decoder
	s.requests = append([]*Request{req}, s.requests...)
	s.index[n] = req
	for len(s.requests) > s.settings.maxRequests {
		evicted := s.requests[len(s.requests)-1]
		s.requests[len(s.requests)-1] = nil
		s.requests = s.requests[:len(s.requests)-1]
		if id, err := strconv.Atoi(evicted.ID()); err == nil {
			delete(s.index, id)
		}
	}
	s.logger.Debug("request captured", "id", n, "method", method, "url", url)
	s.mu.Unlock()

	s.scheduleNotify()
}

func (s *Inspector) onRequestHeader(name, value string, h *Handle) {
	if req := s.lookup(h); req != nil {
		req.SetRequestHeader(name, value)
	}
}

func (s *Inspector) onHeaderReceived(contentType string, size int64, headers Headers, h *Handle) {
	req := s.lookup(h)
	if req == nil {
		return
	}
	if headers == nil {
		headers = Headers{}
	}
	req.Update(Update{
		ResponseContentType: &contentType,
		ResponseSize:        &size,
		ResponseHeaders:     headers,
	})
	s.scheduleNotify()
}

func (s *Inspector) onSend(body string, h *Handle) {
	req := s.lookup(h)
	if req == nil {
		return
	}
	now := time.Now()
	req.Update(Update{StartTime: &now, DataSent: &body})
	s.scheduleNotify()
}

func (s *Inspector) onResponse(status int, timeout time.Duration, body any, responseURL, responseType string, h *Handle) {
	req := s.lookup(h)
	if req == nil {
		return
	}
	now := time.Now()
	req.Update(Update{
		Status:       &status,
		Timeout:      &timeout,
		Response:     body,
		ResponseURL:  &responseURL,
		ResponseType: &responseType,
		EndTime:      &now,
	})
	s.log().Debug("request completed", "id", req.ID(), "status", status, "duration_ms", req.Duration().Milliseconds())
	s.scheduleNotify()
}

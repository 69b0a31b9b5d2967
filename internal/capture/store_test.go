package capture

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterceptor records registered callbacks so tests can drive the
// request lifecycle directly.
type fakeInterceptor struct {
	mu      sync.Mutex
	open    OpenCallback
	header  RequestHeaderCallback
	recv    HeaderReceivedCallback
	send    SendCallback
	resp    ResponseCallback
	enabled bool
	force   bool
	enables int
}

func (f *fakeInterceptor) SetOpenCallback(fn OpenCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = fn
}

func (f *fakeInterceptor) SetRequestHeaderCallback(fn RequestHeaderCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header = fn
}

func (f *fakeInterceptor) SetHeaderReceivedCallback(fn HeaderReceivedCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = fn
}

func (f *fakeInterceptor) SetSendCallback(fn SendCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.send = fn
}

func (f *fakeInterceptor) SetResponseCallback(fn ResponseCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = fn
}

func (f *fakeInterceptor) SetForceEnable(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.force = force
}

func (f *fakeInterceptor) EnableInterception() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.enables++
}

func (f *fakeInterceptor) DisableInterception() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

func (f *fakeInterceptor) IsInterceptorEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeInterceptor) doOpen(method, url string) *Handle {
	f.mu.Lock()
	fn := f.open
	f.mu.Unlock()
	h := new(Handle)
	if fn != nil {
		fn(method, url, h)
	}
	return h
}

func (f *fakeInterceptor) doHeader(name, value string, h *Handle) {
	f.mu.Lock()
	fn := f.header
	f.mu.Unlock()
	fn(name, value, h)
}

func (f *fakeInterceptor) doHeadersReceived(ct string, size int64, headers Headers, h *Handle) {
	f.mu.Lock()
	fn := f.recv
	f.mu.Unlock()
	fn(ct, size, headers, h)
}

func (f *fakeInterceptor) doSend(body string, h *Handle) {
	f.mu.Lock()
	fn := f.send
	f.mu.Unlock()
	fn(body, h)
}

func (f *fakeInterceptor) doResponse(status int, body any, url, typ string, h *Handle) {
	f.mu.Lock()
	fn := f.resp
	f.mu.Unlock()
	fn(status, 0, body, url, typ, h)
}

// recorder collects notifications.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]*Request
}

func (r *recorder) listen(reqs []*Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, reqs)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) last() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func newStarted(t *testing.T, opts *Options) (*Inspector, *fakeInterceptor) {
	t.Helper()
	ic := &fakeInterceptor{}
	in := NewInspector(ic, nil)
	in.Start(opts)
	t.Cleanup(in.Stop)
	return in, ic
}

func TestInspector_IgnoredRequests(t *testing.T) {
	in, ic := newStarted(t, &Options{
		IgnoredHosts:    []string{"a.test"},
		IgnoredURLs:     []string{"https://b.test/health"},
		IgnoredPatterns: []Pattern{regexp.MustCompile(`^OPTIONS `)},
	})

	h := ic.doOpen("GET", "https://a.test/x")
	_, tracked := h.Index()
	assert.False(t, tracked)

	ic.doOpen("GET", "https://a.test:8443/x")
	ic.doOpen("GET", "https://b.test/health")
	ic.doOpen("OPTIONS", "https://c.test/")

	assert.Empty(t, in.Requests())

	ic.doOpen("GET", "https://b.test/health?full=1")
	assert.Equal(t, 1, in.Count())
}

func TestInspector_RequestLifecycle(t *testing.T) {
	in, ic := newStarted(t, nil)

	h := ic.doOpen("POST", "https://b.test/y")
	reqs := in.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "POST", req.Method())
	assert.Equal(t, StatusUnset, req.Status())
	assert.Equal(t, RequestTypeHTTP, req.Type())

	ic.doHeader("Content-Type", "text/plain", h)
	ic.doSend("payload", h)
	st := req.State()
	assert.Equal(t, "payload", st.DataSent)
	assert.False(t, st.StartTime.IsZero())
	assert.Equal(t, "text/plain", st.RequestHeaders["Content-Type"])

	ic.doHeadersReceived("text/plain", 2, Headers{"Server": "test"}, h)
	ic.doResponse(200, "ok", "https://b.test/y", "text", h)

	st = req.State()
	assert.Equal(t, 200, st.Status)
	assert.Equal(t, "text/plain", st.ResponseContentType)
	assert.Equal(t, int64(2), st.ResponseSize)
	assert.Equal(t, "test", st.ResponseHeaders["Server"])
	assert.Equal(t, "https://b.test/y", st.ResponseURL)
	assert.False(t, st.EndTime.IsZero())
	assert.GreaterOrEqual(t, req.Duration(), time.Duration(0))

	got, ok := in.Get(req.ID())
	require.True(t, ok)
	assert.Same(t, req, got)
}

func TestInspector_NilResponseHeaders(t *testing.T) {
	in, ic := newStarted(t, nil)

	h := ic.doOpen("GET", "https://b.test/")
	ic.doHeadersReceived("", 0, nil, h)

	st := in.Requests()[0].State()
	assert.NotNil(t, st.ResponseHeaders)
	assert.Empty(t, st.ResponseHeaders)
}

func TestInspector_CoalescedNotification(t *testing.T) {
	rec := &recorder{}
	in, ic := newStarted(t, &Options{RefreshRate: 50 * time.Millisecond})
	unsubscribe := in.Subscribe(rec.listen)
	defer unsubscribe()

	for range 10 {
		ic.doOpen("GET", "https://c.test/")
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, rec.count())
	assert.Len(t, rec.last(), 10)
}

func TestInspector_NoNotificationWithoutChanges(t *testing.T) {
	rec := &recorder{}
	in, ic := newStarted(t, &Options{RefreshRate: 5 * time.Millisecond})
	in.Subscribe(rec.listen)

	ic.doOpen("GET", "https://c.test/")
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	in.debouncedNotify()
	assert.Equal(t, 1, rec.count())
}

func TestInspector_Eviction(t *testing.T) {
	in, ic := newStarted(t, &Options{MaxRequests: 3})

	var handles []*Handle
	for range 5 {
		handles = append(handles, ic.doOpen("GET", "https://d.test/"))
	}

	reqs := in.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{reqs[0].ID(), reqs[1].ID(), reqs[2].ID()})

	_, ok := in.Get("0")
	assert.False(t, ok)
	_, ok = in.Get("1")
	assert.False(t, ok)
	for _, r := range reqs {
		got, ok := in.Get(r.ID())
		require.True(t, ok)
		assert.Same(t, r, got)
	}

	// Callbacks for an evicted request are ignored.
	ic.doResponse(200, "late", "https://d.test/", "text", handles[0])
	assert.Len(t, in.Requests(), 3)
	for _, r := range in.Requests() {
		assert.Equal(t, StatusUnset, r.Status())
	}
}

func TestInspector_UnknownHandle(t *testing.T) {
	in, ic := newStarted(t, nil)

	h := new(Handle)
	ic.doSend("x", h)
	ic.doResponse(200, "ok", "", "text", h)
	ic.doHeadersReceived("", 0, nil, h)
	ic.doHeader("A", "1", h)

	assert.Zero(t, in.Count())
}

func TestInspector_StopResetsSession(t *testing.T) {
	ic := &fakeInterceptor{}
	in := NewInspector(ic, nil)

	in.Start(&Options{MaxRequests: 2, IgnoredHosts: []string{"a.test"}})
	assert.True(t, in.Enabled())
	assert.True(t, ic.IsInterceptorEnabled())
	first := in.SessionID()
	ic.doOpen("GET", "https://e.test/")
	ic.doOpen("GET", "https://e.test/")

	rec := &recorder{}
	in.Subscribe(rec.listen)
	in.Stop()
	assert.False(t, in.Enabled())
	assert.False(t, ic.IsInterceptorEnabled())
	assert.Zero(t, in.Count())
	assert.Equal(t, 1, rec.count())
	assert.Empty(t, rec.last())

	// Opens after stop are not recorded.
	h := ic.doOpen("GET", "https://e.test/")
	_, tracked := h.Index()
	assert.False(t, tracked)

	in.Start(nil)
	defer in.Stop()
	assert.NotEqual(t, first, in.SessionID())
	ic.doOpen("GET", "https://a.test/")
	reqs := in.Requests()
	require.Len(t, reqs, 1, "settings are reset to defaults")
	assert.Equal(t, "0", reqs[0].ID())
}

func TestInspector_NilRegexpPatternIgnored(t *testing.T) {
	var nilRegexp *regexp.Regexp
	in, ic := newStarted(t, &Options{
		IgnoredPatterns: []Pattern{nilRegexp, regexp.MustCompile(`^DELETE `)},
	})

	assert.NotPanics(t, func() { ic.doOpen("GET", "https://n.test/") })
	ic.doOpen("DELETE", "https://n.test/")
	assert.Equal(t, 1, in.Count())
}

func TestInspector_StaleHandleAfterRestart(t *testing.T) {
	ic := &fakeInterceptor{}
	in := NewInspector(ic, nil)
	in.Start(nil)

	stale := ic.doOpen("GET", "https://old.test/slow")
	ic.mu.Lock()
	lateResponse, lateHeaders, lateSend, lateHeader := ic.resp, ic.recv, ic.send, ic.header
	ic.mu.Unlock()

	in.Stop()
	in.Start(nil)
	defer in.Stop()

	fresh := ic.doOpen("GET", "https://new.test/fast")
	ic.doResponse(200, "fast", "https://new.test/fast", "text", fresh)

	// Callbacks captured by the interceptor before Stop still reach the store.
	lateHeader("X-Old", "1", stale)
	lateSend("old body", stale)
	lateHeaders("text/plain", 4, Headers{"X-Old": "1"}, stale)
	lateResponse(418, 0, "slow", "https://old.test/slow", "text", stale)

	reqs := in.Requests()
	require.Len(t, reqs, 1)
	st := reqs[0].State()
	assert.Equal(t, "0", reqs[0].ID())
	assert.Equal(t, "https://new.test/fast", reqs[0].URL())
	assert.Equal(t, 200, st.Status)
	assert.Equal(t, "fast", st.Response)
	assert.Empty(t, st.DataSent)
	assert.Empty(t, st.RequestHeaders)
	assert.Empty(t, st.ResponseHeaders)
}

func TestInspector_StartTwiceIsNoop(t *testing.T) {
	in, ic := newStarted(t, &Options{MaxRequests: 2})
	session := in.SessionID()

	in.Start(&Options{MaxRequests: 10})

	assert.Equal(t, session, in.SessionID())
	assert.Equal(t, 2, in.settings.maxRequests)
	assert.Equal(t, 1, ic.enables)
}

func TestInspector_ForceEnableForwarded(t *testing.T) {
	_, ic := newStarted(t, &Options{ForceEnable: true})
	assert.True(t, ic.force)
}

func TestInspector_OptionValidation(t *testing.T) {
	tests := []struct {
		name     string
		opts     *Options
		wantMax  int
		wantRate time.Duration
	}{
		{"nil", nil, DefaultMaxRequests, DefaultRefreshRate},
		{"zero values", &Options{}, DefaultMaxRequests, DefaultRefreshRate},
		{"negative max", &Options{MaxRequests: -5}, DefaultMaxRequests, DefaultRefreshRate},
		{"sub-millisecond rate", &Options{RefreshRate: 500 * time.Microsecond}, DefaultMaxRequests, DefaultRefreshRate},
		{"valid", &Options{MaxRequests: 10, RefreshRate: 20 * time.Millisecond}, 10, 20 * time.Millisecond},
		{"rate truncated", &Options{RefreshRate: 20*time.Millisecond + 300*time.Microsecond}, DefaultMaxRequests, 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _ := newStarted(t, tt.opts)
			assert.Equal(t, tt.wantMax, in.settings.maxRequests)
			assert.Equal(t, tt.wantRate, in.settings.refreshRate)
		})
	}
}

func TestSettings_MergeLists(t *testing.T) {
	var nilRegexp *regexp.Regexp
	s := defaultSettings().merge(&Options{
		IgnoredHosts:    []string{"a.test", ""},
		IgnoredPatterns: []Pattern{nil, nilRegexp},
	})
	assert.Len(t, s.ignoredHosts, 1)
	assert.Nil(t, s.ignoredPatterns)

	s = s.merge(&Options{IgnoredHosts: []string{}})
	assert.Nil(t, s.ignoredHosts)
	assert.False(t, s.ignored("GET", "https://a.test/"))
}

func TestInspector_ClearNotifies(t *testing.T) {
	in, ic := newStarted(t, &Options{RefreshRate: 5 * time.Millisecond})
	ic.doOpen("GET", "https://f.test/")

	rec := &recorder{}
	in.Subscribe(rec.listen)
	in.Clear()

	require.Eventually(t, func() bool {
		return rec.count() > 0 && len(rec.last()) == 0
	}, time.Second, time.Millisecond)
	assert.Zero(t, in.Count())
	_, ok := in.Get("0")
	assert.False(t, ok)

	ic.doOpen("GET", "https://f.test/")
	assert.Equal(t, "1", in.Requests()[0].ID(), "clear keeps the sequence")
}

func TestInspector_SubscriberOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	appendOrder := func(s string) Listener {
		return func([]*Request) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, s)
		}
	}

	in, ic := newStarted(t, &Options{RefreshRate: time.Millisecond, OnRequestsChange: appendOrder("change")})
	in.Subscribe(appendOrder("first"))
	in.Subscribe(appendOrder("second"))

	ic.doOpen("GET", "https://g.test/")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "change"}, order)
}

func TestInspector_UnsubscribeDuringNotification(t *testing.T) {
	in := NewInspector(&fakeInterceptor{}, nil)

	var calls int
	var unsubscribe func()
	unsubscribe = in.Subscribe(func([]*Request) {
		calls++
		unsubscribe()
	})
	other := &recorder{}
	in.Subscribe(other.listen)

	// Not started: Clear notifies synchronously.
	in.Clear()
	in.Clear()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other.count())

	// Calling it again is harmless.
	unsubscribe()
}

func TestInspector_RequestsIsACopy(t *testing.T) {
	in, ic := newStarted(t, nil)
	ic.doOpen("GET", "https://h.test/")

	reqs := in.Requests()
	reqs[0] = nil

	assert.NotNil(t, in.Requests()[0])
}

func TestInspector_GetInvalidID(t *testing.T) {
	in, _ := newStarted(t, nil)

	_, ok := in.Get("abc")
	assert.False(t, ok)
	_, ok = in.Get("0")
	assert.False(t, ok)
}

func TestExtractHost(t *testing.T) {
	tests := []struct {
		url    string
		want   string
		wantOK bool
	}{
		{"https://a.test/x", "a.test", true},
		{"https://a.test:8443/x", "a.test", true},
		{"http://a.test", "a.test", true},
		{"//cdn.test/lib.js", "cdn.test", true},
		{"/relative/path", "", false},
		{"https:///nohost", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			host, ok := ExtractHost(tt.url)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, host)
		})
	}
}

func TestParsePattern(t *testing.T) {
	glob, err := ParsePattern("glob:GET https://api.test/**")
	require.NoError(t, err)
	assert.True(t, glob.MatchString("GET https://api.test/v1/users"))
	assert.False(t, glob.MatchString("POST https://api.test/v1/users"))

	re, err := ParsePattern(`^POST .*/upload$`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("POST https://x.test/upload"))

	_, err = ParsePattern("(unclosed")
	assert.Error(t, err)
	_, err = ParsePattern("glob:[")
	assert.Error(t, err)
}

func TestResolveInterceptor(t *testing.T) {
	missing := errors.New("not installed")

	_, err := ResolveInterceptor()
	assert.ErrorIs(t, err, ErrNoInterceptor)

	_, err = ResolveInterceptor(func() (Interceptor, error) { return nil, missing })
	assert.ErrorIs(t, err, ErrNoInterceptor)
	assert.ErrorIs(t, err, missing)

	want := &fakeInterceptor{}
	got, err := ResolveInterceptor(
		func() (Interceptor, error) { return nil, missing },
		func() (Interceptor, error) { return want, nil },
	)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestResolveBodyDecoder(t *testing.T) {
	dec := ResolveBodyDecoder(func() (BodyDecoder, error) { return nil, errors.New("no") })
	assert.Equal(t, NopBodyDecoder{}, dec)

	want := scriptedDecoder{text: "x"}
	assert.Equal(t, want, ResolveBodyDecoder(func() (BodyDecoder, error) { return want, nil }))
}

// withProviders swaps the provider registries for the duration of a test.
func withProviders(t *testing.T) {
	t.Helper()
	providersMu.Lock()
	savedIC, savedDec := interceptorProviders, decoderProviders
	interceptorProviders, decoderProviders = nil, nil
	providersMu.Unlock()
	ResetDefault()

	t.Cleanup(func() {
		ResetDefault()
		providersMu.Lock()
		interceptorProviders, decoderProviders = savedIC, savedDec
		providersMu.Unlock()
	})
}

func TestDefault(t *testing.T) {
	withProviders(t)

	_, err := Default()
	assert.ErrorIs(t, err, ErrNoInterceptor)

	ic := &fakeInterceptor{}
	RegisterInterceptor("fake", func() (Interceptor, error) { return ic, nil })

	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, NopBodyDecoder{}, first.decoder)

	first.Start(nil)
	ResetDefault()
	assert.False(t, first.Enabled())
	assert.False(t, ic.IsInterceptorEnabled())

	third, err := Default()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestRegisterReplacesByName(t *testing.T) {
	withProviders(t)

	a, b := &fakeInterceptor{}, &fakeInterceptor{}
	RegisterInterceptor("x", func() (Interceptor, error) { return a, nil })
	RegisterInterceptor("x", func() (Interceptor, error) { return b, nil })

	in, err := Default()
	require.NoError(t, err)
	assert.Same(t, b, in.interceptor)
}

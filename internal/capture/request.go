package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// StatusUnset is the status of a request that has not completed.
const StatusUnset = -1

// ResponseTypeBlob marks a response whose body is a payload handle rather
// than text. Reading it goes through the BodyDecoder.
const ResponseTypeBlob = "blob"

// ErrDecodeFailed is returned when a blob decode fails without a reported error.
var ErrDecodeFailed = errors.New("capture: blob read failed")

// Headers is a flat header mapping, one value per name.
type Headers map[string]string

// State holds the mutable fields of a captured request.
type State struct {
	Status              int
	DataSent            string
	ResponseContentType string
	ResponseSize        int64
	RequestHeaders      Headers
	ResponseHeaders     Headers
	// Response is the raw response body. For blob responses it is the
	// payload handed to the BodyDecoder.
	Response     any
	// ResponseURL is the URL that produced the response. The HTTP
	// interceptor sees one redirect hop per round trip, so each hop is its
	// own record and ResponseURL equals URL for records it creates.
	ResponseURL  string
	ResponseType string
	Timeout      time.Duration
	StartTime    time.Time
	EndTime      time.Time
	UpdatedAt    time.Time
}

// Update is a partial update of a Request. Nil fields are left untouched.
type Update struct {
	// Identity fields. Update never applies them.
	ID     *string
	Type   *string
	Method *string
	URL    *string

	Status              *int
	DataSent            *string
	ResponseContentType *string
	ResponseSize        *int64
	RequestHeaders      Headers
	ResponseHeaders     Headers
	Response            any
	ResponseURL         *string
	ResponseType        *string
	Timeout             *time.Duration
	StartTime           *time.Time
	EndTime             *time.Time
}

// Request is a single captured request. Identity fields are fixed at
// construction; everything else is mutated in place as lifecycle callbacks
// arrive.
type Request struct {
	id     string
	typ    string
	method string
	url    string

	mu      sync.RWMutex
	state   State
	decoder BodyDecoder
}

// NewRequest creates a record with default state.
func NewRequest(id, typ, method, url string) *Request {
	return &Request{
		id:     id,
		typ:    typ,
		method: method,
		url:    url,
		state: State{
			Status:          StatusUnset,
			RequestHeaders:  make(Headers),
			ResponseHeaders: make(Headers),
			UpdatedAt:       time.Now(),
		},
	}
}

func (r *Request) ID() string     { return r.id }
func (r *Request) Type() string   { return r.typ }
func (r *Request) Method() string { return r.method }
func (r *Request) URL() string    { return r.url }

// State returns a copy of the mutable fields.
func (r *Request) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	s.RequestHeaders = maps.Clone(r.state.RequestHeaders)
	s.ResponseHeaders = maps.Clone(r.state.ResponseHeaders)
	return s
}

// Status returns the response status, or StatusUnset.
func (r *Request) Status() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

// UpdatedAt returns the time of the last mutation.
func (r *Request) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.UpdatedAt
}

// Update applies every supplied field and refreshes UpdatedAt.
func (r *Request) Update(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.state
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.DataSent != nil {
		s.DataSent = *u.DataSent
	}
	if u.ResponseContentType != nil {
		s.ResponseContentType = *u.ResponseContentType
	}
	if u.ResponseSize != nil {
		s.ResponseSize = *u.ResponseSize
	}
	if u.RequestHeaders != nil {
		s.RequestHeaders = maps.Clone(u.RequestHeaders)
	}
	if u.ResponseHeaders != nil {
		s.ResponseHeaders = maps.Clone(u.ResponseHeaders)
	}
	if u.Response != nil {
		s.Response = u.Response
	}
	if u.ResponseURL != nil {
		s.ResponseURL = *u.ResponseURL
	}
	if u.ResponseType != nil {
		s.ResponseType = *u.ResponseType
	}
	if u.Timeout != nil {
		s.Timeout = *u.Timeout
	}
	if u.StartTime != nil {
		s.StartTime = *u.StartTime
	}
	if u.EndTime != nil {
		s.EndTime = *u.EndTime
	}
	s.UpdatedAt = time.Now()
}

// SetRequestHeader sets a single outgoing header.
func (r *Request) SetRequestHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.RequestHeaders == nil {
		r.state.RequestHeaders = make(Headers)
	}
	r.state.RequestHeaders[name] = value
	r.state.UpdatedAt = time.Now()
}

// Duration is the time between send and response. It is zero until both
// have been observed and never negative.
func (r *Request) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return duration(r.state.StartTime, r.state.EndTime)
}

func duration(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return max(0, end.Sub(start))
}

// CurlRequest reconstructs the request as a curl command line.
func (r *Request) CurlRequest() string {
	r.mu.RLock()
	headers := maps.Clone(r.state.RequestHeaders)
	body := r.state.DataSent
	r.mu.RUnlock()

	parts := []string{"curl"}
	if r.method != "GET" {
		parts = append(parts, "-X"+strings.ToUpper(r.method))
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("-H '%s: %s'", name, escapeQuotes(headers[name])))
	}

	if body != "" {
		parts = append(parts, fmt.Sprintf("-d '%s'", escapeQuotes(body)))
	}
	parts = append(parts, "'"+r.url+"'")
	return strings.Join(parts, " ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

var bodyUnescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`)

// RequestBody returns the outgoing body. With unescape set, literal \n and \"
// sequences are turned into a newline and a double quote for display.
func (r *Request) RequestBody(unescape bool) string {
	r.mu.RLock()
	body := r.state.DataSent
	r.mu.RUnlock()
	if unescape {
		return bodyUnescaper.Replace(body)
	}
	return body
}

// ResponseBody returns the response as text. Blob responses are decoded
// through the BodyDecoder; the record itself is not modified.
func (r *Request) ResponseBody(ctx context.Context) (string, error) {
	r.mu.RLock()
	payload := r.state.Response
	blob := r.state.ResponseType == ResponseTypeBlob
	dec := r.decoder
	r.mu.RUnlock()

	if !blob {
		return textOf(payload), nil
	}
	if dec == nil {
		dec = NopBodyDecoder{}
	}
	return readBlob(ctx, dec, payload)
}

func readBlob(ctx context.Context, dec BodyDecoder, payload any) (string, error) {
	reader := dec.NewReader()
	done := make(chan ReaderEvent, 1)
	settle := func(ev ReaderEvent) func() {
		return func() {
			select {
			case done <- ev:
			default:
			}
		}
	}
	reader.AddEventListener(EventLoad, settle(EventLoad))
	reader.AddEventListener(EventError, settle(EventError))
	reader.AddEventListener(EventAbort, settle(EventAbort))
	reader.ReadAsText(payload)

	select {
	case ev := <-done:
		if ev == EventLoad {
			text, _ := reader.Result()
			return text, nil
		}
		if err := reader.Err(); err != nil {
			return "", err
		}
		return "", ErrDecodeFailed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// MarshalJSON renders the record as a flat view for the debug API.
func (r *Request) MarshalJSON() ([]byte, error) {
	s := r.State()
	view := struct {
		ID                  string  `json:"id"`
		Type                string  `json:"type"`
		Method              string  `json:"method"`
		URL                 string  `json:"url"`
		Status              int     `json:"status"`
		DataSent            string  `json:"dataSent,omitempty"`
		ResponseContentType string  `json:"responseContentType,omitempty"`
		ResponseSize        int64   `json:"responseSize"`
		RequestHeaders      Headers `json:"requestHeaders"`
		ResponseHeaders     Headers `json:"responseHeaders"`
		Response            string  `json:"response,omitempty"`
		ResponseURL         string  `json:"responseURL,omitempty"`
		ResponseType        string  `json:"responseType,omitempty"`
		TimeoutMS           int64   `json:"timeoutMs"`
		StartTime           int64   `json:"startTime"`
		EndTime             int64   `json:"endTime"`
		UpdatedAt           int64   `json:"updatedAt"`
		DurationMS          int64   `json:"durationMs"`
		Curl                string  `json:"curl"`
	}{
		ID:                  r.id,
		Type:                r.typ,
		Method:              r.method,
		URL:                 r.url,
		Status:              s.Status,
		DataSent:            s.DataSent,
		ResponseContentType: s.ResponseContentType,
		ResponseSize:        s.ResponseSize,
		RequestHeaders:      s.RequestHeaders,
		ResponseHeaders:     s.ResponseHeaders,
		ResponseURL:         s.ResponseURL,
		ResponseType:        s.ResponseType,
		TimeoutMS:           s.Timeout.Milliseconds(),
		StartTime:           unixMilli(s.StartTime),
		EndTime:             unixMilli(s.EndTime),
		UpdatedAt:           unixMilli(s.UpdatedAt),
		DurationMS:          duration(s.StartTime, s.EndTime).Milliseconds(),
		Curl:                r.CurlRequest(),
	}
	if s.ResponseType != ResponseTypeBlob {
		view.Response = textOf(s.Response)
	}
	return json.Marshal(view)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

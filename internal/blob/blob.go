// Package blob holds binary response payloads and decodes them to text.
package blob

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/adamdrake/go_netinspect/internal/capture"
)

// ErrNotBlob is reported when a reader is asked to decode something other
// than a Blob.
var ErrNotBlob = errors.New("blob: payload is not a blob")

// Blob is a captured response payload that is not plain text.
type Blob struct {
	Data        []byte
	ContentType string
	// Truncated is set when Data holds only a prefix of the body.
	Truncated bool
}

// Size returns the number of captured bytes.
func (b *Blob) Size() int { return len(b.Data) }

// String describes the blob without decoding it.
func (b *Blob) String() string {
	return fmt.Sprintf("[blob %s, %d bytes]", b.ContentType, len(b.Data))
}

// Decoder decodes blobs using the charset announced in their content type,
// falling back to content sniffing.
type Decoder struct{}

// NewDecoder returns a Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// NewReader implements capture.BodyDecoder.
func (*Decoder) NewReader() capture.BodyReader {
	return &Reader{listeners: make(map[capture.ReaderEvent][]func())}
}

// Provider is a capture.BodyDecoderProvider for Decoder.
func Provider() (capture.BodyDecoder, error) {
	return NewDecoder(), nil
}

func init() {
	capture.RegisterBodyDecoder("charset", Provider)
}

// Reader decodes a single payload in the background and signals completion
// through its event listeners.
type Reader struct {
	mu        sync.Mutex
	listeners map[capture.ReaderEvent][]func()
	started   bool
	settled   bool
	result    string
	hasResult bool
	err       error
}

// AddEventListener implements capture.BodyReader.
func (r *Reader) AddEventListener(event capture.ReaderEvent, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[event] = append(r.listeners[event], fn)
}

// ReadAsText starts decoding payload. Only the first call has an effect.
func (r *Reader) ReadAsText(payload any) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		text, err := Decode(payload)
		if err != nil {
			r.settle(capture.EventError, "", false, err)
			return
		}
		r.settle(capture.EventLoad, text, true, nil)
	}()
}

// Abort cancels a pending read. The abort event fires unless the read has
// already settled.
func (r *Reader) Abort() {
	r.settle(capture.EventAbort, "", false, errors.New("blob: read aborted"))
}

func (r *Reader) settle(ev capture.ReaderEvent, text string, ok bool, err error) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	r.result, r.hasResult, r.err = text, ok, err
	fns := append([]func(){}, r.listeners[ev]...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Result implements capture.BodyReader.
func (r *Reader) Result() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.hasResult
}

// Err implements capture.BodyReader.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Decode converts payload to UTF-8 text. It accepts *Blob, Blob and []byte.
func Decode(payload any) (string, error) {
	var b *Blob
	switch p := payload.(type) {
	case *Blob:
		b = p
	case Blob:
		b = &p
	case []byte:
		b = &Blob{Data: p}
	default:
		return "", fmt.Errorf("%w: %T", ErrNotBlob, payload)
	}
	if b == nil {
		return "", ErrNotBlob
	}
	if len(b.Data) == 0 {
		return "", nil
	}

	enc, name, _ := charset.DetermineEncoding(b.Data, b.ContentType)
	if name == "utf-8" && utf8.Valid(b.Data) {
		return string(b.Data), nil
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), b.Data)
	if err != nil {
		return "", fmt.Errorf("decode %s payload: %w", name, err)
	}
	return string(out), nil
}

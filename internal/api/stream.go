package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"gopkg.in/yaml.v3"

	"github.com/adamdrake/go_netinspect/internal/capture"
)

// snapshotFeed subscribes to the inspector and keeps only the latest
// undelivered snapshot, so a slow client never blocks notifications.
type snapshotFeed struct {
	ch          chan []*capture.Request
	unsubscribe func()
}

func newSnapshotFeed(in *capture.Inspector) *snapshotFeed {
	f := &snapshotFeed{ch: make(chan []*capture.Request, 1)}
	f.push(in.Requests())
	f.unsubscribe = in.Subscribe(f.push)
	return f
}

func (f *snapshotFeed) push(reqs []*capture.Request) {
	for {
		select {
		case f.ch <- reqs:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

// handleStream sends a full snapshot as a Server-Sent Event on every store
// notification.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	feed := newSnapshotFeed(s.inspector)
	defer feed.unsubscribe()

	fmt.Fprintf(w, "event: connected\ndata: {\"session\":%q}\n\n", s.inspector.SessionID())
	flusher.Flush()

	for {
		select {
		case reqs := <-feed.ch:
			data, err := json.Marshal(reqs)
			if err != nil {
				s.logger.Warn("snapshot marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: requests\ndata: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// wsMessage is the frame pushed to WebSocket clients.
type wsMessage struct {
	Session  string             `json:"session"`
	Enabled  bool               `json:"enabled"`
	Requests []*capture.Request `json:"requests"`
}

// handleWebSocket pushes a snapshot frame on every store notification.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	feed := newSnapshotFeed(s.inspector)
	defer feed.unsubscribe()

	for {
		select {
		case reqs := <-feed.ch:
			msg := wsMessage{
				Session:  s.inspector.SessionID(),
				Enabled:  s.inspector.Enabled(),
				Requests: reqs,
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// exportRecord is the export shape of a captured request.
type exportRecord struct {
	ID              string            `json:"id" yaml:"id"`
	Method          string            `json:"method" yaml:"method"`
	URL             string            `json:"url" yaml:"url"`
	Status          int               `json:"status" yaml:"status"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty" yaml:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty" yaml:"requestBody,omitempty"`
	ResponseType    string            `json:"responseType,omitempty" yaml:"responseType,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty" yaml:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty" yaml:"responseBody,omitempty"`
	StartTime       time.Time         `json:"startTime,omitzero" yaml:"startTime,omitempty"`
	DurationMS      int64             `json:"durationMs" yaml:"durationMs"`
	Curl            string            `json:"curl" yaml:"curl"`
}

type exportDocument struct {
	Session    string         `json:"session" yaml:"session"`
	ExportedAt time.Time      `json:"exportedAt" yaml:"exportedAt"`
	Requests   []exportRecord `json:"requests" yaml:"requests"`
}

// handleExport downloads the current log as YAML (default) or JSON.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc := exportDocument{
		Session:    s.inspector.SessionID(),
		ExportedAt: time.Now().UTC(),
		Requests:   []exportRecord{},
	}
	for _, req := range s.inspector.Requests() {
		st := req.State()
		rec := exportRecord{
			ID:              req.ID(),
			Method:          req.Method(),
			URL:             req.URL(),
			Status:          st.Status,
			RequestHeaders:  st.RequestHeaders,
			RequestBody:     st.DataSent,
			ResponseType:    st.ResponseType,
			ResponseHeaders: st.ResponseHeaders,
			StartTime:       st.StartTime,
			DurationMS:      req.Duration().Milliseconds(),
			Curl:            req.CurlRequest(),
		}
		if body, err := req.ResponseBody(r.Context()); err == nil {
			rec.ResponseBody = body
		}
		doc.Requests = append(doc.Requests, rec)
	}

	switch r.URL.Query().Get("format") {
	case "json":
		w.Header().Set("Content-Disposition", `attachment; filename="netinspect.json"`)
		writeJSON(w, http.StatusOK, doc)
	case "", "yaml":
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Content-Disposition", `attachment; filename="netinspect.yaml"`)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			s.logger.Warn("yaml export failed", "error", err)
		}
		enc.Close()
	default:
		writeError(w, http.StatusBadRequest, "format must be yaml or json")
	}
}

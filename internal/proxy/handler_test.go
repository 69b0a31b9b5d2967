package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamdrake/go_netinspect/internal/capture"
	"github.com/adamdrake/go_netinspect/internal/logging"
	"github.com/adamdrake/go_netinspect/internal/transport"
)

func TestHandler_ForwardsAndCaptures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "echo:"+string(body))
	}))
	defer upstream.Close()

	ic := transport.New(http.DefaultTransport, transport.DefaultConfig())
	ic.SetLogger(logging.Nop())
	in := capture.NewInspector(ic, nil)
	in.SetLogger(logging.Nop())
	in.Start(nil)
	defer in.Stop()

	srv := NewServer(DefaultConfig(), ic, logging.Nop())
	proxySrv := httptest.NewServer(srv.Handler())
	defer proxySrv.Close()

	proxyURL, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	req, err := http.NewRequest(http.MethodPut, upstream.URL+"/thing?id=1", strings.NewReader("hi"))
	require.NoError(t, err)
	req.Header.Set("X-Client", "proxy-test")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "echo:hi", string(body))

	reqs := in.Requests()
	require.Len(t, reqs, 1)
	st := reqs[0].State()
	assert.Equal(t, http.MethodPut, reqs[0].Method())
	assert.Equal(t, upstream.URL+"/thing?id=1", reqs[0].URL())
	assert.Equal(t, http.StatusAccepted, st.Status)
	assert.Equal(t, "hi", st.DataSent)
	assert.Equal(t, "proxy-test", st.RequestHeaders["X-Client"])
	assert.Equal(t, "echo:hi", st.Response)
}

func TestHandler_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	h := NewHandler(nil, logging.Nop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target+"/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBuildTargetURL(t *testing.T) {
	abs := httptest.NewRequest(http.MethodGet, "http://example.test/a?b=1", nil)
	assert.Equal(t, "http://example.test/a?b=1", buildTargetURL(abs))

	rel := httptest.NewRequest(http.MethodGet, "/a?b=1", nil)
	rel.Host = "example.test:8080"
	rel.URL.Host = ""
	rel.URL.Scheme = ""
	assert.Equal(t, "http://example.test:8080/a?b=1", buildTargetURL(rel))
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Keep", "1")

	removeHopByHopHeaders(h)

	assert.Equal(t, http.Header{"X-Keep": []string{"1"}}, h)
}

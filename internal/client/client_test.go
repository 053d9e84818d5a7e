package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitorsalgado/mocha/v3"
	"github.com/vitorsalgado/mocha/v3/expect"
	"github.com/vitorsalgado/mocha/v3/reply"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/endpoints"
	"github.com/kelsos/pvectl/internal/models"
)

// capturedRequest records what the client put on the wire.
type capturedRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Form    url.Values
	Headers http.Header
	Cookies []*http.Cookie
}

func newCaptureServer(
	t *testing.T,
	handler func(w http.ResponseWriter, r *http.Request),
) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		captured []capturedRequest
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)

		mu.Lock()
		captured = append(captured, capturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
			Form:    form,
			Headers: r.Header.Clone(),
			Cookies: r.Cookies(),
		})
		mu.Unlock()

		handler(w, r)
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func newTestClient(baseURL string) *APIClient {
	cfg := config.NewConfig()
	cfg.BaseURL = baseURL + "/api2/json"
	cfg.RequestTimeout = 5 * time.Second
	return NewAPIClient(cfg)
}

func TestGetDecodesJSON(t *testing.T) {
	mock := mocha.New(t)
	mock.Start()
	defer func() { _ = mock.Close() }()

	scoped := mock.AddMocks(
		mocha.Get(expect.URLPath("/api2/json/version")).
			Reply(reply.OK().
				Header("Content-Type", "application/json;charset=UTF-8").
				BodyString(`{"data":{"version":"8.2.4","release":"8.2","repoid":"faa83925"}}`)),
	)

	c := newTestClient(mock.URL())
	result, err := c.Get(context.Background(), "/version", nil)
	require.NoError(t, err)

	assert.True(t, scoped.Called())
	assert.True(t, result.IsSuccess())
	assert.False(t, result.IsError())

	var version models.APIResponse[models.Version]
	require.NoError(t, result.Decode(&version))
	assert.Equal(t, "8.2.4", version.Data.Version)
}

func TestHTTPFailuresStayInline(t *testing.T) {
	mock := mocha.New(t)
	mock.Start()
	defer func() { _ = mock.Close() }()

	mock.AddMocks(
		mocha.Post(expect.URLPath("/api2/json/nodes/pve1/qemu/100/status/start")).
			Reply(reply.BadRequest().BodyString(`{"data":null,"errors":{"vmid":"no such VM"}}`)),
	)

	c := newTestClient(mock.URL())
	result, err := c.Create(context.Background(), "nodes/pve1/qemu/100/status/start", nil)
	require.NoError(t, err)

	assert.False(t, result.IsSuccess())
	assert.Equal(t, http.StatusBadRequest, result.StatusCode)
	assert.Equal(t, "Bad Request", result.ReasonPhrase)
	assert.True(t, result.IsError())
	assert.Equal(t, "vmid : no such VM\n", result.ErrorMessage())
	assert.Error(t, result.Err())
}

func TestImageResponsesBecomeDataURIs(t *testing.T) {
	mock := mocha.New(t)
	mock.Start()
	defer func() { _ = mock.Close() }()

	mock.AddMocks(
		mocha.Get(expect.URLPath("/api2/png/nodes/pve1/rrd")).
			Reply(reply.OK().
				Header("Content-Type", "image/png").
				Body([]byte{0x89, 'P', 'N', 'G'})),
	)

	c := newTestClient(mock.URL()).WithResponseType(config.ResponseTypePNG)
	result, err := c.Get(context.Background(), "/nodes/pve1/rrd", map[string]any{"ds": "cpu", "timeframe": "hour"})
	require.NoError(t, err)

	assert.True(t, result.IsSuccess())
	assert.Equal(t, "data:image/png;base64,iVBORw==", result.DataURI)
	assert.Empty(t, result.Body)
}

func TestTransportErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	c := newTestClient(base)
	_, err := c.Get(context.Background(), "/version", nil)
	assert.Error(t, err)
}

func TestUnsupportedMethod(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	_, err := c.Do(context.Background(), http.MethodPatch, "/version", nil)
	assert.ErrorContains(t, err, "unsupported HTTP method")
}

func TestParamsEncoding(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	})
	c := newTestClient(server.URL)
	ctx := context.Background()

	_, err := c.Get(ctx, "/nodes/pve1/tasks", map[string]any{"limit": 50, "errors": true, "vmid": nil})
	require.NoError(t, err)
	_, err = c.Set(ctx, "/nodes/pve1/qemu/100/config", map[string]any{"onboot": false, "name": "web-01"})
	require.NoError(t, err)
	_, err = c.Delete(ctx, "/pools/dev", map[string]any{"force": true})
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 3)

	assert.Equal(t, http.MethodGet, got[0].Method)
	assert.Equal(t, "/api2/json/nodes/pve1/tasks", got[0].Path)
	assert.Equal(t, url.Values{"limit": {"50"}, "errors": {"1"}}, got[0].Query)

	assert.Equal(t, http.MethodPut, got[1].Method)
	assert.Equal(t, "application/x-www-form-urlencoded", got[1].Headers.Get("Content-Type"))
	assert.Equal(t, url.Values{"onboot": {"0"}, "name": {"web-01"}}, got[1].Form)

	assert.Equal(t, http.MethodDelete, got[2].Method)
	assert.Equal(t, "1", got[2].Query.Get("force"))
}

func TestLoginAndSessionHeaders(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/access/ticket" {
			_, _ = w.Write([]byte(`{"data":{"username":"root@pam","ticket":"PVE:root@pam:ABC","CSRFPreventionToken":"CSRF123"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":null}`))
	})

	c := newTestClient(server.URL)
	ctx := context.Background()

	ok, err := c.Login(ctx, "root@pam", "secret", "pve")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "CSRF123", c.Session().CSRFPreventionToken)
	assert.True(t, c.HasCredentials())

	_, err = c.Get(ctx, "/nodes", nil)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/nodes/pve1/qemu/100/status/start", nil)
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 3)

	login := got[0]
	assert.Equal(t, http.MethodPost, login.Method)
	assert.Equal(t, "root", login.Form.Get("username"))
	assert.Equal(t, "pam", login.Form.Get("realm"), "user@realm shorthand overrides the realm argument")
	assert.Equal(t, "secret", login.Form.Get("password"))
	assert.Empty(t, login.Headers.Get(csrfHeader))

	read := got[1]
	require.Len(t, read.Cookies, 1)
	assert.Equal(t, authCookie, read.Cookies[0].Name)
	assert.Equal(t, "PVE:root@pam:ABC", read.Cookies[0].Value)
	assert.Empty(t, read.Headers.Get(csrfHeader), "reads do not carry the CSRF token")

	write := got[2]
	assert.Equal(t, "CSRF123", write.Headers.Get(csrfHeader))
	require.Len(t, write.Cookies, 1)
}

func TestLoginRealmArgumentWithoutShorthand(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"username":"ops@pve","ticket":"T","CSRFPreventionToken":"C"}}`))
	})

	c := newTestClient(server.URL)
	ok, err := c.Login(context.Background(), "ops", "pw", "pve")
	require.NoError(t, err)
	assert.True(t, ok)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "ops", got[0].Form.Get("username"))
	assert.Equal(t, "pve", got[0].Form.Get("realm"))
}

func TestLoginRealmFollowsLastAt(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"username":"alice@corp.com@ldap","ticket":"T","CSRFPreventionToken":"C"}}`))
	})

	c := newTestClient(server.URL)
	ok, err := c.Login(context.Background(), "alice@corp.com@ldap", "pw", "pam")
	require.NoError(t, err)
	assert.True(t, ok)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "alice@corp.com", got[0].Form.Get("username"))
	assert.Equal(t, "ldap", got[0].Form.Get("realm"))
}

func TestLoginFromImageViewUsesJSON(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"username":"root@pam","ticket":"T","CSRFPreventionToken":"C"}}`))
	})

	png := newTestClient(server.URL).WithResponseType(config.ResponseTypePNG)
	ok, err := png.Login(context.Background(), "root", "pw", "pam")
	require.NoError(t, err)
	assert.True(t, ok)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "/api2/json/access/ticket", got[0].Path)
	assert.Equal(t, "T", png.Session().Ticket, "views share the session")
}

func TestLoginRejected(t *testing.T) {
	server, _ := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newTestClient(server.URL)
	ok, err := c.Login(context.Background(), "root@pam", "wrong", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.HasCredentials())
}

func TestAPITokenHeader(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	c := newTestClient(server.URL)
	c.SetAPIToken("root@pam!ci=0000-1111")
	c.SetSession(models.Ticket{Ticket: "ignored", CSRFPreventionToken: "ignored"})

	_, err := c.Create(context.Background(), "/nodes/pve1/vzdump", map[string]any{"vmid": 100})
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "PVEAPIToken=root@pam!ci=0000-1111", got[0].Headers.Get("Authorization"))
	assert.Empty(t, got[0].Cookies)
	assert.Empty(t, got[0].Headers.Get(csrfHeader))
}

func TestWaitForAPIReady(t *testing.T) {
	var calls atomic.Int32
	server, _ := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newTestClient(server.URL)
	assert.True(t, c.WaitForAPIReady(context.Background(), 3, time.Millisecond))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBuildURL(t *testing.T) {
	c := newTestClient("https://pve1:8006")
	assert.Equal(t, "https://pve1:8006/api2/json/nodes", c.BuildURL("/nodes"))
	assert.Equal(t, "https://pve1:8006/api2/json/nodes", c.BuildURL("nodes"))
	assert.Equal(t, "https://pve1:8006/api2/png/nodes", c.WithResponseType("png").BuildURL("nodes"))
	assert.True(t, strings.HasSuffix(c.WithResponseType("json").BuildURL("x"), "/api2/json/x"))
}

func TestEncodeParams(t *testing.T) {
	values := EncodeParams(map[string]any{
		"a":    "x",
		"b":    true,
		"c":    3,
		"d":    []string{"one", "two"},
		"e":    nil,
		"f":    1.5,
		"skip": nil,
	})

	assert.Equal(t, "a=x&b=1&c=3&d=one&d=two&f=1.5", values.Encode())
}

func TestCallUsesEndpointResponseType(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	})

	req, err := endpoints.Build("node.rrd", map[string]any{"node": "pve1", "ds": "cpu,iowait", "timeframe": "day"})
	require.NoError(t, err)

	result, err := newTestClient(server.URL).Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,cG5n", result.DataURI)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "/api2/png/nodes/pve1/rrd", got[0].Path)
	assert.Equal(t, "cpu,iowait", got[0].Query.Get("ds"))
}

func TestCallDefaultsToJSON(t *testing.T) {
	server, requests := newCaptureServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"version":"8.2.4"}}`))
	})

	req, err := endpoints.Build("version", nil)
	require.NoError(t, err)

	png := newTestClient(server.URL).WithResponseType(config.ResponseTypePNG)
	result, err := png.Call(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "/api2/json/version", got[0].Path)
}

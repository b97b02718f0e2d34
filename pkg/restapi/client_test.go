package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{WithHTTPClient(srv.Client())}, opts...)
	c, err := NewClient(context.Background(), srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "session-123"}), opts...)
	require.NoError(t, err)
	return c
}

func TestClient_SendQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer session-123", r.Header.Get("Authorization"))
		require.Equal(t, "/services/data/v59.0/query", r.URL.Path)
		require.Equal(t, "SELECT Id FROM Account", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalSize":1,"done":true,"records":[{"Id":"001"}]}`))
	})

	resp, err := c.Send(context.Background(), ForQuery(c.APIVersion(), "SELECT Id FROM Account"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		TotalSize int              `json:"totalSize"`
		Records   []map[string]any `json:"records"`
	}
	require.NoError(t, resp.AsJSON("query", &page))
	require.Equal(t, 1, page.TotalSize)
	require.Equal(t, "001", page.Records[0]["Id"])
}

func TestClient_SendJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/services/data/v58.0/sobjects/Account/001", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"Name":"Acme"}`, string(b))
		w.WriteHeader(http.StatusNoContent)
	}, WithAPIVersion("58.0"))

	resp, err := c.Send(context.Background(), ForUpdate(c.APIVersion(), "Account", "001", map[string]any{"Name": "Acme"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClient_SendErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v59.0/sobjects/Account/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"gone"}]`))
		default:
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	ctx := context.Background()
	resp, err := c.Send(ctx, ForRetrieve(c.APIVersion(), "Account", "missing", []string{"Id", "LastModifiedDate"}))
	require.Error(t, err)
	require.NotNil(t, resp)
	require.True(t, IsNotFound(err))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.False(t, netErr.Retryable())
	require.Contains(t, string(netErr.Body), "NOT_FOUND")

	_, err = c.Send(ctx, ForResources(c.APIVersion()))
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	require.True(t, netErr.Retryable())
	require.Equal(t, 2*time.Second, netErr.RetryAfter())
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(context.Background(), url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), ForResources(c.APIVersion()))
	require.Error(t, err)
	require.True(t, IsTransportError(err))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Retryable())
}

func TestClient_AccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-123", tok)
}

func TestNewClient_Validation(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	_, err := NewClient(context.Background(), "not-a-url", ts)
	require.Error(t, err)
	_, err = NewClient(context.Background(), "https://example.my.salesforce.com", nil)
	require.Error(t, err)
}

func TestRequestBuilders(t *testing.T) {
	req, err := ForQueryMore("/services/data/v59.0/query/01gD0000002HU6KIAW-2000")
	require.NoError(t, err)
	require.Equal(t, "/services/data/v59.0/query/01gD0000002HU6KIAW-2000", req.URL())

	req = ForRetrieve("v59.0", "Account", "001", []string{"Id", "Name"})
	require.Equal(t, "/services/data/v59.0/sobjects/Account/001?fields=Id%2CName", req.URL())

	req = ForSOAP("v59.0", "<se:Envelope/>")
	require.Equal(t, "/services/Soap/u/59.0", req.Path)
	require.Equal(t, `""`, req.Headers["SOAPAction"])

	sub := ForCreate("v59.0", "Contact", map[string]any{"LastName": "Doe"}).AsCompositeSubRequest("ref1")
	b, err := json.Marshal(ForComposite("v59.0", false, []CompositeSubRequest{sub}).Body)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"allOrNone": false,
		"compositeRequest": [{
			"method": "POST",
			"url": "/services/data/v59.0/sobjects/Contact",
			"referenceId": "ref1",
			"body": {"LastName": "Doe"}
		}]
	}`, string(b))
}

func TestCompositeSubResponse(t *testing.T) {
	ok := &CompositeSubResponse{HTTPStatusCode: 201, Body: json.RawMessage(`{"id":"003","success":true}`), ReferenceID: "r"}
	require.True(t, ok.IsSuccess())
	m, err := ok.BodyAsMap()
	require.NoError(t, err)
	require.Equal(t, "003", m["id"])
	require.NoError(t, ok.Err(http.MethodPost, "/x"))

	empty := &CompositeSubResponse{HTTPStatusCode: 204}
	m, err = empty.BodyAsMap()
	require.NoError(t, err)
	require.Nil(t, m)

	failed := &CompositeSubResponse{HTTPStatusCode: 404, Body: json.RawMessage(`[{"errorCode":"NOT_FOUND"}]`)}
	require.True(t, IsNotFound(failed.Err(http.MethodPatch, "/x")))
}

package uhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type (
	HttpClient interface {
		HttpClient() *http.Client
		Do(req *http.Request, options ...DoOption) (*http.Response, error)
		NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error)
	}
	BaseHttpClient struct {
		httpClient *http.Client
	}

	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)
)

// StatusError is returned by Do when the server answers with a non-2xx status. The body is preserved so callers can
// surface the server's error payload.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, body)
}

func NewBaseHttpClient(httpClient *http.Client) *BaseHttpClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BaseHttpClient{
		httpClient: httpClient,
	}
}

func (c *BaseHttpClient) HttpClient() *http.Client {
	return c.httpClient
}

func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

// WithRawResponse copies the response body into dst.
func WithRawResponse(dst *[]byte) DoOption {
	return func(resp *http.Response) error {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// Do sends the request and buffers the response body so that it can be inspected both by the options and by the
// StatusError returned for non-2xx responses. Options are only applied to successful responses.
func (c *BaseHttpClient) Do(req *http.Request, options ...DoOption) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return resp, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	for _, option := range options {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		err = option(resp)
		if err != nil {
			return resp, err
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return resp, nil
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		err := json.NewEncoder(buffer).Encode(body)
		if err != nil {
			return nil, nil, err
		}

		_, headers, err := WithContentTypeJSONHeader()()
		if err != nil {
			return nil, nil, err
		}

		return buffer, headers, nil
	}
}

// WithXMLBody sends a pre-rendered XML document, e.g. a SOAP envelope.
func WithXMLBody(body string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return bytes.NewBufferString(body), map[string]string{
			"Content-Type": "text/xml; charset=UTF-8",
		}, nil
	}
}

func WithAcceptJSONHeader() RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			"Accept": "application/json",
		}, nil
	}
}

func WithContentTypeJSONHeader() RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			"Content-Type": "application/json",
		}, nil
	}
}

func WithHeader(key, value string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			key: value,
		}, nil
	}
}

func (c *BaseHttpClient) NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	var headers map[string]string = make(map[string]string)
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}

		if buf != nil {
			buffer = buf
		}

		for k, v := range h {
			headers[k] = v
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url.String(), buffer)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

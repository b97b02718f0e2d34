package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/conductorone/mobilesync/pkg/uhttp"
)

// Sender is what sync targets need from the transport.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	APIVersion() string
	// AccessToken is the raw session id, needed by calls that carry it in the payload (SOAP headers).
	AccessToken(ctx context.Context) (string, error)
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// AsJSON decodes the body into v. A decoding failure is a MalformedResponseError.
func (r *Response) AsJSON(what string, v any) error {
	if len(r.Body) == 0 {
		return NewMalformedResponseError(what, errors.New("empty body"))
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return NewMalformedResponseError(what, err)
	}
	return nil
}

type Client struct {
	instanceURL *url.URL
	apiVersion  string
	tokens      oauth2.TokenSource
	base        *http.Client
	http        *uhttp.BaseHttpClient
	limiter     ratelimit.Limiter
}

var _ Sender = (*Client)(nil)

type ClientOption func(*Client)

func WithAPIVersion(v string) ClientOption {
	return func(c *Client) {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		c.apiVersion = v
	}
}

// WithHTTPClient sets the client whose transport is wrapped with the token source.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.base = hc
	}
}

// WithRequestsPerSecond throttles outgoing calls. Zero disables throttling.
func WithRequestsPerSecond(rps int) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = ratelimit.New(rps)
		} else {
			c.limiter = ratelimit.NewUnlimited()
		}
	}
}

func NewClient(ctx context.Context, instanceURL string, tokens oauth2.TokenSource, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(instanceURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid instance url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("restapi: instance url %q must be absolute", instanceURL)
	}
	if tokens == nil {
		return nil, errors.New("restapi: a token source is required")
	}

	c := &Client{
		instanceURL: u,
		apiVersion:  DefaultAPIVersion,
		tokens:      oauth2.ReuseTokenSource(nil, tokens),
		limiter:     ratelimit.NewUnlimited(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	c.http = uhttp.NewBaseHttpClient(oauth2.NewClient(ctx, c.tokens))

	return c, nil
}

func (c *Client) APIVersion() string {
	return c.apiVersion
}

func (c *Client) InstanceURL() *url.URL {
	u := *c.instanceURL
	return &u
}

func (c *Client) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return "", &NetworkError{Method: "TOKEN", Path: c.instanceURL.Host, Err: err}
	}
	return tok.AccessToken, nil
}

// Send issues the request. Non-2xx answers are returned together with a NetworkError so callers can inspect both.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	l := ctxzap.Extract(ctx)

	ref, err := url.Parse(req.URL())
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid request path %q: %w", req.Path, err)
	}
	u := c.instanceURL.ResolveReference(ref)

	var opts []uhttp.RequestOption
	switch {
	case req.XMLBody != "":
		opts = append(opts, uhttp.WithXMLBody(req.XMLBody))
	case req.Body != nil:
		opts = append(opts, uhttp.WithJSONBody(req.Body), uhttp.WithAcceptJSONHeader())
	default:
		opts = append(opts, uhttp.WithAcceptJSONHeader())
	}
	for k, v := range req.Headers {
		opts = append(opts, uhttp.WithHeader(k, v))
	}

	httpReq, err := c.http.NewRequest(ctx, req.Method, u, opts...)
	if err != nil {
		return nil, err
	}

	c.limiter.Take()

	l.Debug("sending request", zap.String("method", req.Method), zap.String("path", req.Path))
	resp, err := c.http.Do(httpReq)
	if resp == nil {
		return nil, &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}

	var body []byte
	if resp.Body != nil {
		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil && err == nil {
			err = readErr
		}
		body = b
	}
	ret := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}

	if err != nil {
		var statusErr *uhttp.StatusError
		if errors.As(err, &statusErr) {
			return ret, &NetworkError{
				Method:     req.Method,
				Path:       req.Path,
				StatusCode: statusErr.StatusCode,
				Body:       statusErr.Body,
				retryAfter: parseRetryAfter(resp.Header),
				Err:        err,
			}
		}
		return ret, &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}

	return ret, nil
}

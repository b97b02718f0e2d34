package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/retry"
	"github.com/conductorone/mobilesync/pkg/soap"
	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/uhttp"
)

// three calls in total
var defaultRefreshRetry = retry.RetryConfig{
	MaxAttempts:  2,
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
}

// ContentSOQLTarget runs a SOQL query through the partner SOAP api, which can return content fields the REST query
// endpoint does not. Pages are chained with the query locator.
type ContentSOQLTarget struct {
	base
	query string

	refreshRetry retry.RetryConfig
	queryLocator string
	totalSize    int
}

var _ DownTarget = (*ContentSOQLTarget)(nil)

func NewContentSOQLTarget(query string, opts ...Option) *ContentSOQLTarget {
	return &ContentSOQLTarget{
		base:         newBase(KindContentSOQL, opts...),
		query:        query,
		refreshRetry: defaultRefreshRetry,
		totalSize:    -1,
	}
}

func (t *ContentSOQLTarget) AsJSON() map[string]any {
	d := t.descriptor()
	d["query"] = t.query
	return d
}

func (t *ContentSOQLTarget) ContinuationState() string {
	return t.queryLocator
}

func (t *ContentSOQLTarget) TotalSize() int {
	return t.totalSize
}

// refreshSession issues a cheap authenticated REST call so the session id sent in the SOAP header is valid.
func (t *ContentSOQLTarget) refreshSession(ctx context.Context, client restapi.Sender) error {
	r := retry.NewRetryer(ctx, t.refreshRetry)
	return r.Do(ctx, func(ctx context.Context) error {
		_, err := client.Send(ctx, restapi.ForResources(client.APIVersion()))
		return err
	})
}

func (t *ContentSOQLTarget) call(ctx context.Context, client restapi.Sender, body func(sessionID string) string) (*soap.QueryResult, error) {
	l := ctxzap.Extract(ctx)

	if err := t.refreshSession(ctx, client); err != nil {
		l.Error("session refresh failed", zap.Error(err))
		return nil, err
	}
	sessionID, err := client.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req := restapi.ForSOAP(client.APIVersion(), body(sessionID))
	resp, err := client.Send(ctx, req)
	if err != nil {
		// faults come back as 500s with the fault envelope as body
		var netErr *restapi.NetworkError
		if errors.As(err, &netErr) && len(netErr.Body) > 0 {
			_, parseErr := soap.ParseQueryResponse(bytes.NewReader(netErr.Body))
			var fault *soap.FaultError
			if errors.As(parseErr, &fault) {
				return nil, &restapi.NetworkError{
					Method:     netErr.Method,
					Path:       netErr.Path,
					StatusCode: netErr.StatusCode,
					Body:       netErr.Body,
					Err:        fault,
				}
			}
		}
		return nil, err
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !uhttp.IsXMLContentType(ct) {
		return nil, restapi.NewMalformedResponseError("soap query", fmt.Errorf("unexpected content type %q", ct))
	}
	return soap.ParseQueryResponse(bytes.NewReader(resp.Body))
}

func (t *ContentSOQLTarget) apply(res *soap.QueryResult) []record.Record {
	t.totalSize = res.Size
	t.queryLocator = res.QueryLocator
	return toRecords(res.Records)
}

func (t *ContentSOQLTarget) StartFetch(ctx context.Context, client restapi.Sender, maxTimeStamp int64) ([]record.Record, error) {
	q, err := PrepareQuery(t.query, t.idFieldName, t.modificationDateFieldName, maxTimeStamp)
	if err != nil {
		return nil, err
	}
	t.queryLocator = ""

	res, err := t.call(ctx, client, func(sessionID string) string {
		return soap.QueryEnvelope(sessionID, q)
	})
	if err != nil {
		return nil, err
	}
	return t.apply(res), nil
}

func (t *ContentSOQLTarget) ContinueFetch(ctx context.Context, client restapi.Sender) ([]record.Record, error) {
	if t.queryLocator == "" {
		return nil, nil
	}
	locator := t.queryLocator
	res, err := t.call(ctx, client, func(sessionID string) string {
		return soap.QueryMoreEnvelope(sessionID, locator)
	})
	if err != nil {
		return nil, err
	}
	return t.apply(res), nil
}

func (t *ContentSOQLTarget) RemoteIDs(ctx context.Context, client restapi.Sender, localIDs mapset.Set[string]) (mapset.Set[string], error) {
	q, err := SelectOnly(t.query, t.idFieldName)
	if err != nil {
		return nil, err
	}
	return collectQueryIDs(ctx, client, q, t.idFieldName, localIDs)
}

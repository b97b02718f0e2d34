// Package composite sends several REST calls as one composite request and resolves the reference ids that link
// them.
package composite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

var tracer = otel.Tracer("mobilesync/pkg.sync.composite")

// MaxSubRequests is the server's limit of sub-requests per composite call.
const MaxSubRequests = 25

var ErrInvalidReferenceID = errors.New("composite: invalid reference id")

// RefIDRequest is a request tagged with the reference id later sub-requests use to point at its result.
type RefIDRequest struct {
	ReferenceID string
	Request     *restapi.Request
}

// Reference returns the expression that resolves to the id created by the sub-request refID.
func Reference(refID string) string {
	return "@{" + refID + ".id}"
}

// ParseReference is the inverse of Reference.
func ParseReference(v string) (string, bool) {
	if !strings.HasPrefix(v, "@{") || !strings.HasSuffix(v, ".id}") {
		return "", false
	}
	ref := v[len("@{") : len(v)-len(".id}")]
	return ref, ref != ""
}

func validate(requests []RefIDRequest) error {
	if len(requests) == 0 {
		return errors.New("composite: no requests")
	}
	if len(requests) > MaxSubRequests {
		return fmt.Errorf("composite: %d requests exceed the limit of %d", len(requests), MaxSubRequests)
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, r := range requests {
		if r.ReferenceID == "" {
			return fmt.Errorf("%w: empty", ErrInvalidReferenceID)
		}
		if !seen.Add(r.ReferenceID) {
			return fmt.Errorf("%w: %q is used twice", ErrInvalidReferenceID, r.ReferenceID)
		}
		if r.Request == nil {
			return fmt.Errorf("composite: request %q is nil", r.ReferenceID)
		}
	}
	return nil
}

// SendCompositeRequest sends requests, in order, as one composite call and returns the sub-responses by reference
// id. With allOrNone the server rolls back every sub-request when one fails.
func SendCompositeRequest(
	ctx context.Context,
	client restapi.Sender,
	allOrNone bool,
	requests []RefIDRequest,
) (map[string]*restapi.CompositeSubResponse, error) {
	ctx, span := tracer.Start(ctx, "composite.SendCompositeRequest")
	defer span.End()

	if err := validate(requests); err != nil {
		return nil, err
	}

	subs := make([]restapi.CompositeSubRequest, 0, len(requests))
	for _, r := range requests {
		subs = append(subs, r.Request.AsCompositeSubRequest(r.ReferenceID))
	}

	resp, err := client.Send(ctx, restapi.ForComposite(client.APIVersion(), allOrNone, subs))
	if err != nil {
		return nil, err
	}
	cr := &restapi.CompositeResponse{}
	if err := resp.AsJSON("composite", cr); err != nil {
		return nil, err
	}

	ret := make(map[string]*restapi.CompositeSubResponse, len(cr.CompositeResponse))
	for _, sub := range cr.CompositeResponse {
		if sub == nil {
			continue
		}
		ret[sub.ReferenceID] = sub
	}
	ctxzap.Extract(ctx).Debug("composite request sent",
		zap.Int("sub_requests", len(subs)),
		zap.Int("sub_responses", len(ret)),
		zap.Bool("all_or_none", allOrNone),
	)
	return ret, nil
}

// ParseIDsFromResponses maps the reference id of every successful create to the id the server assigned.
func ParseIDsFromResponses(responses map[string]*restapi.CompositeSubResponse) map[string]string {
	ret := make(map[string]string)
	for refID, sub := range responses {
		if sub == nil || sub.HTTPStatusCode != http.StatusCreated {
			continue
		}
		body, err := sub.BodyAsMap()
		if err != nil || body == nil {
			continue
		}
		if id, ok := body["id"].(string); ok && id != "" {
			ret[refID] = id
		}
	}
	return ret
}

// UpdateReferences replaces a reference id held in r[field], either verbatim or as a reference expression, with the
// server id it resolved to. It reports whether the field changed.
func UpdateReferences(r record.Record, field string, refIDToServerID map[string]string) bool {
	v, ok := r[field].(string)
	if !ok || v == "" {
		return false
	}
	ref := v
	if parsed, ok := ParseReference(v); ok {
		ref = parsed
	}
	serverID, ok := refIDToServerID[ref]
	if !ok {
		return false
	}
	r[field] = serverID
	return true
}

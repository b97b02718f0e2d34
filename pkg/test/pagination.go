package test

import (
	"context"
	"fmt"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/sync/target"
)

// maxPages guards tests against a target that never clears its continuation.
const maxPages = 1000

// ExhaustFetch - some tests don't care about how a target pages and just
// want every page. Pages are returned separately so callers can still assert
// on page boundaries.
func ExhaustFetch(
	ctx context.Context,
	t target.DownTarget,
	client restapi.Sender,
	maxTimeStamp int64,
) (
	[][]record.Record,
	error,
) {
	page, err := t.StartFetch(ctx, client, maxTimeStamp)
	if err != nil {
		return nil, err
	}
	pages := [][]record.Record{page}
	for t.ContinuationState() != "" {
		if len(pages) > maxPages {
			return nil, fmt.Errorf("target %s did not finish after %d pages", t.Kind(), maxPages)
		}
		page, err = t.ContinueFetch(ctx, client)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return nil, fmt.Errorf("target %s returned no page while continuation was %q", t.Kind(), t.ContinuationState())
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// IDs flattens pages into the ids they hold, in order.
func IDs(pages [][]record.Record, idField string) []string {
	var ret []string
	for _, p := range pages {
		for _, r := range p {
			ret = append(ret, r.String(idField))
		}
	}
	return ret
}

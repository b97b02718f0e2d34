package target

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

// SOQLTarget fetches the result of a SOQL query, following nextRecordsUrl between pages.
type SOQLTarget struct {
	base
	query string

	nextRecordsURL string
	totalSize      int
}

var _ DownTarget = (*SOQLTarget)(nil)

func NewSOQLTarget(query string, opts ...Option) *SOQLTarget {
	t := &SOQLTarget{
		base:      newBase(KindSOQL, opts...),
		query:     query,
		totalSize: -1,
	}
	return t
}

func (t *SOQLTarget) Query() string {
	return t.query
}

func (t *SOQLTarget) AsJSON() map[string]any {
	d := t.descriptor()
	d["query"] = t.query
	return d
}

func (t *SOQLTarget) ContinuationState() string {
	return t.nextRecordsURL
}

func (t *SOQLTarget) TotalSize() int {
	return t.totalSize
}

type queryPage struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

func (t *SOQLTarget) StartFetch(ctx context.Context, client restapi.Sender, maxTimeStamp int64) ([]record.Record, error) {
	q, err := PrepareQuery(t.query, t.idFieldName, t.modificationDateFieldName, maxTimeStamp)
	if err != nil {
		return nil, err
	}
	ctxzap.Extract(ctx).Debug("starting soql fetch", zap.String("query", q), zap.Int64("max_time_stamp", maxTimeStamp))

	t.nextRecordsURL = ""
	return t.fetch(ctx, client, restapi.ForQuery(client.APIVersion(), q))
}

func (t *SOQLTarget) ContinueFetch(ctx context.Context, client restapi.Sender) ([]record.Record, error) {
	if t.nextRecordsURL == "" {
		return nil, nil
	}
	req, err := restapi.ForQueryMore(t.nextRecordsURL)
	if err != nil {
		return nil, err
	}
	return t.fetch(ctx, client, req)
}

func (t *SOQLTarget) fetch(ctx context.Context, client restapi.Sender, req *restapi.Request) ([]record.Record, error) {
	page, err := fetchQueryPage(ctx, client, req)
	if err != nil {
		return nil, err
	}
	t.totalSize = page.TotalSize
	t.nextRecordsURL = ""
	if !page.Done {
		if page.NextRecordsURL == "" {
			return nil, restapi.NewMalformedResponseError("query", fmt.Errorf("page is not done but has no nextRecordsUrl"))
		}
		t.nextRecordsURL = page.NextRecordsURL
	}
	return toRecords(page.Records), nil
}

func fetchQueryPage(ctx context.Context, client restapi.Sender, req *restapi.Request) (*queryPage, error) {
	resp, err := client.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	page := &queryPage{}
	if err := resp.AsJSON("query", page); err != nil {
		return nil, err
	}
	if page.Records == nil {
		return nil, restapi.NewMalformedResponseError("query", fmt.Errorf("no records in page"))
	}
	return page, nil
}

// RemoteIDs runs the query again selecting only the id field, without the incremental filter.
func (t *SOQLTarget) RemoteIDs(ctx context.Context, client restapi.Sender, localIDs mapset.Set[string]) (mapset.Set[string], error) {
	q, err := SelectOnly(t.query, t.idFieldName)
	if err != nil {
		return nil, err
	}
	return collectQueryIDs(ctx, client, q, t.idFieldName, localIDs)
}

func collectQueryIDs(ctx context.Context, client restapi.Sender, q string, idField string, localIDs mapset.Set[string]) (mapset.Set[string], error) {
	ret := mapset.NewThreadUnsafeSet[string]()
	req := restapi.ForQuery(client.APIVersion(), q)
	for req != nil {
		page, err := fetchQueryPage(ctx, client, req)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Records {
			id := record.Record(r).String(idField)
			if localIDs.Contains(id) {
				ret.Add(id)
			}
		}

		req = nil
		if !page.Done && page.NextRecordsURL != "" {
			req, err = restapi.ForQueryMore(page.NextRecordsURL)
			if err != nil {
				return nil, err
			}
		}
	}
	return ret, nil
}

// topLevelIndex finds keyword (surrounded by whitespace) in q outside of parentheses and string literals. It returns
// the index of the keyword itself, or -1.
func topLevelIndex(q string, keyword string, from int) int {
	depth := 0
	inString := false
	for i := from; i < len(q); i++ {
		c := q[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '\'' {
				inString = false
			}
			continue
		case c == '\'':
			inString = true
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		end := i + len(keyword)
		if depth != 0 || end > len(q) || !strings.EqualFold(q[i:end], keyword) {
			continue
		}
		if (i == 0 || isSpace(q[i-1])) && end < len(q) && isSpace(q[end]) {
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

type selectParts struct {
	fields []string
	// rest starts with the from keyword
	rest string
}

func splitSelect(q string) (*selectParts, error) {
	q = strings.TrimSpace(q)
	sel := topLevelIndex(q, "select", 0)
	if sel != 0 {
		return nil, fmt.Errorf("target: query must start with select: %q", q)
	}
	from := topLevelIndex(q, "from", sel+len("select"))
	if from < 0 {
		return nil, fmt.Errorf("target: query has no from clause: %q", q)
	}

	var fields []string
	depth := 0
	start := len("select")
	list := q[:from]
	for i := start; i < len(list); i++ {
		switch list[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				fields = append(fields, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	fields = append(fields, strings.TrimSpace(list[start:]))

	return &selectParts{fields: fields, rest: q[from:]}, nil
}

func (p *selectParts) has(field string) bool {
	for _, f := range p.fields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

func (p *selectParts) String() string {
	return "SELECT " + strings.Join(p.fields, ", ") + " " + p.rest
}

// PrepareQuery makes sure q selects the id and modification date fields and, when maxTimeStamp is set, restricts it
// to records modified after it. The predicate goes first in an existing where clause, or right after the from
// clause's object otherwise.
func PrepareQuery(q string, idField string, modField string, maxTimeStamp int64) (string, error) {
	parts, err := splitSelect(q)
	if err != nil {
		return "", err
	}

	var missing []string
	for _, f := range []string{idField, modField} {
		if f != "" && !parts.has(f) {
			missing = append(missing, f)
		}
	}
	parts.fields = append(missing, parts.fields...)

	if maxTimeStamp > 0 && modField != "" {
		pred := fmt.Sprintf("%s > %s", modField, FormatTimeStamp(maxTimeStamp))
		rest := parts.rest
		if where := topLevelIndex(rest, "where", 0); where >= 0 {
			after := where + len("where") + 1
			rest = rest[:after] + pred + " and " + rest[after:]
		} else {
			// "from" plus whitespace plus the object name
			i := len("from")
			for i < len(rest) && isSpace(rest[i]) {
				i++
			}
			for i < len(rest) && !isSpace(rest[i]) {
				i++
			}
			rest = rest[:i] + " where " + pred + rest[i:]
		}
		parts.rest = rest
	}

	return parts.String(), nil
}

// SelectOnly replaces the select list of q with field.
func SelectOnly(q string, field string) (string, error) {
	parts, err := splitSelect(q)
	if err != nil {
		return "", err
	}
	parts.fields = []string{field}
	return parts.String(), nil
}

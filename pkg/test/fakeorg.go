package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/conductorone/mobilesync/pkg/restapi"
)

// SessionID is the access token every FakeOrg client presents.
const SessionID = "00Dfake!session"

var (
	dataPathRe  = regexp.MustCompile(`^/services/data/v[0-9.]+(/.*)?$`)
	fromRe      = regexp.MustCompile(`(?i)\sfrom\s+(\w+)`)
	afterRe     = regexp.MustCompile(`(?i)(\w+)\s*>\s*(\d{4}-\d\d-\d\dT[0-9:.]+Z)`)
	inRe        = regexp.MustCompile(`(?i)(\w+)\s+in\s*\(([^)]*)\)`)
	returningRe = regexp.MustCompile(`(?i)returning\s+(\w+)`)
)

type failure struct {
	method string
	prefix string
	status int
	body   string
}

// FakeOrg is an in-memory server speaking enough of the REST and partner SOAP apis to run syncs against. Records
// are kept per object type in insertion order.
type FakeOrg struct {
	mtx sync.Mutex

	srv    *httptest.Server
	Client *restapi.Client

	// PageSize bounds query pages. Zero means everything in one page.
	PageSize int

	objects map[string]map[string]map[string]any
	order   map[string][]string
	recent  map[string][]string
	cursors map[string]*cursor
	failing []failure
	calls   []string
	nextID  int
	nextCur int
	clock   time.Time
	hook    func(r *http.Request)
}

func NewFakeOrg(t testing.TB, opts ...restapi.ClientOption) *FakeOrg {
	t.Helper()
	o := &FakeOrg{
		objects: make(map[string]map[string]map[string]any),
		order:   make(map[string][]string),
		recent:  make(map[string][]string),
		cursors: make(map[string]*cursor),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	o.srv = httptest.NewServer(o)
	t.Cleanup(o.srv.Close)

	opts = append([]restapi.ClientOption{restapi.WithHTTPClient(o.srv.Client())}, opts...)
	c, err := restapi.NewClient(context.Background(), o.srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: SessionID}), opts...)
	if err != nil {
		t.Fatal(err)
	}
	o.Client = c
	return o
}

func (o *FakeOrg) URL() string {
	return o.srv.URL
}

// Now returns the org clock. Every write advances it by a minute.
func (o *FakeOrg) Now() time.Time {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.clock
}

func (o *FakeOrg) tick() string {
	o.clock = o.clock.Add(time.Minute)
	return o.clock.Format("2006-01-02T15:04:05.000+0000")
}

func (o *FakeOrg) newID(objectType string) string {
	o.nextID++
	prefix := strings.ToUpper(objectType)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s%012d", prefix, o.nextID)
}

// Put stores a record, assigning Id and LastModifiedDate when missing. It returns the stored id.
func (o *FakeOrg) Put(objectType string, fields map[string]any) string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.put(objectType, fields)
}

func (o *FakeOrg) put(objectType string, fields map[string]any) string {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	id, _ := rec["Id"].(string)
	if id == "" {
		id = o.newID(objectType)
		rec["Id"] = id
	}
	if _, ok := rec["LastModifiedDate"]; !ok {
		rec["LastModifiedDate"] = o.tick()
	}
	rec["attributes"] = map[string]any{"type": objectType}

	if o.objects[objectType] == nil {
		o.objects[objectType] = make(map[string]map[string]any)
	}
	if _, exists := o.objects[objectType][id]; !exists {
		o.order[objectType] = append(o.order[objectType], id)
	}
	o.objects[objectType][id] = rec
	return id
}

// Get returns a copy of a stored record, or nil.
func (o *FakeOrg) Get(objectType string, id string) map[string]any {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	rec, ok := o.objects[objectType][id]
	if !ok {
		return nil
	}
	return copyRecord(rec)
}

func (o *FakeOrg) Count(objectType string) int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return len(o.objects[objectType])
}

// Touch bumps the modification date of a record as if someone edited it remotely.
func (o *FakeOrg) Touch(objectType string, id string, fields map[string]any) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	rec, ok := o.objects[objectType][id]
	if !ok {
		return
	}
	for k, v := range fields {
		rec[k] = v
	}
	rec["LastModifiedDate"] = o.tick()
}

func (o *FakeOrg) Remove(objectType string, id string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.remove(objectType, id)
}

func (o *FakeOrg) remove(objectType string, id string) bool {
	if _, ok := o.objects[objectType][id]; !ok {
		return false
	}
	delete(o.objects[objectType], id)
	ids := o.order[objectType]
	for i, v := range ids {
		if v == id {
			o.order[objectType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return true
}

// SetRecent sets the ids returned as recently used items of objectType.
func (o *FakeOrg) SetRecent(objectType string, ids ...string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.recent[objectType] = ids
}

// FailNext makes the next request matching method and path prefix answer status with body.
func (o *FakeOrg) FailNext(method string, pathPrefix string, status int, body string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.failing = append(o.failing, failure{method: method, prefix: pathPrefix, status: status, body: body})
}

// OnRequest registers a function called before each request is served.
func (o *FakeOrg) OnRequest(fn func(r *http.Request)) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.hook = fn
}

// Calls returns "METHOD path" for every request served so far.
func (o *FakeOrg) Calls() []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *FakeOrg) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mtx.Lock()
	hook := o.hook
	o.mtx.Unlock()
	if hook != nil {
		hook(r)
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()

	o.calls = append(o.calls, r.Method+" "+r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer "+SessionID {
		writeJSON(w, http.StatusUnauthorized, []map[string]any{{"errorCode": "INVALID_SESSION_ID"}})
		return
	}
	for i, f := range o.failing {
		if f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
			o.failing = append(o.failing[:i:i], o.failing[i+1:]...)
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, f.body)
			return
		}
	}

	body, _ := io.ReadAll(r.Body)
	o.serve(w, r.Method, r.URL.Path, r.URL.Query().Get, body)
}

func (o *FakeOrg) serve(w http.ResponseWriter, method string, path string, query func(string) string, body []byte) {
	if strings.HasPrefix(path, "/services/Soap/u/") && method == http.MethodPost {
		o.serveSOAP(w, body)
		return
	}
	m := dataPathRe.FindStringSubmatch(path)
	if m == nil {
		writeJSON(w, http.StatusNotFound, []map[string]any{{"errorCode": "NOT_FOUND"}})
		return
	}
	rest := strings.Trim(m[1], "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		writeJSON(w, http.StatusOK, map[string]any{"sobjects": path + "sobjects"})
	case parts[0] == "query" && len(parts) == 1:
		o.serveQuery(w, query("q"))
	case parts[0] == "query" && len(parts) == 2:
		o.serveCursor(w, parts[1])
	case parts[0] == "search":
		o.serveSearch(w, query("q"))
	case parts[0] == "composite":
		o.serveComposite(w, body)
	case parts[0] == "sobjects" && len(parts) == 2:
		o.serveObject(w, method, parts[1], body)
	case parts[0] == "sobjects" && len(parts) == 3:
		o.serveRecord(w, method, parts[1], parts[2], query("fields"), body)
	default:
		writeJSON(w, http.StatusNotFound, []map[string]any{{"errorCode": "NOT_FOUND"}})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func copyRecord(rec map[string]any) map[string]any {
	ret := make(map[string]any, len(rec))
	for k, v := range rec {
		ret[k] = v
	}
	return ret
}

// run evaluates the handful of query shapes syncs produce: an object, an optional "field > datetime" filter and an
// optional "field IN (...)" filter.
func (o *FakeOrg) run(q string) ([]map[string]any, error) {
	m := fromRe.FindStringSubmatch(q)
	if m == nil {
		return nil, fmt.Errorf("no from clause in %q", q)
	}
	objectType := m[1]

	var afterField string
	var after time.Time
	if am := afterRe.FindStringSubmatch(q); am != nil {
		t, err := time.Parse("2006-01-02T15:04:05.000Z", am[2])
		if err != nil {
			return nil, err
		}
		afterField, after = am[1], t
	}

	var inField string
	inIDs := make(map[string]bool)
	if im := inRe.FindStringSubmatch(q); im != nil {
		inField = im[1]
		for _, id := range strings.Split(im[2], ",") {
			inIDs[strings.Trim(strings.TrimSpace(id), "'")] = true
		}
	}

	ret := make([]map[string]any, 0)
	for _, id := range o.order[objectType] {
		rec := o.objects[objectType][id]
		if afterField != "" {
			s, _ := rec[afterField].(string)
			t, err := time.Parse("2006-01-02T15:04:05.000Z0700", s)
			if err != nil || !t.After(after) {
				continue
			}
		}
		if inField != "" {
			s, _ := rec[inField].(string)
			if !inIDs[s] {
				continue
			}
		}
		ret = append(ret, copyRecord(rec))
	}
	return ret, nil
}

type cursor struct {
	remaining []map[string]any
	total     int
}

type queryResult struct {
	total   int
	records []map[string]any
	cursor  string
}

// page splits off the first page and parks the rest under a new cursor.
func (o *FakeOrg) page(records []map[string]any, total int) queryResult {
	if o.PageSize <= 0 || len(records) <= o.PageSize {
		return queryResult{total: total, records: records}
	}
	o.nextCur++
	cur := fmt.Sprintf("01gCUR%d", o.nextCur)
	o.cursors[cur] = &cursor{remaining: records[o.PageSize:], total: total}
	return queryResult{total: total, records: records[:o.PageSize], cursor: cur}
}

func (r queryResult) restBody() map[string]any {
	ret := map[string]any{
		"totalSize": r.total,
		"done":      r.cursor == "",
		"records":   r.records,
	}
	if r.cursor != "" {
		ret["nextRecordsUrl"] = "/services/data/" + restapi.DefaultAPIVersion + "/query/" + r.cursor
	}
	return ret
}

func (o *FakeOrg) serveQuery(w http.ResponseWriter, q string) {
	records, err := o.run(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "MALFORMED_QUERY", "message": err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, o.page(records, len(records)).restBody())
}

func (o *FakeOrg) nextFromCursor(cur string) (queryResult, bool) {
	c, ok := o.cursors[cur]
	if !ok {
		return queryResult{}, false
	}
	delete(o.cursors, cur)
	return o.page(c.remaining, c.total), true
}

func (o *FakeOrg) serveCursor(w http.ResponseWriter, cur string) {
	res, ok := o.nextFromCursor(cur)
	if !ok {
		writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "INVALID_QUERY_LOCATOR"}})
		return
	}
	writeJSON(w, http.StatusOK, res.restBody())
}

func (o *FakeOrg) serveSearch(w http.ResponseWriter, q string) {
	m := returningRe.FindStringSubmatch(q)
	records := make([]map[string]any, 0)
	if m != nil {
		for _, id := range o.order[m[1]] {
			records = append(records, copyRecord(o.objects[m[1]][id]))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"searchRecords": records})
}

func (o *FakeOrg) serveObject(w http.ResponseWriter, method string, objectType string, body []byte) {
	switch method {
	case http.MethodGet:
		items := make([]map[string]any, 0)
		for _, id := range o.recent[objectType] {
			items = append(items, map[string]any{"attributes": map[string]any{"type": objectType}, "Id": id})
		}
		writeJSON(w, http.StatusOK, map[string]any{"objectDescribe": map[string]any{"name": objectType}, "recentItems": items})
	case http.MethodPost:
		fields := make(map[string]any)
		if err := json.Unmarshal(body, &fields); err != nil {
			writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "JSON_PARSER_ERROR"}})
			return
		}
		if _, ok := fields["Id"]; ok {
			writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "INVALID_FIELD_FOR_INSERT_UPDATE"}})
			return
		}
		if name, ok := fields["Name"].(string); ok && name == "" {
			writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "REQUIRED_FIELD_MISSING", "fields": []string{"Name"}}})
			return
		}
		delete(fields, "LastModifiedDate")
		id := o.put(objectType, fields)
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "success": true, "errors": []any{}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (o *FakeOrg) serveRecord(w http.ResponseWriter, method string, objectType string, id string, fields string, body []byte) {
	rec, ok := o.objects[objectType][id]
	if !ok {
		writeJSON(w, http.StatusNotFound, []map[string]any{{"errorCode": "NOT_FOUND", "message": "The requested resource does not exist"}})
		return
	}
	switch method {
	case http.MethodGet:
		ret := copyRecord(rec)
		if fields != "" {
			ret = map[string]any{"attributes": rec["attributes"], "Id": id}
			for _, f := range strings.Split(fields, ",") {
				ret[f] = rec[f]
			}
		}
		writeJSON(w, http.StatusOK, ret)
	case http.MethodPatch:
		update := make(map[string]any)
		if err := json.Unmarshal(body, &update); err != nil {
			writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "JSON_PARSER_ERROR"}})
			return
		}
		for k, v := range update {
			rec[k] = v
		}
		rec["LastModifiedDate"] = o.tick()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		o.remove(objectType, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

var refRe = regexp.MustCompile(`@\{([^.}]+)\.id\}`)

func (o *FakeOrg) serveComposite(w http.ResponseWriter, body []byte) {
	req := &restapi.CompositeRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeJSON(w, http.StatusBadRequest, []map[string]any{{"errorCode": "JSON_PARSER_ERROR"}})
		return
	}

	ids := make(map[string]string)
	resolve := func(s string) string {
		return refRe.ReplaceAllStringFunc(s, func(ref string) string {
			return ids[refRe.FindStringSubmatch(ref)[1]]
		})
	}

	out := &restapi.CompositeResponse{}
	for _, sub := range req.CompositeRequest {
		subBody, _ := json.Marshal(sub.Body)
		if sub.Body == nil {
			subBody = nil
		}
		subBody = []byte(resolve(string(subBody)))

		path, rawQuery, _ := strings.Cut(resolve(sub.URL), "?")
		values, _ := url.ParseQuery(rawQuery)

		rec := httptest.NewRecorder()
		o.serve(rec, sub.Method, path, values.Get, subBody)

		res := &restapi.CompositeSubResponse{
			HTTPStatusCode: rec.Code,
			ReferenceID:    sub.ReferenceID,
			HTTPHeaders:    map[string]string{},
		}
		if b := bytes.TrimSpace(rec.Body.Bytes()); len(b) > 0 {
			res.Body = b
		} else {
			res.Body = json.RawMessage("null")
		}
		if rec.Code == http.StatusCreated {
			var created struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(res.Body, &created)
			ids[sub.ReferenceID] = created.ID
		}
		out.CompositeResponse = append(out.CompositeResponse, res)
	}
	writeJSON(w, http.StatusOK, out)
}

func between(s string, open string, close string) (string, bool) {
	_, after, ok := strings.Cut(s, open)
	if !ok {
		return "", false
	}
	v, _, ok := strings.Cut(after, close)
	return v, ok
}

func (o *FakeOrg) serveSOAP(w http.ResponseWriter, body []byte) {
	env := string(body)
	session, _ := between(env, "<sessionId>", "</sessionId>")
	if html.UnescapeString(session) != SessionID {
		writeSOAPFault(w, "sf:INVALID_SESSION_ID", "INVALID_SESSION_ID: Invalid Session ID found in SessionHeader")
		return
	}

	var res queryResult
	if q, ok := between(env, "<queryString>", "</queryString>"); ok {
		records, err := o.run(html.UnescapeString(q))
		if err != nil {
			writeSOAPFault(w, "sf:MALFORMED_QUERY", err.Error())
			return
		}
		res = o.page(records, len(records))
	} else if loc, ok := between(env, "<queryLocator>", "</queryLocator>"); ok {
		var found bool
		res, found = o.nextFromCursor(html.UnescapeString(loc))
		if !found {
			writeSOAPFault(w, "sf:INVALID_QUERY_LOCATOR", "invalid query locator")
			return
		}
	} else {
		writeSOAPFault(w, "soapenv:Client", "unsupported call")
		return
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns="urn:partner.soap.sforce.com" xmlns:sf="urn:sobject.partner.soap.sforce.com" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"><soapenv:Body><queryResponse><result xsi:type="QueryResult">`)
	fmt.Fprintf(&b, "<done>%t</done>", res.cursor == "")
	if res.cursor == "" {
		b.WriteString(`<queryLocator xsi:nil="true"/>`)
	} else {
		fmt.Fprintf(&b, "<queryLocator>%s</queryLocator>", html.EscapeString(res.cursor))
	}
	for _, rec := range res.records {
		writeSOAPRecord(&b, rec)
	}
	fmt.Fprintf(&b, "<size>%d</size></result></queryResponse></soapenv:Body></soapenv:Envelope>", res.total)

	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

func writeSOAPRecord(b *strings.Builder, rec map[string]any) {
	b.WriteString(`<records xsi:type="sf:sObject">`)
	if attrs, ok := rec["attributes"].(map[string]any); ok {
		fmt.Fprintf(b, "<sf:type>%v</sf:type>", attrs["type"])
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if k != "attributes" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if rec[k] == nil {
			fmt.Fprintf(b, `<sf:%s xsi:nil="true"/>`, k)
			continue
		}
		fmt.Fprintf(b, "<sf:%s>%s</sf:%s>", k, html.EscapeString(fmt.Sprint(rec[k])), k)
	}
	b.WriteString(`</records>`)
}

func writeSOAPFault(w http.ResponseWriter, code string, msg string) {
	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"><soapenv:Body><soapenv:Fault><faultcode>%s</faultcode><faultstring>%s</faultstring></soapenv:Fault></soapenv:Body></soapenv:Envelope>`,
		html.EscapeString(code), html.EscapeString(msg))
}

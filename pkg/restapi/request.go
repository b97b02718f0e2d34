package restapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultAPIVersion = "v59.0"

// Request describes one call against the instance. Path is relative to the instance URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any    // JSON encoded when set
	XMLBody string // sent verbatim as text/xml when set
	Headers map[string]string
}

// URL returns the path and encoded query, the form composite sub-requests expect.
func (r *Request) URL() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

func (r *Request) String() string {
	return r.Method + " " + r.URL()
}

func dataPath(apiVersion string, parts ...string) string {
	p := "/services/data/" + apiVersion
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ForResources lists the resources available for the api version. It is the cheapest authenticated call there is.
func ForResources(apiVersion string) *Request {
	return &Request{Method: http.MethodGet, Path: dataPath(apiVersion) + "/"}
}

func ForQuery(apiVersion string, soql string) *Request {
	return &Request{
		Method: http.MethodGet,
		Path:   dataPath(apiVersion, "query"),
		Query:  url.Values{"q": []string{soql}},
	}
}

// ForQueryMore follows the nextRecordsUrl returned by a previous query page.
func ForQueryMore(nextRecordsURL string) (*Request, error) {
	u, err := url.Parse(nextRecordsURL)
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid next records url %q: %w", nextRecordsURL, err)
	}
	return &Request{Method: http.MethodGet, Path: u.Path, Query: u.Query()}, nil
}

func ForSearch(apiVersion string, sosl string) *Request {
	return &Request{
		Method: http.MethodGet,
		Path:   dataPath(apiVersion, "search"),
		Query:  url.Values{"q": []string{sosl}},
	}
}

// ForMetadata returns the object's basic metadata, including its recently used items.
func ForMetadata(apiVersion string, objectType string) *Request {
	return &Request{Method: http.MethodGet, Path: dataPath(apiVersion, "sobjects", objectType)}
}

func ForRetrieve(apiVersion string, objectType string, id string, fields []string) *Request {
	req := &Request{Method: http.MethodGet, Path: dataPath(apiVersion, "sobjects", objectType, id)}
	if len(fields) > 0 {
		req.Query = url.Values{"fields": []string{strings.Join(fields, ",")}}
	}
	return req
}

func ForCreate(apiVersion string, objectType string, fields map[string]any) *Request {
	return &Request{Method: http.MethodPost, Path: dataPath(apiVersion, "sobjects", objectType), Body: fields}
}

func ForUpdate(apiVersion string, objectType string, id string, fields map[string]any) *Request {
	return &Request{Method: http.MethodPatch, Path: dataPath(apiVersion, "sobjects", objectType, id), Body: fields}
}

func ForDelete(apiVersion string, objectType string, id string) *Request {
	return &Request{Method: http.MethodDelete, Path: dataPath(apiVersion, "sobjects", objectType, id)}
}

func ForComposite(apiVersion string, allOrNone bool, subRequests []CompositeSubRequest) *Request {
	return &Request{
		Method: http.MethodPost,
		Path:   dataPath(apiVersion, "composite"),
		Body: CompositeRequest{
			AllOrNone:        allOrNone,
			CompositeRequest: subRequests,
		},
	}
}

// ForSOAP posts an already rendered envelope to the partner SOAP endpoint of the api version.
func ForSOAP(apiVersion string, envelope string) *Request {
	return &Request{
		Method:  http.MethodPost,
		Path:    "/services/Soap/u/" + strings.TrimPrefix(apiVersion, "v"),
		XMLBody: envelope,
		Headers: map[string]string{"SOAPAction": `""`},
	}
}

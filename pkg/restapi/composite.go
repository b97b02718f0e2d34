package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type CompositeSubRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	ReferenceID string `json:"referenceId"`
	Body        any    `json:"body,omitempty"`
}

type CompositeRequest struct {
	AllOrNone        bool                  `json:"allOrNone"`
	CompositeRequest []CompositeSubRequest `json:"compositeRequest"`
}

type CompositeSubResponse struct {
	Body           json.RawMessage   `json:"body"`
	HTTPHeaders    map[string]string `json:"httpHeaders"`
	HTTPStatusCode int               `json:"httpStatusCode"`
	ReferenceID    string            `json:"referenceId"`
}

type CompositeResponse struct {
	CompositeResponse []*CompositeSubResponse `json:"compositeResponse"`
}

// AsCompositeSubRequest turns a single request into a sub-request of a composite call.
func (r *Request) AsCompositeSubRequest(referenceID string) CompositeSubRequest {
	return CompositeSubRequest{
		Method:      r.Method,
		URL:         r.URL(),
		ReferenceID: referenceID,
		Body:        r.Body,
	}
}

func (s *CompositeSubResponse) IsSuccess() bool {
	return s.HTTPStatusCode >= 200 && s.HTTPStatusCode < 300
}

// BodyAsMap decodes an object body. Empty bodies (e.g. 204 on update) decode to nil.
func (s *CompositeSubResponse) BodyAsMap() (map[string]any, error) {
	if len(s.Body) == 0 || string(s.Body) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Body, &m); err != nil {
		return nil, NewMalformedResponseError("composite sub-response", err)
	}
	return m, nil
}

// Err converts a failed sub-response into the same NetworkError a direct call would have produced.
func (s *CompositeSubResponse) Err(method string, path string) error {
	if s.IsSuccess() {
		return nil
	}
	return &NetworkError{
		Method:     method,
		Path:       path,
		StatusCode: s.HTTPStatusCode,
		Body:       s.Body,
		Err:        fmt.Errorf("%s", http.StatusText(s.HTTPStatusCode)),
	}
}

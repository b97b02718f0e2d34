package soap

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/conductorone/mobilesync/pkg/restapi"
)

// QueryResult is one page of a query or queryMore call. Records use the REST record shape: the sObject type lives
// under attributes.type.
type QueryResult struct {
	Done         bool
	QueryLocator string
	Size         int
	Records      []map[string]any
}

// FaultError is a SOAP fault returned instead of a result.
type FaultError struct {
	Code    string
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("soap fault %s: %s", e.Code, e.Message)
}

type tagKind int

const (
	tagStart tagKind = iota
	tagEnd
	tagText
)

// tag is a simplified xml token: element names have their namespace prefix stripped.
type tag struct {
	kind tagKind
	name string
	nil  bool
	text string
}

// tagReader pulls tags from an xml stream, dropping everything that is not an element or text.
type tagReader struct {
	dec *xml.Decoder
}

func newTagReader(r io.Reader) *tagReader {
	return &tagReader{dec: xml.NewDecoder(r)}
}

func localName(n xml.Name) string {
	if i := strings.LastIndexByte(n.Local, ':'); i >= 0 {
		return n.Local[i+1:]
	}
	return n.Local
}

func (r *tagReader) next() (tag, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return tag{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			ret := tag{kind: tagStart, name: localName(t.Name)}
			for _, a := range t.Attr {
				if a.Name.Local == "nil" && a.Value == "true" {
					ret.nil = true
				}
			}
			return ret, nil
		case xml.EndElement:
			return tag{kind: tagEnd, name: localName(t.Name)}, nil
		case xml.CharData:
			return tag{kind: tagText, text: string(t)}, nil
		}
	}
}

// readValue consumes the element opened by start. Leaves become strings (nil when xsi:nil), elements with children
// become maps.
func (r *tagReader) readValue(start tag) (any, error) {
	var text strings.Builder
	var children map[string]any
	for {
		t, err := r.next()
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case tagText:
			text.WriteString(t.text)
		case tagStart:
			v, err := r.readValue(t)
			if err != nil {
				return nil, err
			}
			if children == nil {
				children = make(map[string]any)
			}
			setField(children, t.name, v)
		case tagEnd:
			switch {
			case start.nil:
				return nil, nil
			case children != nil:
				return children, nil
			default:
				return text.String(), nil
			}
		}
	}
}

func (r *tagReader) readText(start tag) (string, error) {
	v, err := r.readValue(start)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return strings.TrimSpace(s), nil
}

// setField stores a record child. type is moved under attributes to match REST records, and repeated children
// (e.g. the records of a nested relationship query) collect into a slice.
func setField(m map[string]any, name string, v any) {
	if name == "type" {
		attrs, ok := m["attributes"].(map[string]any)
		if !ok {
			attrs = make(map[string]any)
			m["attributes"] = attrs
		}
		attrs["type"] = v
		return
	}

	existing, ok := m[name]
	if !ok {
		m[name] = v
		return
	}
	switch e := existing.(type) {
	case []any:
		m[name] = append(e, v)
	case string:
		// the partner api repeats Id on every record
		if s, ok := v.(string); ok && s == e {
			return
		}
		m[name] = []any{e, v}
	default:
		m[name] = []any{e, v}
	}
}

type parseState int

const (
	stateOutside parseState = iota
	stateInResult
	stateInRecord
)

type queryParser struct {
	r         *tagReader
	state     parseState
	sawResult bool
	record    map[string]any
	result    QueryResult
	fault     *FaultError
}

func (p *queryParser) step(t tag) error {
	switch p.state {
	case stateOutside:
		if t.kind != tagStart {
			return nil
		}
		switch t.name {
		case "result":
			p.state = stateInResult
			p.sawResult = true
		case "Fault":
			v, err := p.r.readValue(t)
			if err != nil {
				return err
			}
			m, _ := v.(map[string]any)
			code, _ := m["faultcode"].(string)
			msg, _ := m["faultstring"].(string)
			p.fault = &FaultError{Code: code, Message: msg}
		}

	case stateInResult:
		switch t.kind {
		case tagStart:
			switch t.name {
			case "done":
				s, err := p.r.readText(t)
				if err != nil {
					return err
				}
				p.result.Done = s == "true"
			case "queryLocator":
				s, err := p.r.readText(t)
				if err != nil {
					return err
				}
				p.result.QueryLocator = s
			case "size":
				s, err := p.r.readText(t)
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", s, err)
				}
				p.result.Size = n
			case "records":
				p.state = stateInRecord
				p.record = make(map[string]any)
			default:
				if _, err := p.r.readValue(t); err != nil {
					return err
				}
			}
		case tagEnd:
			if t.name == "result" {
				p.state = stateOutside
			}
		}

	case stateInRecord:
		switch t.kind {
		case tagStart:
			v, err := p.r.readValue(t)
			if err != nil {
				return err
			}
			setField(p.record, t.name, v)
		case tagEnd:
			if t.name == "records" {
				p.result.Records = append(p.result.Records, p.record)
				p.record = nil
				p.state = stateInResult
			}
		}
	}
	return nil
}

// ParseQueryResponse reads a query or queryMore response envelope. The query locator is cleared once the server
// reports done, which is what signals exhaustion to the caller.
func ParseQueryResponse(r io.Reader) (*QueryResult, error) {
	p := &queryParser{r: newTagReader(r)}
	for {
		t, err := p.r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, restapi.NewMalformedResponseError("soap query", err)
		}
		if err := p.step(t); err != nil {
			if p.fault != nil {
				return nil, p.fault
			}
			return nil, restapi.NewMalformedResponseError("soap query", err)
		}
	}

	if p.fault != nil {
		return nil, p.fault
	}
	if !p.sawResult {
		return nil, restapi.NewMalformedResponseError("soap query", errors.New("no result element"))
	}
	if p.state != stateOutside {
		return nil, restapi.NewMalformedResponseError("soap query", errors.New("unexpected end of document"))
	}

	if p.result.Done {
		p.result.QueryLocator = ""
	}
	if p.result.Records == nil {
		p.result.Records = []map[string]any{}
	}
	return &p.result, nil
}

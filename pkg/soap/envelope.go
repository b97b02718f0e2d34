// Package soap speaks the small subset of the partner SOAP API used by content syncs: query and queryMore.
package soap

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	envelopeTemplate = `<?xml version="1.0" encoding="UTF-8"?>` +
		`<se:Envelope xmlns:se="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<se:Header xmlns:sfns="urn:partner.soap.sforce.com">` +
		`<sfns:SessionHeader><sessionId>%s</sessionId></sfns:SessionHeader>` +
		`</se:Header>` +
		`<se:Body>%s</se:Body>` +
		`</se:Envelope>`

	queryTemplate = `<query xmlns="urn:partner.soap.sforce.com" xmlns:ns1="sobject.partner.soap.sforce.com">` +
		`<queryString>%s</queryString>` +
		`</query>`

	queryMoreTemplate = `<queryMore xmlns="urn:partner.soap.sforce.com" xmlns:ns1="sobject.partner.soap.sforce.com">` +
		`<queryLocator>%s</queryLocator>` +
		`</queryMore>`
)

func escape(s string) string {
	var b strings.Builder
	// EscapeText only fails when the writer does, and a Builder never does.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func envelope(sessionID string, body string) string {
	return fmt.Sprintf(envelopeTemplate, escape(sessionID), body)
}

// QueryEnvelope renders a query call for soql.
func QueryEnvelope(sessionID string, soql string) string {
	return envelope(sessionID, fmt.Sprintf(queryTemplate, escape(soql)))
}

// QueryMoreEnvelope renders a queryMore call continuing from locator.
func QueryMoreEnvelope(sessionID string, locator string) string {
	return envelope(sessionID, fmt.Sprintf(queryMoreTemplate, escape(locator)))
}

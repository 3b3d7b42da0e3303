package qbxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Status codes the agent may return that succeed on a later attempt:
// object in use, record locked, edit sequence out of date.
var transientCodes = map[int]bool{
	3170: true,
	3175: true,
	3176: true,
	3180: true,
	3200: true,
}

// StatusNoMatch is returned by queries that found nothing.
const StatusNoMatch = 1

// Response is one *Rs element of a response document.
type Response struct {
	Element    string
	RequestID  string
	StatusCode int
	Severity   string
	Message    string
	Employee   *EmployeeRet
	Checks     []CheckRet
}

// EmployeeRet carries the identity returned for employee add/mod.
type EmployeeRet struct {
	ListID       string `xml:"ListID"`
	EditSequence string `xml:"EditSequence"`
	Name         string `xml:"Name"`
}

// CheckRet summarises one paycheck returned by a query.
type CheckRet struct {
	TxnID   string `xml:"TxnID"`
	TxnDate string `xml:"TxnDate"`
	RefNum  string `xml:"RefNumber"`
	Payee   Ref    `xml:"PayeeEntityRef"`
	Amount  string `xml:"Amount"`
}

// OK reports whether the element indicates success. A query with no matches
// is still a success.
func (r Response) OK() bool {
	if r.StatusCode == 0 {
		return true
	}
	return r.StatusCode == StatusNoMatch && strings.HasSuffix(r.Element, "QueryRs")
}

// Err classifies a failed response as transient or terminal.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	code := strconv.Itoa(r.StatusCode)
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("%s failed with status %d", r.Element, r.StatusCode)
	}
	if transientCodes[r.StatusCode] {
		return shared.TransientSyncError(code, msg)
	}
	return shared.TerminalSyncError(code, msg)
}

type responseDoc struct {
	XMLName xml.Name `xml:"QBXML"`
	Msgs    struct {
		Elements []rsElement `xml:",any"`
	} `xml:"QBXMLMsgsRs"`
}

type rsElement struct {
	XMLName        xml.Name
	RequestID      string       `xml:"requestID,attr"`
	StatusCode     string       `xml:"statusCode,attr"`
	StatusSeverity string       `xml:"statusSeverity,attr"`
	StatusMessage  string       `xml:"statusMessage,attr"`
	Employee       *EmployeeRet `xml:"EmployeeRet"`
	Checks         []CheckRet   `xml:"CheckRet"`
}

// Parse decodes a response document into its *Rs elements in document order.
func Parse(doc string) ([]Response, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.CharsetReader = charsetReader
	var parsed responseDoc
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("qbxml: parse response: %w", err)
	}
	out := make([]Response, 0, len(parsed.Msgs.Elements))
	for _, el := range parsed.Msgs.Elements {
		code, err := strconv.Atoi(strings.TrimSpace(el.StatusCode))
		if err != nil {
			return nil, fmt.Errorf("qbxml: %s has invalid status code %q", el.XMLName.Local, el.StatusCode)
		}
		out = append(out, Response{
			Element:    el.XMLName.Local,
			RequestID:  el.RequestID,
			StatusCode: code,
			Severity:   el.StatusSeverity,
			Message:    el.StatusMessage,
			Employee:   el.Employee,
			Checks:     el.Checks,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("qbxml: response carries no messages")
	}
	return out, nil
}

// Older agents declare legacy code pages in the prolog.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("qbxml: unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

// Package qbxml renders and parses the XML request/response documents
// exchanged with the desktop bookkeeping agent.
package qbxml

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Version is the SDK message-set version declared in every request.
const Version = "13.0"

// Error handling modes understood by the agent.
const (
	OnErrorStop     = "stopOnError"
	OnErrorContinue = "continueOnError"
)

// Field limits enforced by the external ledger.
const (
	MaxNameLength  = 41
	MaxFirstLength = 25
	MaxNotesLength = 4095
)

const dateLayout = "2006-01-02"

var guidNamespace = uuid.MustParse("6f1b3c2e-8d4a-4f7e-9a55-2c1d0e6b7a31")

// Ref points at a list object by id or full name.
type Ref struct {
	ListID   string `xml:"ListID,omitempty"`
	FullName string `xml:"FullName,omitempty"`
}

type document struct {
	XMLName xml.Name `xml:"QBXML"`
	Msgs    msgsRq   `xml:"QBXMLMsgsRq"`
}

type msgsRq struct {
	OnError  string `xml:"onError,attr"`
	Requests []any
}

// TimeTrackingAddRq posts worked hours against an employee.
type TimeTrackingAddRq struct {
	XMLName   xml.Name        `xml:"TimeTrackingAddRq"`
	RequestID string          `xml:"requestID,attr"`
	Add       TimeTrackingAdd `xml:"TimeTrackingAdd"`
}

// TimeTrackingAdd is the body of a TimeTrackingAddRq.
type TimeTrackingAdd struct {
	TxnDate            string `xml:"TxnDate"`
	EntityRef          Ref    `xml:"EntityRef"`
	Duration           string `xml:"Duration"`
	PayrollItemWageRef *Ref   `xml:"PayrollItemWageRef,omitempty"`
	Notes              string `xml:"Notes,omitempty"`
	BillableStatus     string `xml:"BillableStatus,omitempty"`
	ExternalGUID       string `xml:"ExternalGUID,omitempty"`
}

// EmployeeAddRq creates an employee record.
type EmployeeAddRq struct {
	XMLName   xml.Name    `xml:"EmployeeAddRq"`
	RequestID string      `xml:"requestID,attr"`
	Add       EmployeeAdd `xml:"EmployeeAdd"`
}

// EmployeeAdd is the body of an EmployeeAddRq.
type EmployeeAdd struct {
	IsActive  bool   `xml:"IsActive"`
	FirstName string `xml:"FirstName,omitempty"`
	LastName  string `xml:"LastName,omitempty"`
	PrintAs   string `xml:"PrintAs,omitempty"`
}

// EmployeeModRq updates an employee record. EditSequence must echo the value
// last returned by the agent.
type EmployeeModRq struct {
	XMLName   xml.Name    `xml:"EmployeeModRq"`
	RequestID string      `xml:"requestID,attr"`
	Mod       EmployeeMod `xml:"EmployeeMod"`
}

// EmployeeMod is the body of an EmployeeModRq.
type EmployeeMod struct {
	ListID       string `xml:"ListID"`
	EditSequence string `xml:"EditSequence"`
	IsActive     bool   `xml:"IsActive"`
	FirstName    string `xml:"FirstName,omitempty"`
	LastName     string `xml:"LastName,omitempty"`
	PrintAs      string `xml:"PrintAs,omitempty"`
}

// CheckQueryRq lists paychecks dated within a window.
type CheckQueryRq struct {
	XMLName            xml.Name  `xml:"CheckQueryRq"`
	RequestID          string    `xml:"requestID,attr"`
	TxnDateRangeFilter DateRange `xml:"TxnDateRangeFilter"`
	IncludeLineItems   bool      `xml:"IncludeLineItems"`
}

// DateRange bounds a query by transaction date.
type DateRange struct {
	FromTxnDate string `xml:"FromTxnDate"`
	ToTxnDate   string `xml:"ToTxnDate"`
}

// Render wraps requests in the message envelope and prolog.
func Render(onError string, requests ...any) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("qbxml: no requests to render")
	}
	if onError == "" {
		onError = OnErrorStop
	}
	body, err := xml.MarshalIndent(document{Msgs: msgsRq{OnError: onError, Requests: requests}}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("qbxml: marshal: %w", err)
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<?qbxml version="` + Version + `"?>` + "\n")
	b.Write(body)
	return b.String(), nil
}

// Date formats a calendar date the way the agent expects.
func Date(t time.Time) string {
	return t.Format(dateLayout)
}

// Duration renders hours as an ISO-8601 duration with minute precision,
// e.g. 80.5 -> PT80H30M.
func Duration(hours decimal.Decimal) string {
	minutes := hours.Mul(decimal.NewFromInt(60)).Round(0).IntPart()
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("PT%dH%dM", minutes/60, minutes%60)
}

// NormalizeName composes, trims and collapses whitespace, then truncates to
// limit runes.
func NormalizeName(name string, limit int) string {
	name = norm.NFC.String(name)
	fields := strings.FieldsFunc(name, unicode.IsSpace)
	name = strings.Join(fields, " ")
	if limit > 0 {
		runes := []rune(name)
		if len(runes) > limit {
			name = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return name
}

// ExternalGUID derives a stable transaction GUID from its business key so a
// replayed add can be recognised on the ledger side.
func ExternalGUID(parts ...string) string {
	id := uuid.NewSHA1(guidNamespace, []byte(strings.Join(parts, "|")))
	return "{" + strings.ToUpper(id.String()) + "}"
}

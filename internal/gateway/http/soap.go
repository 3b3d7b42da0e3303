package gatewayhttp

import (
	"encoding/xml"
	"strconv"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"
	qbwcNS = "http://developer.intuit.com/"
)

// Second element of the authenticate result.
const (
	authCurrentCompany = ""
	authNoWork         = "none"
	authInvalidUser    = "nvu"
)

type envelope struct {
	XMLName xml.Name    `xml:"Envelope"`
	Body    requestBody `xml:"Body"`
}

type requestBody struct {
	ServerVersion      *struct{}             `xml:"serverVersion"`
	ClientVersion      *clientVersionRequest `xml:"clientVersion"`
	Authenticate       *authenticateRequest  `xml:"authenticate"`
	SendRequestXML     *sendRequest          `xml:"sendRequestXML"`
	ReceiveResponseXML *receiveRequest       `xml:"receiveResponseXML"`
	ConnectionError    *connectionErrRequest `xml:"connectionError"`
	GetLastError       *ticketRequest        `xml:"getLastError"`
	CloseConnection    *ticketRequest        `xml:"closeConnection"`
}

type clientVersionRequest struct {
	Version string `xml:"strVersion"`
}

type authenticateRequest struct {
	Username string `xml:"strUserName"`
	Password string `xml:"strPassword"`
}

type sendRequest struct {
	Ticket      string `xml:"ticket"`
	CompanyFile string `xml:"strCompanyFileName"`
	Country     string `xml:"qbXMLCountry"`
	Major       int    `xml:"qbXMLMajorVers"`
	Minor       int    `xml:"qbXMLMinorVers"`
}

type receiveRequest struct {
	Ticket   string `xml:"ticket"`
	Response string `xml:"response"`
	HResult  string `xml:"hresult"`
	Message  string `xml:"message"`
}

type connectionErrRequest struct {
	Ticket  string `xml:"ticket"`
	HResult string `xml:"hresult"`
	Message string `xml:"message"`
}

type ticketRequest struct {
	Ticket string `xml:"ticket"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	NS      string   `xml:"xmlns:soap,attr"`
	Body    struct {
		Content any
	} `xml:"soap:Body"`
}

type operationResponse struct {
	XMLName xml.Name
	NS      string `xml:"xmlns,attr"`
	Result  any
}

type textResult struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type arrayResult struct {
	XMLName xml.Name
	Strings []string `xml:"string"`
}

type fault struct {
	XMLName xml.Name `xml:"soap:Fault"`
	Code    string   `xml:"faultcode"`
	String  string   `xml:"faultstring"`
}

func respond(op string, result any) responseEnvelope {
	env := responseEnvelope{NS: soapNS}
	env.Body.Content = operationResponse{
		XMLName: xml.Name{Local: op + "Response"},
		NS:      qbwcNS,
		Result:  result,
	}
	return env
}

func text(op, value string) responseEnvelope {
	return respond(op, textResult{XMLName: xml.Name{Local: op + "Result"}, Value: value})
}

func number(op string, value int) responseEnvelope {
	return text(op, strconv.Itoa(value))
}

func stringArray(op string, values ...string) responseEnvelope {
	return respond(op, arrayResult{XMLName: xml.Name{Local: op + "Result"}, Strings: values})
}

func faultEnvelope(code, message string) responseEnvelope {
	env := responseEnvelope{NS: soapNS}
	env.Body.Content = fault{Code: code, String: message}
	return env
}

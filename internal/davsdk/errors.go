package davsdk

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNoServerURL  = errors.New("davsdk: server url missing")
	ErrBadServerURL = errors.New("davsdk: server url must be http or https")
	ErrNoPollURL    = errors.New("davsdk: poll url missing")
	ErrNoBody       = errors.New("davsdk: request body missing")
	ErrPollDecode   = errors.New("davsdk: invalid poll reply")
)

const (
	sabreNamespace        = "http://sabredav.org/ns"
	exceptionUnavailable  = `Sabre\DAV\Exception\ServiceUnavailable`
	maxErrorBodySize      = 64 * 1024
	maintenanceMarkerText = "maintenance"
	storageUnavailable    = "Storage is temporarily not available"
)

// ReplyError is returned for every response with a 4xx/5xx status.
type ReplyError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string // <s:message> of a DAV error body
	Exception  string // <s:exception> of a DAV error body
	Body       []byte
}

func newReplyError(op string, resp *http.Response, body []byte) *ReplyError {
	e := &ReplyError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       body,
	}
	e.Exception, e.Message = parseDavError(body)
	return e
}

func (e *ReplyError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		return fmt.Sprintf("davsdk: %s: %s: %s", e.Op, status, e.Message)
	}
	return fmt.Sprintf("davsdk: %s: %s", e.Op, status)
}

// Maintenance reports whether the server answered 503 because it is in maintenance mode.
func (e *ReplyError) Maintenance() bool {
	if e.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	if bytes.Contains(e.Body, []byte(storageUnavailable)) {
		return false
	}
	return e.Exception == exceptionUnavailable ||
		strings.Contains(strings.ToLower(e.Message), maintenanceMarkerText)
}

// StatusCode extracts the HTTP status from err, 0 when err is not a *ReplyError.
func StatusCode(err error) int {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

type davError struct {
	XMLName   xml.Name
	Exception string `xml:"http://sabredav.org/ns exception"`
	Message   string `xml:"http://sabredav.org/ns message"`
}

// parseDavError pulls the sabre exception and message out of a <d:error> body.
func parseDavError(body []byte) (exception, message string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '<' {
		return "", ""
	}
	var de davError
	if err := xml.Unmarshal(body, &de); err != nil {
		return "", ""
	}
	return strings.TrimSpace(de.Exception), strings.TrimSpace(de.Message)
}

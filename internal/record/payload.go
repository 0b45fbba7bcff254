package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the JSON form of a record accepted over HTTP and from tailed
// files. Anything left empty is filled in the way New does it.
type Payload struct {
	Application     string         `json:"application"`
	Host            string         `json:"host,omitempty"`
	Module          string         `json:"module,omitempty"`
	Client          string         `json:"client,omitempty"`
	Name            string         `json:"name"`
	URL             string         `json:"url,omitempty"`
	Start           *time.Time     `json:"start,omitempty"`
	End             *time.Time     `json:"end,omitempty"`
	DurationMillis  int64          `json:"duration_millis,omitempty"`
	Status          string         `json:"status,omitempty"`
	RequestBody     string         `json:"request_body,omitempty"`
	ResponseBody    string         `json:"response_body,omitempty"`
	RequestHeaders  string         `json:"request_headers,omitempty"`
	ResponseHeaders string         `json:"response_headers,omitempty"`
	HTTPMethod      string         `json:"http_method,omitempty"`
	HTTPStatus      string         `json:"http_status,omitempty"`
	TransactionID   string         `json:"transaction_id,omitempty"`
	Remarks         string         `json:"remarks,omitempty"`
	FullMessage     string         `json:"full_message,omitempty"`
	Level           *int           `json:"level,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

var ErrInvalidPayload = errors.New("invalid record payload")

func (p Payload) Record() (Record, error) {
	if strings.TrimSpace(p.Name) == "" && strings.TrimSpace(p.FullMessage) == "" {
		return Record{}, fmt.Errorf("%w: name or full_message is required", ErrInvalidPayload)
	}

	r := New(p.Application, p.Name)
	if r.Name == "" {
		r.Name = firstLine(p.FullMessage, 120)
	}
	if p.Host != "" {
		r.Host = p.Host
	}
	if p.TransactionID != "" {
		r.TransactionID = p.TransactionID
	}
	if p.Start != nil {
		r.Start = *p.Start
		r.End = *p.Start
	}
	if p.End != nil {
		r.End = *p.End
	}
	if p.End != nil && p.Start != nil && p.End.Before(*p.Start) {
		return Record{}, fmt.Errorf("%w: end is before start", ErrInvalidPayload)
	}
	if p.DurationMillis < 0 {
		return Record{}, fmt.Errorf("%w: duration_millis must not be negative", ErrInvalidPayload)
	}
	r.Duration = time.Duration(p.DurationMillis) * time.Millisecond

	switch Status(strings.ToUpper(p.Status)) {
	case "":
	case StatusSuccess:
		r.Status = StatusSuccess
	case StatusFailure:
		r.Status = StatusFailure
	default:
		return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, p.Status)
	}
	if p.Level != nil {
		lvl, err := ParseLevel(*p.Level)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		r.Level = lvl
	}

	r.Module = p.Module
	r.Client = p.Client
	r.URL = p.URL
	r.RequestBody = p.RequestBody
	r.ResponseBody = p.ResponseBody
	r.RequestHeaders = p.RequestHeaders
	r.ResponseHeaders = p.ResponseHeaders
	r.HTTPMethod = p.HTTPMethod
	r.HTTPStatus = p.HTTPStatus
	r.Remarks = p.Remarks
	r.FullMessage = p.FullMessage
	if len(p.Fields) > 0 {
		r.Fields = make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			r.Fields[k] = v
		}
	}
	return r, nil
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return TruncateBytes(s, max)
}

package record

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxFieldBytes is the largest string a GELF input accepts for a single field.
const MaxFieldBytes = 32_000

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Level is a syslog severity as carried in GELF messages.
type Level int

const (
	LevelEmergency Level = iota
	LevelAlert
	LevelCritical
	LevelError
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"EMERGENCY", "ALERT", "CRITICAL", "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"}

func (l Level) String() string {
	if l < LevelEmergency || l > LevelDebug {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return fmt.Sprintf("%s(%d)", levelNames[l], int(l))
}

func ParseLevel(n int) (Level, error) {
	if n < int(LevelEmergency) || n > int(LevelDebug) {
		return 0, fmt.Errorf("unknown gelf level %d", n)
	}
	return Level(n), nil
}

// Record is one observed request to ship. Treat it as a value: once handed to
// a shipper it must not be modified, which includes the Fields map.
type Record struct {
	Application string
	Host        string
	Module      string
	Client      string
	Name        string
	URL         string

	Start    time.Time
	End      time.Time
	Duration time.Duration
	Status   Status

	RequestBody     string
	ResponseBody    string
	RequestHeaders  string
	ResponseHeaders string
	HTTPMethod      string
	HTTPStatus      string
	TransactionID   string
	Remarks         string

	FullMessage string
	Level       Level
	Fields      map[string]any
}

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
})

// New returns a record stamped with the local host, the current time and a
// fresh transaction id.
func New(application, name string) Record {
	now := time.Now()
	return Record{
		Application:   application,
		Host:          hostname(),
		Name:          name,
		Start:         now,
		End:           now,
		Status:        StatusSuccess,
		TransactionID: uuid.NewString(),
		Level:         LevelAlert,
	}
}

// IsZero reports whether r carries nothing worth shipping.
func (r Record) IsZero() bool {
	return r.Application == "" &&
		r.Name == "" &&
		r.TransactionID == "" &&
		r.FullMessage == "" &&
		r.Start.IsZero() &&
		len(r.Fields) == 0
}

// WithField returns a copy of r with key set in its side fields. Only string
// and numeric values are shipped; anything else is ignored by the encoders.
func (r Record) WithField(key string, value any) Record {
	fields := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = v
	}
	fields[key] = value
	r.Fields = fields
	return r
}

// WithFields merges extra into a copy of r. Keys already present on r win.
func (r Record) WithFields(extra map[string]string) Record {
	if len(extra) == 0 {
		return r
	}
	fields := make(map[string]any, len(r.Fields)+len(extra))
	for k, v := range extra {
		fields[k] = v
	}
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// HasOversizedField reports whether the short message, the full message or any
// string side field is longer than max bytes.
func (r Record) HasOversizedField(max int) bool {
	if len(r.Name) > max || len(r.FullMessage) > max {
		return true
	}
	for _, v := range r.Fields {
		if s, ok := v.(string); ok && len(s) > max {
			return true
		}
	}
	return false
}

func (r Record) String() string {
	return fmt.Sprintf("Record{application=%q name=%q transaction=%q status=%s}", r.Application, r.Name, r.TransactionID, r.Status)
}

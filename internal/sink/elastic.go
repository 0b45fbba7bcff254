package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/kon-rad/logship/internal/record"
)

const elasticTimeLayout = "2006-01-02T15:04:05.000"

type elasticDoc struct {
	Application     string         `json:"application"`
	Host            string         `json:"host"`
	Module          string         `json:"module"`
	URL             string         `json:"url"`
	Client          string         `json:"client"`
	Timestamp       string         `json:"timestamp"`
	RequestName     string         `json:"request_name"`
	DurationMillis  int64          `json:"duration_millis"`
	Status          string         `json:"status"`
	RequestBody     string         `json:"requestBody"`
	ResponseBody    string         `json:"responseBody"`
	HTTPHeaders     string         `json:"http_headers"`
	HTTPStatus      string         `json:"http_status"`
	EndTimestamp    string         `json:"end_timestamp"`
	HTTPMethod      string         `json:"http_method"`
	ResponseHeaders string         `json:"response_headers"`
	TransactionID   string         `json:"transactionId"`
	Remarks         string         `json:"remarks"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// ElasticEncoder renders a record as a flat search document.
type ElasticEncoder struct{}

func NewElasticEncoder() ElasticEncoder {
	return ElasticEncoder{}
}

func (ElasticEncoder) Encode(rec record.Record) ([]byte, error) {
	doc := elasticDoc{
		Application:     rec.Application,
		Host:            rec.Host,
		Module:          rec.Module,
		URL:             rec.URL,
		Client:          rec.Client,
		Timestamp:       formatElasticTime(rec.Start),
		RequestName:     rec.Name,
		DurationMillis:  durationOf(rec).Milliseconds(),
		Status:          string(rec.Status),
		RequestBody:     rec.RequestBody,
		ResponseBody:    rec.ResponseBody,
		HTTPHeaders:     rec.RequestHeaders,
		HTTPStatus:      rec.HTTPStatus,
		EndTimestamp:    formatElasticTime(rec.End),
		HTTPMethod:      rec.HTTPMethod,
		ResponseHeaders: rec.ResponseHeaders,
		TransactionID:   rec.TransactionID,
		Remarks:         rec.Remarks,
		Fields:          rec.Fields,
	}
	return json.Marshal(doc)
}

func formatElasticTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(elasticTimeLayout)
}

func durationOf(rec record.Record) time.Duration {
	if rec.Duration > 0 {
		return rec.Duration
	}
	if !rec.Start.IsZero() && rec.End.After(rec.Start) {
		return rec.End.Sub(rec.Start)
	}
	return 0
}

type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	Transport http.RoundTripper
}

// ElasticTransport indexes each payload into a per-application daily index.
type ElasticTransport struct {
	es  *elasticsearch.Client
	now func() time.Time
}

func NewElasticTransport(cfg ElasticConfig) (*ElasticTransport, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("elastic: at least one address is required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: create client: %w", err)
	}
	return &ElasticTransport{es: es, now: time.Now}, nil
}

func (t *ElasticTransport) Transmit(ctx context.Context, rec record.Record, payload []byte) error {
	index := IndexName(rec.Application, t.now())
	res, err := t.es.Index(index, bytes.NewReader(payload), t.es.Index.WithContext(ctx))
	if err != nil {
		return &TransportError{Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.IsError() {
		return &TransportError{Code: res.StatusCode, Err: fmt.Errorf("index %s: %s", index, strings.TrimSpace(string(body)))}
	}
	return nil
}

// IndexName returns the daily index for application, e.g. "proxy-2024-03-09".
func IndexName(application string, day time.Time) string {
	app := strings.ToLower(strings.TrimSpace(application))
	if app == "" {
		app = "unknown"
	}
	return app + "-" + day.Format("2006-01-02")
}

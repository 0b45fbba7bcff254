package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kon-rad/logship/internal/record"
)

const (
	GELFVersion = "1.1"

	largePayloadKey = "_large_payload"
)

// GELFEncoder renders a record as a GELF 1.1 message. Side fields are
// prefixed with an underscore; only string and numeric values are kept.
type GELFEncoder struct {
	maxFieldBytes int
}

func NewGELFEncoder(maxFieldBytes int) GELFEncoder {
	if maxFieldBytes <= 0 {
		maxFieldBytes = record.MaxFieldBytes
	}
	return GELFEncoder{maxFieldBytes: maxFieldBytes}
}

func (e GELFEncoder) Encode(rec record.Record) ([]byte, error) {
	ts := rec.Start
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := map[string]any{
		"version":       GELFVersion,
		"host":          rec.Host,
		"short_message": rec.Name,
		"timestamp":     float64(ts.UnixMilli()) / 1000,
		"level":         int(rec.Level),
	}
	if rec.FullMessage != "" {
		msg["full_message"] = rec.FullMessage
	}

	e.putString(msg, "application", rec.Application)
	e.putString(msg, "module", rec.Module)
	e.putString(msg, "client", rec.Client)
	e.putString(msg, "url", rec.URL)
	e.putString(msg, "status", string(rec.Status))
	e.putString(msg, "transaction_id", rec.TransactionID)
	e.putString(msg, "http_method", rec.HTTPMethod)
	e.putString(msg, "http_status", rec.HTTPStatus)
	if d := durationOf(rec); d > 0 {
		msg["_duration_millis"] = d.Milliseconds()
	}

	for key, value := range rec.Fields {
		k := fieldKey(key)
		if k == "_id" {
			continue
		}
		switch v := value.(type) {
		case string:
			e.putString(msg, key, v)
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64, json.Number:
			msg[k] = v
		}
	}
	return json.Marshal(msg)
}

func (e GELFEncoder) putString(msg map[string]any, key, value string) {
	if value == "" {
		return
	}
	if len(value) > e.maxFieldBytes {
		msg[largePayloadKey] = value
		return
	}
	msg[fieldKey(key)] = value
}

func fieldKey(key string) string {
	if strings.HasPrefix(key, "_") {
		return key
	}
	return "_" + key
}

type GELFConfig struct {
	Endpoint   string
	Headers    map[string]string
	Gzip       bool
	HTTPClient *http.Client
}

// GELFTransport posts messages to a GELF HTTP input.
type GELFTransport struct {
	endpoint   string
	headers    map[string]string
	gzip       bool
	httpClient *http.Client
}

func NewGELFTransport(cfg GELFConfig) (*GELFTransport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("gelf: endpoint is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GELFTransport{
		endpoint:   cfg.Endpoint,
		headers:    cfg.Headers,
		gzip:       cfg.Gzip,
		httpClient: client,
	}, nil
}

func (t *GELFTransport) Transmit(ctx context.Context, _ record.Record, payload []byte) error {
	body := payload
	if t.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return &TransportError{Err: fmt.Errorf("gzip payload: %w", err)}
		}
		if err := zw.Close(); err != nil {
			return &TransportError{Err: fmt.Errorf("gzip payload: %w", err)}
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Code: resp.StatusCode, Err: fmt.Errorf("gelf status %d", resp.StatusCode)}
	}
	return nil
}

// DecodeGELF parses a GELF 1.x message. Underscore fields that name a record
// attribute are mapped back onto it; the rest become side fields.
func DecodeGELF(data []byte) (record.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return record.Record{}, fmt.Errorf("decode gelf: %w", err)
	}
	if v, ok := msg["version"].(string); ok && !strings.HasPrefix(v, "1.") {
		return record.Record{}, fmt.Errorf("decode gelf: unsupported version %q", v)
	}
	short, _ := msg["short_message"].(string)
	if strings.TrimSpace(short) == "" {
		return record.Record{}, errors.New("decode gelf: short_message is required")
	}

	rec := record.New("", short)
	if host, _ := msg["host"].(string); host != "" {
		rec.Host = host
	}
	rec.FullMessage, _ = msg["full_message"].(string)
	if ts, ok := msg["timestamp"].(json.Number); ok {
		secs, err := ts.Float64()
		if err != nil {
			return record.Record{}, fmt.Errorf("decode gelf: timestamp: %w", err)
		}
		rec.Start = time.UnixMilli(int64(math.Round(secs * 1000)))
		rec.End = rec.Start
	}
	if lv, ok := msg["level"].(json.Number); ok {
		n, err := lv.Int64()
		if err != nil {
			return record.Record{}, fmt.Errorf("decode gelf: level: %w", err)
		}
		level, err := record.ParseLevel(int(n))
		if err != nil {
			return record.Record{}, fmt.Errorf("decode gelf: %w", err)
		}
		rec.Level = level
	}

	fields := make(map[string]any)
	for key, value := range msg {
		if !strings.HasPrefix(key, "_") || key == "_id" {
			continue
		}
		name := key[1:]
		s, _ := value.(string)
		switch name {
		case "application":
			rec.Application = s
		case "module":
			rec.Module = s
		case "client":
			rec.Client = s
		case "url":
			rec.URL = s
		case "status":
			rec.Status = record.Status(strings.ToUpper(s))
		case "transaction_id":
			if s != "" {
				rec.TransactionID = s
			}
		case "http_method":
			rec.HTTPMethod = s
		case "http_status":
			rec.HTTPStatus = s
		case "duration_millis":
			if n, ok := value.(json.Number); ok {
				if ms, err := n.Int64(); err == nil && ms > 0 {
					rec.Duration = time.Duration(ms) * time.Millisecond
				}
			}
		default:
			fields[name] = value
		}
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec, nil
}

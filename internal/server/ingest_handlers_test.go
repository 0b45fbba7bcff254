package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/shipper"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	records []record.Record
}

func (s *recordingSubmitter) Submit(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSubmitter) all() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records...)
}

func post(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestPostRecordAccepted(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	h := NewIngestHandlers(sub, func(r record.Record) record.Record {
		return r.WithFields(map[string]string{"env": "test"})
	})

	body, _ := json.Marshal(map[string]any{
		"application":    "orders",
		"name":           "create-order",
		"status":         "failure",
		"http_method":    "POST",
		"transaction_id": "tx-1",
	})
	rec := post(t, h.PostRecord, "/v1/records", string(body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202; body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["transaction_id"] != "tx-1" {
		t.Fatalf("transaction_id = %q, want tx-1", resp["transaction_id"])
	}

	got := sub.all()
	if len(got) != 1 {
		t.Fatalf("submitted = %d, want 1", len(got))
	}
	if got[0].Status != record.StatusFailure {
		t.Fatalf("Status = %q, want FAILURE", got[0].Status)
	}
	if got[0].Fields["env"] != "test" {
		t.Fatalf("Fields[env] = %v, want test", got[0].Fields["env"])
	}
}

func TestPostRecordRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		want int
	}{
		"not json":    {body: "{", want: http.StatusBadRequest},
		"no name":     {body: `{"application":"a"}`, want: http.StatusBadRequest},
		"bad status":  {body: `{"name":"n","status":"MAYBE"}`, want: http.StatusBadRequest},
		"too large":   {body: `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`, want: http.StatusRequestEntityTooLarge},
		"bad level":   {body: `{"name":"n","level":12}`, want: http.StatusBadRequest},
		"end < start": {body: `{"name":"n","start":"2024-01-01T00:00:01Z","end":"2024-01-01T00:00:00Z"}`, want: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sub := &recordingSubmitter{}
			rec := post(t, NewIngestHandlers(sub, nil).PostRecord, "/v1/records", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.want)
			}
			if n := len(sub.all()); n != 0 {
				t.Fatalf("submitted = %d, want 0", n)
			}
		})
	}
}

func TestPostGELF(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	h := NewIngestHandlers(sub, nil)

	rec := post(t, h.PostGELF, "/v1/gelf",
		`{"version":"1.1","host":"web-1","short_message":"boom","level":3,"_application":"orders","_region":"eu"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202; body = %s", rec.Code, rec.Body.String())
	}
	got := sub.all()
	if len(got) != 1 {
		t.Fatalf("submitted = %d, want 1", len(got))
	}
	if got[0].Application != "orders" || got[0].Host != "web-1" || got[0].Level != record.LevelError {
		t.Fatalf("record = %+v, want orders/web-1/ERROR", got[0])
	}
	if got[0].Fields["region"] != "eu" {
		t.Fatalf("Fields[region] = %v, want eu", got[0].Fields["region"])
	}

	rec = post(t, h.PostGELF, "/v1/gelf", `{"version":"1.1","host":"web-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing short_message status = %d, want 400", rec.Code)
	}
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	shp := staticShipper{state: shipper.StateRunning}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector("gelf", shp))

	sub := &recordingSubmitter{}
	srv := New(":0",
		NewHealthHandler(shp, nil, nil, time.Now(), "v", "gelf"),
		NewIngestHandlers(sub, nil),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), `logship_records_received_total{sink="gelf"} 5`) {
		t.Fatalf("metrics output missing received counter:\n%s", data)
	}

	resp, err = http.Post(ts.URL+"/v1/records", "application/json", bytes.NewReader([]byte(`{"name":"ping"}`)))
	if err != nil {
		t.Fatalf("POST /v1/records: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/records status = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/records")
	if err != nil {
		t.Fatalf("GET /v1/records: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/records status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", resp.StatusCode)
	}
}

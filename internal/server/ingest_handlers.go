package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/sink"
)

const maxBodyBytes = 1 << 20

type Submitter interface {
	Submit(rec record.Record)
}

type IngestHandlers struct {
	submitter Submitter
	decorate  func(record.Record) record.Record
}

type acceptedResponse struct {
	TransactionID string `json:"transaction_id"`
}

// NewIngestHandlers returns the record intake endpoints. decorate, if set,
// is applied to every record before it is submitted.
func NewIngestHandlers(submitter Submitter, decorate func(record.Record) record.Record) *IngestHandlers {
	if decorate == nil {
		decorate = func(r record.Record) record.Record { return r }
	}
	return &IngestHandlers{submitter: submitter, decorate: decorate}
}

func (h *IngestHandlers) PostRecord(w http.ResponseWriter, r *http.Request) {
	var p record.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeDecodeError(w, err)
		return
	}
	rec, err := p.Record()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.accept(w, rec)
}

func (h *IngestHandlers) PostGELF(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	rec, err := sink.DecodeGELF(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.accept(w, rec)
}

func (h *IngestHandlers) accept(w http.ResponseWriter, rec record.Record) {
	rec = h.decorate(rec)
	h.submitter.Submit(rec)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{TransactionID: rec.TransactionID})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "invalid json", http.StatusBadRequest)
}

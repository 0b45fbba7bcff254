package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kon-rad/logship/internal/record"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindEmpty:
		return "empty"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Class says why a send failed.
type Class int

const (
	ClassNone Class = iota
	ClassRetriable
	ClassEncodeError
	ClassUnclassified
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetriable:
		return "retriable"
	case ClassEncodeError:
		return "encode_error"
	case ClassUnclassified:
		return "unclassified"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind  Kind
	Class Class
	Err   error
}

func Success() Outcome {
	return Outcome{Kind: KindSuccess}
}

func Empty() Outcome {
	return Outcome{Kind: KindEmpty}
}

func Failure(class Class, err error) Outcome {
	return Outcome{Kind: KindFailure, Class: class, Err: err}
}

// Encoder turns a record into the sink's wire payload.
type Encoder interface {
	Encode(rec record.Record) ([]byte, error)
}

// Transmitter performs exactly one delivery attempt of an encoded payload.
// Failures should be reported as *TransportError.
type Transmitter interface {
	Transmit(ctx context.Context, rec record.Record, payload []byte) error
}

// Client encodes a record and makes one synchronous transmit attempt. It holds
// no queue state and is safe for concurrent use.
type Client struct {
	encoder     Encoder
	transmitter Transmitter
	logger      *slog.Logger
}

func NewClient(encoder Encoder, transmitter Transmitter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		encoder:     encoder,
		transmitter: transmitter,
		logger:      logger,
	}
}

func (c *Client) Send(ctx context.Context, rec record.Record) (out Outcome) {
	if rec.IsZero() {
		return Empty()
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("sink send panicked", "transaction_id", rec.TransactionID, "panic", p)
			out = Failure(ClassUnclassified, fmt.Errorf("sink: panic during send: %v", p))
		}
	}()

	payload, err := c.Encode(rec)
	if err != nil {
		c.logger.Warn("record encoding failed",
			"transaction_id", rec.TransactionID,
			"name", rec.Name,
			"error", err,
		)
		return Failure(ClassEncodeError, err)
	}

	if err := c.transmitter.Transmit(ctx, rec, payload); err != nil {
		return Failure(ClassRetriable, err)
	}
	return Success()
}

func (c *Client) Encode(rec record.Record) ([]byte, error) {
	payload, err := c.encoder.Encode(rec)
	if err != nil {
		return nil, &EncodeError{TransactionID: rec.TransactionID, Err: err}
	}
	return payload, nil
}

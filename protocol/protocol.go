// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the requests exchanged between group members and
// message brokers, and between brokers while they negotiate positions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/meshq/groupkey"
)

// Kind selects the operation a request performs.
type Kind string

const (
	KindQueueConnect       Kind = "queue-connect"
	KindQueueConnectFollow Kind = "queue-connect-follow"
	KindQueueDisconnect    Kind = "queue-disconnect"
	KindQueueRead          Kind = "queue-read"
	KindQueuePush          Kind = "queue-push"
	KindBrokerVerify       Kind = "broker-verify"
)

// Result is the terminal outcome of a request.
type Result string

const (
	Accepted Result = "accepted"
	Failed   Result = "failed"
)

// NoSequence marks "nothing consumed yet".
const NoSequence int64 = -1

var (
	ErrMalformed    = errors.New("malformed request")
	ErrUnknownKind  = errors.New("unknown request kind")
	ErrMissingField = errors.New("missing required field")
)

// Request is the decoded form of every broker request.
// Only the fields relevant to Kind are set; Validate enforces that.
type Request struct {
	Kind              Kind           `json:"action"`
	QueueID           string         `json:"queue_id,omitempty"`
	ConsumerID        string         `json:"consumer_id,omitempty"`
	ProducerID        string         `json:"producer_id,omitempty"`
	GroupKey          *groupkey.Info `json:"group_key,omitempty"`
	Position          int            `json:"position"`
	ArchiveFolderPath string         `json:"archive_folder_path,omitempty"`
	LastSequenceID    int64          `json:"last_sequence_id"`
	KnownBrokers      Brokers        `json:"known_brokers,omitempty"`
	CustomerID        string         `json:"customer_id,omitempty"`
	Payload           []byte         `json:"payload,omitempty"`
	Depth             int            `json:"depth,omitempty"`
}

// Item is one message as returned to consumers. Delivery attempts are never included.
type Item struct {
	SequenceID int64     `json:"sequence_id"`
	ProducerID string    `json:"producer_id"`
	Created    time.Time `json:"created"`
	Payload    []byte    `json:"payload"`
}

// Response is the answer to a Request.
type Response struct {
	Result            Result  `json:"result"`
	Reason            string  `json:"reason,omitempty"`
	QueueID           string  `json:"queue_id,omitempty"`
	CooperatedBrokers Brokers `json:"cooperated_brokers,omitempty"`
	ArchiveFolderPath string  `json:"archive_folder_path,omitempty"`
	LastSequenceID    int64   `json:"last_sequence_id"`
	Items             []Item  `json:"items,omitempty"`
}

// Delivery is pushed by a broker to a consumer.
type Delivery struct {
	MessageID  string `json:"message_id"`
	QueueID    string `json:"queue_id"`
	ConsumerID string `json:"consumer_id"`
	Items      []Item `json:"items"`
}

// Accept builds an accepted response.
func Accept(brokers Brokers) Response {
	return Response{Result: Accepted, CooperatedBrokers: brokers, LastSequenceID: NoSequence}
}

// Fail builds a failed response.
func Fail(reason string) Response {
	return Response{Result: Failed, Reason: reason, LastSequenceID: NoSequence}
}

// Failf builds a failed response from a format string.
func Failf(format string, args ...any) Response {
	return Fail(fmt.Sprintf(format, args...))
}

// IsAccepted reports whether the request succeeded.
func (r Response) IsAccepted() bool {
	return r.Result == Accepted
}

// Err converts a failed response into an error.
func (r Response) Err() error {
	if r.IsAccepted() {
		return nil
	}
	return &RejectedError{Reason: r.Reason}
}

// RejectedError is an explicit refusal by the remote side.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Reason
}

// wireRequest also accepts the older {"payload": "queue-read"} form.
type wireRequest struct {
	Request
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses and validates a raw request.
func Decode(data []byte) (Request, error) {
	w := wireRequest{Request: Request{LastSequenceID: NoSequence}}
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := w.Request
	if req.Kind == "" && len(w.Payload) > 0 {
		var kind string
		if err := json.Unmarshal(w.Payload, &kind); err == nil {
			req.Kind = Kind(kind)
			w.Payload = nil
		}
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &req.Payload); err != nil {
			return Request{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Encode serializes the request.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Validate checks that the fields required by the request kind are present.
func (r Request) Validate() error {
	switch r.Kind {
	case KindQueueConnect:
		if err := r.requireQueue(); err != nil {
			return err
		}
		if r.ConsumerID == "" && r.ProducerID == "" {
			return missing("consumer_id or producer_id")
		}
		return r.requireGroupKey()
	case KindQueueConnectFollow:
		if err := r.requireGroupKey(); err != nil {
			return err
		}
		return r.requirePosition()
	case KindQueueDisconnect:
		if err := r.requireQueue(); err != nil {
			return err
		}
		if r.ConsumerID == "" && r.ProducerID == "" {
			return missing("consumer_id or producer_id")
		}
	case KindQueueRead:
		if err := r.requireQueue(); err != nil {
			return err
		}
		if r.ConsumerID == "" {
			return missing("consumer_id")
		}
		if r.LastSequenceID < NoSequence {
			return fmt.Errorf("%w: last_sequence_id %d", ErrMalformed, r.LastSequenceID)
		}
	case KindQueuePush:
		if err := r.requireQueue(); err != nil {
			return err
		}
		if r.ProducerID == "" {
			return missing("producer_id")
		}
	case KindBrokerVerify:
		if r.CustomerID == "" {
			return missing("customer_id")
		}
		return r.requirePosition()
	case "":
		return missing("action")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return nil
}

func (r Request) requireQueue() error {
	if r.QueueID == "" {
		return missing("queue_id")
	}
	if _, err := ParseQueueID(r.QueueID); err != nil {
		return err
	}
	return nil
}

func (r Request) requireGroupKey() error {
	if r.GroupKey == nil || r.GroupKey.KeyID == "" {
		return missing("group_key")
	}
	return nil
}

func (r Request) requirePosition() error {
	if r.Position < 0 {
		return fmt.Errorf("%w: position %d", ErrMalformed, r.Position)
	}
	return nil
}

// Customer returns the customer a request is about.
func (r Request) Customer() string {
	if r.CustomerID != "" {
		return r.CustomerID
	}
	if r.QueueID != "" {
		if q, err := ParseQueueID(r.QueueID); err == nil {
			return q.Owner
		}
	}
	if r.GroupKey != nil {
		return r.GroupKey.Owner()
	}
	return ""
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

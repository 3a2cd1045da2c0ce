// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines persistence for broker streams and keeper state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/meshq/protocol"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Stream is the persisted header of a queue.
type Stream struct {
	QueueID        string    `json:"queue_id"`
	LastSequenceID int64     `json:"last_sequence_id"`
	Created        time.Time `json:"created"`
}

// Participant is a registered consumer or producer of a stream.
type Participant struct {
	ID             string `json:"id"`
	Active         bool   `json:"active"`
	LastSequenceID int64  `json:"last_sequence_id"`
	MissedRounds   int    `json:"missed_rounds,omitempty"`
}

// Attempt records one delivery round of a message.
type Attempt struct {
	MessageID       string    `json:"message_id"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished,omitempty"`
	FailedConsumers []string  `json:"failed_consumers,omitempty"`
}

// Message is a stored producer message.
type Message struct {
	SequenceID int64     `json:"sequence_id"`
	Created    time.Time `json:"created"`
	ProducerID string    `json:"producer_id"`
	Payload    []byte    `json:"payload"`
	Attempts   []Attempt `json:"attempts,omitempty"`
}

// Item strips the delivery history from the message.
func (m Message) Item() protocol.Item {
	return protocol.Item{
		SequenceID: m.SequenceID,
		ProducerID: m.ProducerID,
		Created:    m.Created,
		Payload:    m.Payload,
	}
}

// KeeperState is the persisted slot of the local broker for one customer.
type KeeperState struct {
	CustomerID        string           `json:"customer_id"`
	Position          int              `json:"position"`
	Brokers           protocol.Brokers `json:"brokers,omitempty"`
	ArchiveFolderPath string           `json:"archive_folder_path,omitempty"`
	Revision          int64            `json:"revision"`
	Updated           time.Time        `json:"updated"`
}

// StreamStore persists streams, their participants and messages.
type StreamStore interface {
	SaveStream(ctx context.Context, s Stream) error
	GetStream(ctx context.Context, queueID string) (Stream, error)
	ListStreams(ctx context.Context) ([]Stream, error)
	// DeleteStream removes the stream together with its participants and messages.
	DeleteStream(ctx context.Context, queueID string) error

	SaveConsumer(ctx context.Context, queueID string, p Participant) error
	DeleteConsumer(ctx context.Context, queueID, id string) error
	ListConsumers(ctx context.Context, queueID string) ([]Participant, error)

	SaveProducer(ctx context.Context, queueID string, p Participant) error
	DeleteProducer(ctx context.Context, queueID, id string) error
	ListProducers(ctx context.Context, queueID string) ([]Participant, error)

	PutMessage(ctx context.Context, queueID string, m Message) error
	GetMessage(ctx context.Context, queueID string, seq int64) (Message, error)
	// ListMessages returns messages with sequence id greater than after, in order.
	// A limit of 0 returns all of them.
	ListMessages(ctx context.Context, queueID string, after int64, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, queueID string, seq int64) error
}

// KeeperStore persists keeper state.
type KeeperStore interface {
	SaveKeeper(ctx context.Context, s KeeperState) error
	LoadKeeper(ctx context.Context, customerID string) (KeeperState, error)
	ListKeepers(ctx context.Context) ([]KeeperState, error)
	DeleteKeeper(ctx context.Context, customerID string) error
}

// Store is the composite broker store.
type Store interface {
	StreamStore
	KeeperStore
	Close() error
}

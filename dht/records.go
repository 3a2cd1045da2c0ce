// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	brokersPrefix     = "/meshq/brokers/"
	messageBrokerType = "message_broker"
)

// BrokerRecord is the advisory claim of one broker on one position of a customer.
type BrokerRecord struct {
	Type              string    `json:"type"`
	CustomerID        string    `json:"customer_id"`
	BrokerID          string    `json:"broker_id"`
	Position          int       `json:"position"`
	ArchiveFolderPath string    `json:"archive_folder_path,omitempty"`
	Revision          int64     `json:"revision"`
	Timestamp         time.Time `json:"timestamp"`
}

// errRecordMoved aborts a compare-and-delete when another broker took the slot.
var errRecordMoved = errors.New("dht: record held by another broker")

// RevisionError is returned when a write carries a revision that is not newer
// than the stored one.
type RevisionError struct {
	Current int64
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("dht: stale revision, current revision is %d", e.Current)
}

// IsRevisionError reports whether err is a RevisionError and returns it.
func IsRevisionError(err error) (*RevisionError, bool) {
	var re *RevisionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// RecordsConfig configures broker record access.
type RecordsConfig struct {
	Positions int           // number of broker positions per customer
	TTL       time.Duration // record expiry
	CacheTTL  time.Duration // 0 disables the read cache
}

// Records reads and writes broker slot records.
type Records struct {
	store     Store
	positions int
	ttl       time.Duration
	cacheTTL  time.Duration
	cache     *ristretto.Cache[string, map[int]BrokerRecord]
}

// NewRecords creates a broker record accessor over store.
func NewRecords(store Store, cfg RecordsConfig) (*Records, error) {
	if cfg.Positions < 1 {
		return nil, fmt.Errorf("dht: positions must be at least 1")
	}

	r := &Records{
		store:     store,
		positions: cfg.Positions,
		ttl:       cfg.TTL,
		cacheTTL:  cfg.CacheTTL,
	}

	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, map[int]BrokerRecord]{
			NumCounters:        100000,
			MaxCost:            10000,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("dht: failed to create record cache: %w", err)
		}
		r.cache = cache
	}

	return r, nil
}

// Positions returns the number of broker positions per customer.
func (r *Records) Positions() int {
	return r.positions
}

// ReadBrokers returns the live records of customer keyed by position.
func (r *Records) ReadBrokers(ctx context.Context, customer string, useCache bool) (map[int]BrokerRecord, error) {
	if useCache && r.cache != nil {
		if cached, ok := r.cache.Get(customer); ok {
			return cloneRecords(cached), nil
		}
	}

	out := make(map[int]BrokerRecord)
	for pos := 0; pos < r.positions; pos++ {
		data, err := r.store.Get(ctx, brokerKey(customer, pos))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dht: failed to read broker record %d: %w", pos, err)
		}

		var rec BrokerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// A garbled record is as good as an empty slot.
			continue
		}
		if rec.BrokerID == "" || rec.Position != pos {
			continue
		}
		out[pos] = rec
	}

	if r.cache != nil {
		r.cache.SetWithTTL(customer, cloneRecords(out), 1, r.cacheTTL)
		r.cache.Wait()
	}

	return out, nil
}

// WriteBroker stores rec unless the existing record has the same or a newer revision.
func (r *Records) WriteBroker(ctx context.Context, rec BrokerRecord) error {
	if rec.Position < 0 || rec.Position >= r.positions {
		return fmt.Errorf("dht: position %d out of range", rec.Position)
	}
	rec.Type = messageBrokerType
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	defer r.invalidate(rec.CustomerID)

	return r.store.Update(ctx, brokerKey(rec.CustomerID, rec.Position), r.ttl, func(current []byte) ([]byte, error) {
		if current == nil {
			return data, nil
		}
		var existing BrokerRecord
		if err := json.Unmarshal(current, &existing); err != nil {
			return data, nil
		}
		if existing.Revision >= rec.Revision {
			return nil, &RevisionError{Current: existing.Revision}
		}
		return data, nil
	})
}

// DeleteBroker removes the record at position only if it still names brokerID.
func (r *Records) DeleteBroker(ctx context.Context, customer string, position int, brokerID string) error {
	defer r.invalidate(customer)

	err := r.store.Update(ctx, brokerKey(customer, position), r.ttl, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var existing BrokerRecord
		if err := json.Unmarshal(current, &existing); err == nil && existing.BrokerID != brokerID {
			return nil, errRecordMoved
		}
		return nil, nil
	})
	if errors.Is(err, errRecordMoved) {
		return nil
	}
	return err
}

// Close releases the read cache.
func (r *Records) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *Records) invalidate(customer string) {
	if r.cache != nil {
		r.cache.Del(customer)
	}
}

// Brokers converts records into a position to broker id map.
func Brokers(records map[int]BrokerRecord) protocol.Brokers {
	out := make(protocol.Brokers, len(records))
	for pos, rec := range records {
		out[pos] = rec.BrokerID
	}
	return out
}

func brokerKey(customer string, position int) string {
	return brokersPrefix + customer + "/" + strconv.Itoa(position)
}

func cloneRecords(in map[int]BrokerRecord) map[int]BrokerRecord {
	out := make(map[int]BrokerRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

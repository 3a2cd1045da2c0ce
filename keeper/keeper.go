// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package keeper maintains the DHT broker slot of the local broker for each
// customer it serves.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/meshq/dht"
	"github.com/absmach/meshq/negotiator"
	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/protocol"
)

// State is a keeper state.
type State string

const (
	StateAtStartup    State = "AT_STARTUP"
	StateDisconnected State = "DISCONNECTED"
	StateDHTRead      State = "DHT_READ"
	StateOtherBroker  State = "OTHER_BROKER?"
	StateDHTWrite     State = "DHT_WRITE"
	StateConnected    State = "CONNECTED"
	StateClosed       State = "CLOSED"
)

// Failure reasons reported with ErrDisconnected.
const (
	ReasonDHTReadFailed  = "dht-read-failed"
	ReasonDHTWriteFailed = "dht-write-failed"
	ReasonDHTMismatch    = "dht-mismatch"
)

var (
	// ErrDisconnected is returned when a connect cycle ends without a slot.
	ErrDisconnected = errors.New("keeper disconnected")
	ErrClosed       = errors.New("keeper closed")
)

// Records is the broker record access the keeper needs.
type Records interface {
	ReadBrokers(ctx context.Context, customer string, useCache bool) (map[int]dht.BrokerRecord, error)
	WriteBroker(ctx context.Context, rec dht.BrokerRecord) error
	DeleteBroker(ctx context.Context, customer string, position int, brokerID string) error
}

// Negotiator resolves who may take a position.
type Negotiator interface {
	Run(ctx context.Context, in negotiator.Input) negotiator.Outcome
}

// Metrics receives keeper state transitions.
type Metrics interface {
	RecordKeeperTransition(ctx context.Context, from, to string)
}

// Config configures keepers.
type Config struct {
	Self            string
	RefreshInterval time.Duration
	// RequestTimeout bounds every DHT operation.
	RequestTimeout time.Duration
}

// ConnectRequest asks the keeper to hold a position.
type ConnectRequest struct {
	Desired           int
	ArchiveFolderPath string
	RequesterKnown    protocol.Brokers
	// Request is forwarded to other brokers during negotiation.
	Request protocol.Request
	Depth   int
}

// Result is a successful connect.
type Result struct {
	Position          int
	Brokers           protocol.Brokers
	ArchiveFolderPath string
}

// Status is a point-in-time view of a keeper.
type Status struct {
	Customer   string           `json:"customer"`
	State      State            `json:"state"`
	Position   int              `json:"position"`
	Brokers    protocol.Brokers `json:"brokers,omitempty"`
	HasRotated bool             `json:"has_rotated"`
	Revision   int64            `json:"revision"`
}

type pending struct {
	req  ConnectRequest
	resp chan connectResult
}

type connectResult struct {
	res Result
	err error
}

type eventKind int

const (
	evRead eventKind = iota
	evNegotiated
	evWritten
	evVerified
	evRemoved
)

type event struct {
	kind     eventKind
	records  map[int]dht.BrokerRecord
	outcome  negotiator.Outcome
	revision int64
	err      error
}

// cycle is one DHT negotiation round.
type cycle struct {
	req     ConnectRequest
	refresh bool
	target  int
	brokers protocol.Brokers
}

// Keeper is the state machine for one customer. All transitions happen on a
// single goroutine; network operations run aside and post events back.
type Keeper struct {
	customer string
	cfg      Config
	records  Records
	neg      Negotiator
	store    storage.KeeperStore
	metrics  Metrics
	logger   *slog.Logger

	connectCh chan *pending
	events    chan event
	closeCh   chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Loop-owned.
	queue       []*pending
	cur         *cycle
	refreshDue  bool
	lastRequest protocol.Request

	mu         sync.RWMutex
	state      State
	position   int
	brokers    protocol.Brokers
	archive    string
	revision   int64
	hasRotated bool
	useCache   bool
}

// New creates a keeper and starts its event loop. restored may be nil.
func New(customer string, cfg Config, records Records, neg Negotiator, store storage.KeeperStore, metrics Metrics, restored *storage.KeeperState, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 3 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Keeper{
		customer:  customer,
		cfg:       cfg,
		records:   records,
		neg:       neg,
		store:     store,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "keeper"), slog.String("customer", customer)),
		connectCh: make(chan *pending),
		events:    make(chan event),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateAtStartup,
		position:  -1,
		brokers:   protocol.Brokers{},
	}
	if restored != nil {
		k.position = restored.Position
		k.brokers = restored.Brokers.Clone()
		k.archive = restored.ArchiveFolderPath
		k.revision = restored.Revision
	}

	go k.run()
	return k
}

// Customer returns the customer this keeper serves.
func (k *Keeper) Customer() string {
	return k.customer
}

// Connect asks the keeper to hold req.Desired. Concurrent callers are queued
// and only one DHT cycle runs at a time.
func (k *Keeper) Connect(ctx context.Context, req ConnectRequest) (Result, error) {
	p := &pending{req: req, resp: make(chan connectResult, 1)}

	select {
	case k.connectCh <- p:
	case <-k.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-p.resp:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Verify reports whether the keeper holds position, with the brokers it
// cooperates with. A held position is confirmed while a cycle is in flight.
func (k *Keeper) Verify(position int) (protocol.Brokers, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.state == StateClosed || k.position < 0 || k.position != position {
		return nil, false
	}
	return k.brokers.Clone(), true
}

// Status returns a snapshot of the keeper.
func (k *Keeper) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return Status{
		Customer:   k.customer,
		State:      k.state,
		Position:   k.position,
		Brokers:    k.brokers.Clone(),
		HasRotated: k.hasRotated,
		Revision:   k.revision,
	}
}

// Close stops the keeper. Queued callers fail with ErrClosed.
func (k *Keeper) Close() {
	k.closeOnce.Do(func() {
		close(k.closeCh)
	})
	<-k.done
}

func (k *Keeper) run() {
	defer close(k.done)

	ticker := time.NewTicker(k.cfg.RefreshInterval)
	defer ticker.Stop()

	k.transition(StateDisconnected)

	for {
		select {
		case p := <-k.connectCh:
			k.queue = append(k.queue, p)
			if k.cur == nil {
				k.next()
			}

		case ev := <-k.events:
			k.handle(ev)
			if k.cur == nil {
				k.next()
			}

		case <-ticker.C:
			k.refreshDue = true
			if k.cur == nil {
				k.next()
			}

		case <-k.closeCh:
			k.cancel()
			for _, p := range k.queue {
				p.resp <- connectResult{err: ErrClosed}
			}
			k.queue = nil
			k.transition(StateClosed)
			return
		}
	}
}

// next starts the next cycle, if any is waiting.
func (k *Keeper) next() {
	if len(k.queue) > 0 {
		req := k.queue[0].req
		if req.Request.Kind != "" {
			k.lastRequest = req.Request
		}

		k.mu.Lock()
		if k.position >= 0 && req.Desired < k.position {
			k.hasRotated = true
		}
		k.mu.Unlock()

		k.startCycle(&cycle{req: req})
		return
	}

	if k.refreshDue {
		k.refreshDue = false
		if k.currentState() == StateConnected {
			k.startCycle(&cycle{refresh: true})
		}
	}
}

func (k *Keeper) startCycle(c *cycle) {
	k.cur = c
	k.transition(StateDHTRead)

	k.mu.RLock()
	useCache := k.useCache && !c.refresh
	k.mu.RUnlock()

	k.async(func(ctx context.Context) event {
		records, err := k.records.ReadBrokers(ctx, k.customer, useCache)
		return event{kind: evRead, records: records, err: err}
	})
}

func (k *Keeper) handle(ev event) {
	if k.cur == nil && ev.kind != evRemoved {
		return
	}

	switch ev.kind {
	case evRead:
		k.onRead(ev)
	case evNegotiated:
		k.onNegotiated(ev.outcome)
	case evWritten:
		k.onWritten(ev)
	case evVerified:
		k.onVerified(ev)
	case evRemoved:
		if ev.err != nil {
			k.logger.Warn("failed to remove previous broker record", slog.String("error", ev.err.Error()))
		}
	}
}

func (k *Keeper) onRead(ev event) {
	if ev.err != nil {
		k.logger.Warn("failed to read broker records", slog.String("error", ev.err.Error()))
		k.fail(ReasonDHTReadFailed)
		return
	}

	c := k.cur
	snapshot := dht.Brokers(ev.records)

	k.mu.RLock()
	position := k.position
	k.mu.RUnlock()

	if c.refresh {
		own := snapshot[position]
		if own != "" && own != k.cfg.Self {
			k.logger.Warn("broker slot taken by another broker",
				slog.Int("position", position),
				slog.String("holder", own))
			k.lose()
			k.fail(ReasonDHTMismatch)
			return
		}
		for p := 0; p < position; p++ {
			if snapshot[p] == "" && k.lastRequest.Kind != "" {
				k.logger.Info("better position is free, rotating",
					slog.Int("from", position),
					slog.Int("to", p))
				k.mu.Lock()
				k.hasRotated = true
				archive := k.archive
				k.mu.Unlock()
				c.req = ConnectRequest{Desired: p, ArchiveFolderPath: archive, Request: k.lastRequest}
				k.negotiate(snapshot)
				return
			}
		}
		k.mu.RLock()
		brokers := k.brokers.Clone()
		k.mu.RUnlock()
		brokers.Merge(snapshot)
		brokers[position] = k.cfg.Self
		k.write(position, brokers)
		return
	}

	if position >= 0 && c.req.Desired == position && snapshot[position] == k.cfg.Self {
		k.mu.Lock()
		k.brokers.Merge(c.req.RequesterKnown)
		for pos, id := range k.brokers {
			if id == k.cfg.Self && pos != position {
				delete(k.brokers, pos)
			}
		}
		k.brokers[position] = k.cfg.Self
		if c.req.ArchiveFolderPath != "" {
			k.archive = c.req.ArchiveFolderPath
		}
		k.useCache = true
		k.mu.Unlock()
		k.connected()
		return
	}

	k.negotiate(snapshot)
}

func (k *Keeper) negotiate(snapshot protocol.Brokers) {
	c := k.cur
	if holder := snapshot[c.req.Desired]; holder != "" && holder != k.cfg.Self {
		k.transition(StateOtherBroker)
	}

	k.mu.RLock()
	in := negotiator.Input{
		Customer:       k.customer,
		MyPosition:     k.position,
		Cooperated:     k.brokers.Clone(),
		DHT:            snapshot,
		Desired:        c.req.Desired,
		RequesterKnown: c.req.RequesterKnown,
		Request:        c.req.Request,
		Depth:          c.req.Depth,
	}
	k.mu.RUnlock()

	go func() {
		out := k.neg.Run(k.ctx, in)
		select {
		case k.events <- event{kind: evNegotiated, outcome: out}:
		case <-k.ctx.Done():
		}
	}()
}

func (k *Keeper) onNegotiated(out negotiator.Outcome) {
	if !out.Accepted {
		if out.Reason == negotiator.ReasonOwnRecordInvalid {
			k.lose()
		}
		k.fail(out.Reason)
		return
	}
	k.write(out.Position, out.Brokers)
}

func (k *Keeper) write(position int, brokers protocol.Brokers) {
	k.transition(StateDHTWrite)
	c := k.cur
	c.target = position
	c.brokers = brokers

	k.mu.RLock()
	rec := dht.BrokerRecord{
		CustomerID:        k.customer,
		BrokerID:          k.cfg.Self,
		Position:          position,
		ArchiveFolderPath: k.archive,
		Revision:          k.revision + 1,
	}
	k.mu.RUnlock()
	if c.req.ArchiveFolderPath != "" {
		rec.ArchiveFolderPath = c.req.ArchiveFolderPath
	}

	// A refresh never overwrites a newer record; that record belongs to someone else.
	retry := !c.refresh
	k.async(func(ctx context.Context) event {
		rec.Timestamp = time.Now().UTC()
		err := k.records.WriteBroker(ctx, rec)
		if re, ok := dht.IsRevisionError(err); ok && retry {
			rec.Revision = re.Current + 1
			err = k.records.WriteBroker(ctx, rec)
		}
		return event{kind: evWritten, revision: rec.Revision, err: err}
	})
}

func (k *Keeper) onWritten(ev event) {
	if ev.err != nil {
		k.logger.Warn("failed to write broker record",
			slog.Int("position", k.cur.target),
			slog.String("error", ev.err.Error()))
		if _, stale := dht.IsRevisionError(ev.err); stale && k.cur.refresh {
			k.lose()
		}
		k.fail(ReasonDHTWriteFailed)
		return
	}

	k.mu.Lock()
	k.revision = ev.revision
	k.mu.Unlock()

	k.transition(StateDHTRead)
	k.async(func(ctx context.Context) event {
		records, err := k.records.ReadBrokers(ctx, k.customer, false)
		return event{kind: evVerified, records: records, err: err}
	})
}

func (k *Keeper) onVerified(ev event) {
	c := k.cur
	if ev.err != nil {
		k.logger.Warn("failed to verify broker record", slog.String("error", ev.err.Error()))
		k.fail(ReasonDHTReadFailed)
		return
	}
	if holder := ev.records[c.target].BrokerID; holder != k.cfg.Self {
		k.logger.Warn("broker record was overwritten",
			slog.Int("position", c.target),
			slog.String("holder", holder))
		if holder != "" && c.refresh {
			k.lose()
		}
		k.fail(ReasonDHTMismatch)
		return
	}

	k.mu.Lock()
	old := k.position
	k.position = c.target
	k.brokers = c.brokers.Clone()
	k.brokers[c.target] = k.cfg.Self
	if c.req.ArchiveFolderPath != "" {
		k.archive = c.req.ArchiveFolderPath
	}
	k.useCache = true
	k.mu.Unlock()

	if old >= 0 && old != c.target {
		k.logger.Info("broker position rotated", slog.Int("from", old), slog.Int("to", c.target))
		k.async(func(ctx context.Context) event {
			return event{kind: evRemoved, err: k.records.DeleteBroker(ctx, k.customer, old, k.cfg.Self)}
		})
	}

	k.connected()
}

func (k *Keeper) connected() {
	k.transition(StateConnected)
	k.persist()

	c := k.cur
	k.cur = nil

	k.mu.RLock()
	position := k.position
	brokers := k.brokers.Clone()
	archive := k.archive
	k.mu.RUnlock()

	if c.refresh {
		return
	}

	k.resolve(c.req.Desired, func(p *pending) connectResult {
		out := brokers.Clone()
		out.Merge(p.req.RequesterKnown)
		for pos, id := range out {
			if id == k.cfg.Self && pos != position {
				delete(out, pos)
			}
		}
		out[position] = k.cfg.Self
		return connectResult{res: Result{Position: position, Brokers: out, ArchiveFolderPath: archive}}
	})
}

func (k *Keeper) fail(reason string) {
	k.transition(StateDisconnected)
	k.persist()

	c := k.cur
	k.cur = nil
	if c.refresh {
		return
	}

	err := fmt.Errorf("%w: %s", ErrDisconnected, reason)
	k.resolve(c.req.Desired, func(*pending) connectResult {
		return connectResult{err: err}
	})
}

// resolve answers every queued caller that asked for desired.
func (k *Keeper) resolve(desired int, fn func(*pending) connectResult) {
	rest := k.queue[:0]
	for _, p := range k.queue {
		if p.req.Desired == desired {
			p.resp <- fn(p)
			continue
		}
		rest = append(rest, p)
	}
	k.queue = rest
}

// lose forgets the position after another broker took it.
func (k *Keeper) lose() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.position = -1
	k.useCache = false
}

func (k *Keeper) persist() {
	if k.store == nil {
		return
	}

	k.mu.RLock()
	st := storage.KeeperState{
		CustomerID:        k.customer,
		Position:          k.position,
		Brokers:           k.brokers.Clone(),
		ArchiveFolderPath: k.archive,
		Revision:          k.revision,
		Updated:           time.Now().UTC(),
	}
	k.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.RequestTimeout)
	defer cancel()
	if err := k.store.SaveKeeper(ctx, st); err != nil {
		k.logger.Error("failed to persist keeper state", slog.String("error", err.Error()))
	}
}

func (k *Keeper) currentState() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

func (k *Keeper) transition(to State) {
	k.mu.Lock()
	from := k.state
	k.state = to
	k.mu.Unlock()

	if from == to {
		return
	}
	k.logger.Debug("keeper state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	if k.metrics != nil {
		k.metrics.RecordKeeperTransition(k.ctx, string(from), string(to))
	}
}

// async runs fn aside from the loop and posts its event back.
func (k *Keeper) async(fn func(ctx context.Context) event) {
	go func() {
		ctx, cancel := context.WithTimeout(k.ctx, k.cfg.RequestTimeout)
		defer cancel()

		ev := fn(ctx)
		select {
		case k.events <- ev:
		case <-k.ctx.Done():
		}
	}()
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package negotiator decides, on the broker receiving a join or hire request,
// whether that broker may take the requested position of a customer.
package negotiator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
)

// State is a negotiation step.
type State string

const (
	StateAtStartup   State = "AT_STARTUP"
	StateVerify      State = "VERIFY"
	StatePlaceOwn    State = "PLACE_OWN"
	StatePlaceEmpty  State = "PLACE_EMPTY"
	StatePlaceRotate State = "PLACE_ROTATE"
	StateThisBroker  State = "THIS_BROKER?"
	StatePrevBroker  State = "PREV_BROKER?"
	StateNewBroker   State = "NEW_BROKER!"
	StateAccept      State = "ACCEPT"
	StateReject      State = "REJECT"
)

// Rejection reasons.
const (
	ReasonDepthExceeded     = "negotiation-depth-exceeded"
	ReasonInvalidPosition   = "invalid-position"
	ReasonOwnRecordInvalid  = "own-record-invalid"
	ReasonRecordBusy        = "record-busy"
	ReasonPrevRecordOwn     = "prev-record-own"
	ReasonPrevUnknown       = "prev-broker-unknown"
	ReasonBrokerRejected    = "broker-rejected"
	ReasonNewBrokerRejected = "new-broker-rejected"
	ReasonHireBrokerFailed  = "hire-broker-failed"
)

// Peers is the view of the network the negotiator needs.
type Peers interface {
	// Request returns a failed response on explicit refusal and an error
	// when the peer could not be reached.
	Request(ctx context.Context, brokerID string, req protocol.Request) (protocol.Response, error)
	RandomBrokers(ctx context.Context, exclude []string, limit int) ([]string, error)
}

// Metrics receives negotiation outcomes.
type Metrics interface {
	RecordNegotiation(ctx context.Context, accepted bool, reason string)
}

// Config configures a Negotiator.
type Config struct {
	Self             string
	RequiredBrokers  int
	Timeout          time.Duration // per position; a request to position p waits Timeout*(p+1)
	PreferredBrokers []string
}

// Input is everything one negotiation looks at.
type Input struct {
	Customer string
	// MyPosition is the position this broker believes it holds, -1 if none.
	MyPosition int
	// Cooperated are the brokers this broker already agreed with.
	Cooperated protocol.Brokers
	// DHT is the current snapshot of broker records.
	DHT     protocol.Brokers
	Desired int
	// RequesterKnown are the brokers the requester already knows about.
	RequesterKnown protocol.Brokers
	// Request is the original connect request, forwarded to other brokers.
	Request protocol.Request
	Depth   int
}

// Outcome is the terminal result of a negotiation.
type Outcome struct {
	Accepted bool
	Position int
	Brokers  protocol.Brokers
	Reason   string
	Trail    []State
}

// Negotiator runs negotiations. It holds no per-negotiation state and is
// safe for concurrent use.
type Negotiator struct {
	cfg     Config
	peers   Peers
	metrics Metrics
	logger  *slog.Logger
}

// New creates a Negotiator. metrics may be nil.
func New(cfg Config, peers Peers, metrics Metrics, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequiredBrokers < 1 {
		cfg.RequiredBrokers = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Negotiator{
		cfg:     cfg,
		peers:   peers,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "negotiator")),
	}
}

// run is the state of a single negotiation.
type run struct {
	n     *Negotiator
	in    Input
	trail []State
}

// Run negotiates the requested position and returns the outcome.
func (n *Negotiator) Run(ctx context.Context, in Input) Outcome {
	r := &run{n: n, in: in, trail: []State{StateAtStartup}}
	out := r.verify(ctx)
	out.Trail = r.trail

	n.logger.Debug("negotiation finished",
		slog.String("customer", in.Customer),
		slog.Int("desired", in.Desired),
		slog.Int("my_position", in.MyPosition),
		slog.Bool("accepted", out.Accepted),
		slog.Int("position", out.Position),
		slog.String("reason", out.Reason),
		slog.Any("trail", out.Trail))

	if n.metrics != nil {
		n.metrics.RecordNegotiation(ctx, out.Accepted, out.Reason)
	}
	return out
}

func (r *run) enter(s State) {
	r.trail = append(r.trail, s)
}

func (r *run) verify(ctx context.Context) Outcome {
	r.enter(StateVerify)
	in := r.in
	self := r.n.cfg.Self

	if in.Depth >= r.n.cfg.RequiredBrokers {
		return r.reject(ReasonDepthExceeded)
	}
	if in.Desired < 0 || in.Desired >= r.n.cfg.RequiredBrokers {
		return r.reject(ReasonInvalidPosition)
	}

	if in.MyPosition >= 0 {
		switch {
		case in.Desired == in.MyPosition:
			holder := in.DHT[in.MyPosition]
			if in.Cooperated[in.MyPosition] != self || (holder != "" && holder != self) {
				return r.reject(ReasonOwnRecordInvalid)
			}
			r.enter(StatePlaceOwn)
			if in.MyPosition == 0 {
				return r.accept(0, nil)
			}
			// The chain ahead of a held position must still stand.
			switch prev := in.Cooperated[in.MyPosition-1]; prev {
			case "":
				return r.reject(ReasonPrevUnknown)
			case self:
				return r.reject(ReasonPrevRecordOwn)
			default:
				return r.previous(ctx, prev, in.MyPosition)
			}
		case in.MyPosition < in.Desired:
			// Already better placed than asked for.
			r.enter(StatePlaceRotate)
			return r.accept(in.MyPosition, nil)
		}
	}

	return r.place(ctx, in.Desired)
}

// place tries to take position t.
func (r *run) place(ctx context.Context, t int) Outcome {
	self := r.n.cfg.Self
	holder := r.in.DHT[t]

	switch {
	case holder == self:
		r.enter(StatePlaceOwn)
	case holder == "":
		r.enter(StatePlaceEmpty)
	default:
		r.enter(StateThisBroker)
		if r.holderAlive(ctx, holder, t) {
			return r.reject(ReasonRecordBusy)
		}
		r.enter(StatePlaceEmpty)
	}

	if t == 0 {
		return r.accept(0, nil)
	}

	prev := r.in.DHT[t-1]
	switch prev {
	case "":
		return r.hire(ctx, t)
	case self:
		return r.reject(ReasonPrevRecordOwn)
	}

	return r.previous(ctx, prev, t)
}

// previous asks the broker at t-1 to keep its position ahead of this one.
func (r *run) previous(ctx context.Context, prev string, t int) Outcome {
	self := r.n.cfg.Self

	r.enter(StatePrevBroker)
	resp, err := r.follow(ctx, prev, t)
	if errors.Is(err, transport.ErrRateLimited) {
		return r.reject(ReasonBrokerRejected)
	}
	if err != nil {
		r.n.logger.Info("previous broker unreachable, hiring a replacement",
			slog.String("customer", r.in.Customer),
			slog.String("broker", prev),
			slog.Int("position", t-1),
			slog.String("error", err.Error()))
		return r.hire(ctx, t)
	}
	if !resp.IsAccepted() || resp.CooperatedBrokers[t] != self {
		return r.reject(ReasonBrokerRejected)
	}
	return r.accept(t, resp.CooperatedBrokers)
}

// holderAlive asks the current holder of position t whether it still serves
// it. Any answer, a refusal included, means the holder is alive.
func (r *run) holderAlive(ctx context.Context, holder string, t int) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout(t))
	defer cancel()

	resp, err := r.n.peers.Request(ctx, holder, protocol.Request{
		Kind:       protocol.KindBrokerVerify,
		CustomerID: r.in.Customer,
		Position:   t,
	})
	switch {
	case errors.Is(err, transport.ErrRateLimited):
		return true
	case err != nil:
		r.n.logger.Info("record holder did not answer, taking over",
			slog.String("customer", r.in.Customer),
			slog.String("holder", holder),
			slog.Int("position", t),
			slog.String("error", err.Error()))
		return false
	}
	if !resp.IsAccepted() {
		r.n.logger.Debug("record holder answered without confirming its position",
			slog.String("customer", r.in.Customer),
			slog.String("holder", holder),
			slog.Int("position", t),
			slog.String("reason", resp.Reason))
	}
	return true
}

// hire finds a broker for position t-1 so that this broker can take t.
func (r *run) hire(ctx context.Context, t int) Outcome {
	r.enter(StateNewBroker)
	self := r.n.cfg.Self

	exclude := []string{self}
	exclude = append(exclude, r.in.DHT.IDs()...)
	exclude = append(exclude, r.in.RequesterKnown.IDs()...)

	var candidates []string
	for _, id := range r.n.cfg.PreferredBrokers {
		if !slices.Contains(exclude, id) && !slices.Contains(candidates, id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		random, err := r.n.peers.RandomBrokers(ctx, exclude, r.n.cfg.RequiredBrokers)
		if err != nil {
			r.n.logger.Warn("failed to look up brokers to hire",
				slog.String("customer", r.in.Customer),
				slog.String("error", err.Error()))
		}
		candidates = random
	}

	rejected := false
	for _, id := range candidates {
		resp, err := r.follow(ctx, id, t)
		if err != nil {
			continue
		}
		if resp.IsAccepted() && resp.CooperatedBrokers[t] == self {
			return r.accept(t, resp.CooperatedBrokers)
		}
		rejected = true
	}

	if rejected {
		return r.reject(ReasonNewBrokerRejected)
	}
	return r.reject(ReasonHireBrokerFailed)
}

// follow asks broker to take position t-1 ahead of this broker at t.
func (r *run) follow(ctx context.Context, broker string, t int) (protocol.Response, error) {
	known := r.in.Cooperated.Clone()
	known.Merge(r.in.RequesterKnown)
	known[t] = r.n.cfg.Self

	req := r.in.Request
	req.Kind = protocol.KindQueueConnectFollow
	req.Position = t - 1
	req.KnownBrokers = known
	req.Depth = r.in.Depth + 1
	if req.CustomerID == "" {
		req.CustomerID = r.in.Customer
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout(t-1))
	defer cancel()

	return r.n.peers.Request(ctx, broker, req)
}

func (r *run) timeout(position int) time.Duration {
	return r.n.cfg.Timeout * time.Duration(position+1)
}

func (r *run) accept(position int, cooperating protocol.Brokers) Outcome {
	r.enter(StateAccept)
	self := r.n.cfg.Self

	brokers := r.in.Cooperated.Clone()
	brokers.Merge(r.in.RequesterKnown)
	brokers.Merge(cooperating)
	for pos, id := range brokers {
		if id == self && pos != position {
			delete(brokers, pos)
		}
	}
	brokers[position] = self

	return Outcome{Accepted: true, Position: position, Brokers: brokers}
}

func (r *run) reject(reason string) Outcome {
	r.enter(StateReject)
	return Outcome{Accepted: false, Position: -1, Reason: reason}
}

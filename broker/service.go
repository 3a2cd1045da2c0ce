// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker dispatches inter-node requests to the local queue keepers
// and the message peddler.
package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/keeper"
	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
)

var ErrNoCustomer = errors.New("customer could not be determined")

// Queues serves the queue operations of this broker.
type Queues interface {
	Connect(ctx context.Context, req protocol.Request) (protocol.Response, error)
	Disconnect(ctx context.Context, req protocol.Request) (protocol.Response, error)
	Read(ctx context.Context, req protocol.Request) (protocol.Response, error)
	Push(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Keepers holds the broker slots of each customer.
type Keepers interface {
	Connect(ctx context.Context, customer string, req keeper.ConnectRequest) (keeper.Result, error)
	Verify(customer string, position int) (protocol.Brokers, bool)
}

// Keys registers group keys presented by peers.
type Keys interface {
	Register(info groupkey.Info) error
}

// Limiter throttles peers and producers.
type Limiter interface {
	AllowRequest(peer string) bool
	AllowPush(producerID string) bool
	OnProducerLeft(producerID string)
}

var _ transport.BrokerHandler = (*Service)(nil)

// Service handles broker requests arriving over the transport.
type Service struct {
	queues  Queues
	keepers Keepers
	keys    Keys
	limiter Limiter
	logger  *slog.Logger
}

// New creates a broker service. limiter may be nil.
func New(queues Queues, keepers Keepers, keys Keys, limiter Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		queues:  queues,
		keepers: keepers,
		keys:    keys,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "broker")),
	}
}

// HandleRequest implements transport.BrokerHandler. Refusals are reported in
// the response; only rate limiting is returned as an error.
func (s *Service) HandleRequest(ctx context.Context, from string, req protocol.Request) (protocol.Response, error) {
	if s.limiter != nil {
		if !s.limiter.AllowRequest(from) {
			return protocol.Response{}, transport.ErrRateLimited
		}
		if req.Kind == protocol.KindQueuePush && !s.limiter.AllowPush(req.ProducerID) {
			return protocol.Response{}, transport.ErrRateLimited
		}
	}

	var (
		resp protocol.Response
		err  error
	)
	switch req.Kind {
	case protocol.KindQueueConnect:
		resp, err = s.queues.Connect(ctx, req)
	case protocol.KindQueueDisconnect:
		resp, err = s.queues.Disconnect(ctx, req)
		if err == nil && req.ProducerID != "" && s.limiter != nil {
			s.limiter.OnProducerLeft(req.ProducerID)
		}
	case protocol.KindQueueRead:
		resp, err = s.queues.Read(ctx, req)
	case protocol.KindQueuePush:
		resp, err = s.queues.Push(ctx, req)
	case protocol.KindQueueConnectFollow:
		resp, err = s.follow(ctx, req)
	case protocol.KindBrokerVerify:
		resp = s.verify(req)
	default:
		return protocol.Failf("unsupported action %q", req.Kind), nil
	}

	if err != nil {
		s.logger.Debug("request refused",
			slog.String("kind", string(req.Kind)),
			slog.String("from", from),
			slog.String("queue_id", req.QueueID),
			slog.String("error", err.Error()))
		return protocol.Fail(err.Error()), nil
	}
	return resp, nil
}

// follow asks the local keeper to take the position ahead of the requester.
func (s *Service) follow(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	customer := req.CustomerID
	if customer == "" && req.GroupKey != nil {
		customer = req.GroupKey.Owner()
	}
	if customer == "" {
		return protocol.Response{}, ErrNoCustomer
	}
	if req.GroupKey != nil {
		if err := s.keys.Register(*req.GroupKey); err != nil {
			return protocol.Response{}, err
		}
	}

	res, err := s.keepers.Connect(ctx, customer, keeper.ConnectRequest{
		Desired:           req.Position,
		ArchiveFolderPath: req.ArchiveFolderPath,
		RequesterKnown:    req.KnownBrokers,
		Request:           req,
		Depth:             req.Depth,
	})
	if err != nil {
		return protocol.Response{}, err
	}

	resp := protocol.Accept(res.Brokers)
	resp.ArchiveFolderPath = res.ArchiveFolderPath
	return resp, nil
}

func (s *Service) verify(req protocol.Request) protocol.Response {
	brokers, ok := s.keepers.Verify(req.CustomerID, req.Position)
	if !ok {
		return protocol.Failf("position %d not held for %s", req.Position, req.CustomerID)
	}
	return protocol.Accept(brokers)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries broker requests and message deliveries between
// nodes using the Connect protocol over HTTP/2 cleartext.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/meshq/protocol"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// BrokerRequestProcedure serves every broker request kind.
	BrokerRequestProcedure = "/meshq.v1.BrokerService/Request"

	// DeliverProcedure receives messages pushed by a broker to a consumer.
	DeliverProcedure = "/meshq.v1.MemberService/Deliver"

	// NodeHeader carries the id of the calling node.
	NodeHeader = "Meshq-Node"
)

// ErrRateLimited is returned by a BrokerHandler to refuse a request without
// processing it. Client calls refused that way fail with it too.
var ErrRateLimited = errors.New("rate limit exceeded")

// BrokerHandler processes decoded broker requests.
type BrokerHandler interface {
	HandleRequest(ctx context.Context, from string, req protocol.Request) (protocol.Response, error)
}

// DeliveryHandler processes messages pushed to local consumers.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, from string, d protocol.Delivery) error
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server exposes the broker and member services.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a transport server. Either handler may be nil.
func NewServer(config ServerConfig, broker BrokerHandler, member DeliveryHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(NewHandler(broker, member, logger), h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &Server{
		config:     config,
		httpServer: httpServer,
		logger:     logger,
	}
}

// NewHandler builds the HTTP handler serving both procedures.
func NewHandler(broker BrokerHandler, member DeliveryHandler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	codec := connect.WithCodec(jsonCodec{})

	if broker != nil {
		mux.Handle(BrokerRequestProcedure, connect.NewUnaryHandler(
			BrokerRequestProcedure,
			func(ctx context.Context, req *connect.Request[json.RawMessage]) (*connect.Response[protocol.Response], error) {
				from := req.Header().Get(NodeHeader)
				decoded, err := protocol.Decode(*req.Msg)
				if err != nil {
					logger.Debug("rejecting malformed request",
						slog.String("from", from),
						slog.String("error", err.Error()))
					resp := protocol.Fail(err.Error())
					return connect.NewResponse(&resp), nil
				}

				resp, err := broker.HandleRequest(ctx, from, decoded)
				if err != nil {
					if errors.Is(err, ErrRateLimited) {
						return nil, connect.NewError(connect.CodeResourceExhausted, err)
					}
					return nil, connect.NewError(connect.CodeInternal, err)
				}
				return connect.NewResponse(&resp), nil
			},
			codec,
		))
	}

	if member != nil {
		mux.Handle(DeliverProcedure, connect.NewUnaryHandler(
			DeliverProcedure,
			func(ctx context.Context, req *connect.Request[protocol.Delivery]) (*connect.Response[protocol.Response], error) {
				from := req.Header().Get(NodeHeader)
				if err := member.HandleDelivery(ctx, from, *req.Msg); err != nil {
					resp := protocol.Fail(err.Error())
					return connect.NewResponse(&resp), nil
				}
				resp := protocol.Accept(nil)
				return connect.NewResponse(&resp), nil
			},
			codec,
		))
	}

	return mux
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting transport server (h2c)", slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down transport server")
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("transport server error: %w", err)
	}
}

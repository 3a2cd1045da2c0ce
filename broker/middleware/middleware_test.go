// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type handlerFunc func(ctx context.Context, from string, req protocol.Request) (protocol.Response, error)

func (f handlerFunc) HandleRequest(ctx context.Context, from string, req protocol.Request) (protocol.Response, error) {
	return f(ctx, from, req)
}

type request struct {
	kind     string
	accepted bool
}

type recorder struct {
	requests []request
	limited  []string
}

func (r *recorder) RecordRequest(_ context.Context, kind string, accepted bool, _ time.Duration) {
	r.requests = append(r.requests, request{kind, accepted})
}

func (r *recorder) RecordRateLimited(_ context.Context, kind string) {
	r.limited = append(r.limited, kind)
}

func TestMetrics(t *testing.T) {
	rec := &recorder{}
	h := NewMetrics(handlerFunc(func(_ context.Context, from string, req protocol.Request) (protocol.Response, error) {
		switch from {
		case "limited":
			return protocol.Response{}, transport.ErrRateLimited
		case "refused":
			return protocol.Fail("consumer not registered"), nil
		}
		return protocol.Accept(nil), nil
	}), rec)
	ctx := context.Background()

	_, err := h.HandleRequest(ctx, "alice", protocol.Request{Kind: protocol.KindQueuePush})
	require.NoError(t, err)
	_, err = h.HandleRequest(ctx, "refused", protocol.Request{Kind: protocol.KindQueueRead})
	require.NoError(t, err)
	_, err = h.HandleRequest(ctx, "limited", protocol.Request{Kind: protocol.KindQueuePush})
	assert.ErrorIs(t, err, transport.ErrRateLimited)

	assert.Equal(t, []request{
		{string(protocol.KindQueuePush), true},
		{string(protocol.KindQueueRead), false},
	}, rec.requests)
	assert.Equal(t, []string{string(protocol.KindQueuePush)}, rec.limited)
}

func TestLoggingPassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewLogging(handlerFunc(func(context.Context, string, protocol.Request) (protocol.Response, error) {
		return protocol.Failf("position %d not held", 2), nil
	}), logger)

	resp, err := h.HandleRequest(context.Background(), "dave", protocol.Request{Kind: protocol.KindBrokerVerify, CustomerID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "position 2 not held", resp.Reason)
}

func TestTracingPassesThrough(t *testing.T) {
	h := NewTracing(handlerFunc(func(_ context.Context, _ string, req protocol.Request) (protocol.Response, error) {
		if req.Kind == protocol.KindQueuePush {
			return protocol.Response{}, transport.ErrRateLimited
		}
		return protocol.Accept(protocol.Brokers{0: "bob"}), nil
	}), noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	resp, err := h.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindBrokerVerify})
	require.NoError(t, err)
	assert.Equal(t, protocol.Brokers{0: "bob"}, resp.CooperatedBrokers)

	_, err = h.HandleRequest(ctx, "dave", protocol.Request{Kind: protocol.KindQueuePush})
	assert.ErrorIs(t, err, transport.ErrRateLimited)
}

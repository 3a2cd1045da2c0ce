// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ transport.BrokerHandler = (*tracingMiddleware)(nil)

type tracingMiddleware struct {
	tracer trace.Tracer
	next   transport.BrokerHandler
}

// NewTracing creates tracing middleware that wraps a broker handler.
func NewTracing(handler transport.BrokerHandler, tracer trace.Tracer) transport.BrokerHandler {
	return &tracingMiddleware{tracer, handler}
}

// HandleRequest runs the request inside a server span.
func (tm *tracingMiddleware) HandleRequest(ctx context.Context, from string, req protocol.Request) (protocol.Response, error) {
	ctx, span := tm.tracer.Start(ctx, "meshq.broker."+string(req.Kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("meshq.from", from),
			attribute.String("meshq.queue_id", req.QueueID),
			attribute.Int("meshq.depth", req.Depth),
		),
	)
	defer span.End()

	resp, err := tm.next.HandleRequest(ctx, from, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !resp.IsAccepted():
		span.SetAttributes(attribute.String("meshq.reason", resp.Reason))
	}
	span.SetAttributes(attribute.Bool("meshq.accepted", err == nil && resp.IsAccepted()))
	return resp, err
}

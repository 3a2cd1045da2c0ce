// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
)

// Metrics receives per-request measurements.
type Metrics interface {
	RecordRequest(ctx context.Context, kind string, accepted bool, d time.Duration)
	RecordRateLimited(ctx context.Context, kind string)
}

var _ transport.BrokerHandler = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	metrics Metrics
	next    transport.BrokerHandler
}

// NewMetrics creates metrics middleware that wraps a broker handler.
func NewMetrics(handler transport.BrokerHandler, metrics Metrics) transport.BrokerHandler {
	return &metricsMiddleware{metrics, handler}
}

// HandleRequest wraps the call with request metrics.
func (mm *metricsMiddleware) HandleRequest(ctx context.Context, from string, req protocol.Request) (protocol.Response, error) {
	begin := time.Now()
	resp, err := mm.next.HandleRequest(ctx, from, req)

	if errors.Is(err, transport.ErrRateLimited) {
		mm.metrics.RecordRateLimited(ctx, string(req.Kind))
		return resp, err
	}
	mm.metrics.RecordRequest(ctx, string(req.Kind), err == nil && resp.IsAccepted(), time.Since(begin))
	return resp, err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/transport"
)

var _ transport.BrokerHandler = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   transport.BrokerHandler
}

// NewLogging creates logging middleware that wraps a broker handler.
func NewLogging(handler transport.BrokerHandler, logger *slog.Logger) transport.BrokerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger, handler}
}

// HandleRequest logs the request kind, outcome and duration.
func (lm *loggingMiddleware) HandleRequest(ctx context.Context, from string, req protocol.Request) (resp protocol.Response, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("kind", string(req.Kind)),
			slog.String("from", from),
			slog.String("duration", time.Since(begin).String()),
		}
		if req.QueueID != "" {
			args = append(args, slog.String("queue_id", req.QueueID))
		}
		if req.CustomerID != "" {
			args = append(args, slog.String("customer", req.CustomerID))
		}
		switch {
		case err != nil:
			lm.logger.Warn("HandleRequest failed", append(args, slog.Any("error", err))...)
		case !resp.IsAccepted():
			lm.logger.Debug("HandleRequest rejected", append(args, slog.String("reason", resp.Reason))...)
		default:
			lm.logger.Debug("HandleRequest", args...)
		}
	}(time.Now())

	return lm.next.HandleRequest(ctx, from, req)
}

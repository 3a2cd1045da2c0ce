// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/meshq/dht"
	"github.com/absmach/meshq/protocol"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
)

// ErrUnreachable wraps every failure to get an answer from a peer.
var ErrUnreachable = errors.New("peer unreachable")

// Resolver maps node ids to addresses.
type Resolver interface {
	Lookup(ctx context.Context, id string) (dht.NodeInfo, error)
}

// Discovery finds nodes offering a service.
type Discovery interface {
	RandomNodes(ctx context.Context, service string, exclude []string, limit int) ([]string, error)
}

// ClientConfig configures outgoing calls.
type ClientConfig struct {
	NodeID           string
	RequestTimeout   time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

type peer struct {
	address string
	broker  *connect.Client[json.RawMessage, protocol.Response]
	deliver *connect.Client[protocol.Delivery, protocol.Response]
}

// Client sends requests to other nodes. One circuit breaker guards each peer.
type Client struct {
	cfg        ClientConfig
	resolver   Resolver
	discovery  Discovery
	httpClient connect.HTTPClient
	logger     *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewH2CClient returns an HTTP client speaking cleartext HTTP/2 to transport servers.
func NewH2CClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// NewClient creates a transport client. httpClient may be nil.
func NewClient(cfg ClientConfig, resolver Resolver, discovery Discovery, httpClient connect.HTTPClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * cfg.RequestTimeout}
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	return &Client{
		cfg:        cfg,
		resolver:   resolver,
		discovery:  discovery,
		httpClient: httpClient,
		logger:     logger,
		peers:      make(map[string]*peer),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Request sends a broker request and returns the broker's answer.
// An explicit refusal is a failed Response, not an error.
func (c *Client) Request(ctx context.Context, brokerID string, req protocol.Request) (protocol.Response, error) {
	data, err := req.Encode()
	if err != nil {
		return protocol.Response{}, err
	}
	raw := json.RawMessage(data)

	out, err := c.call(ctx, brokerID, func(ctx context.Context, p *peer) (any, error) {
		r := connect.NewRequest(&raw)
		r.Header().Set(NodeHeader, c.cfg.NodeID)
		resp, err := p.broker.CallUnary(ctx, r)
		if err != nil {
			return nil, err
		}
		return *resp.Msg, nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	return out.(protocol.Response), nil
}

// Deliver pushes messages to a consumer node.
func (c *Client) Deliver(ctx context.Context, consumerID string, d protocol.Delivery) error {
	out, err := c.call(ctx, consumerID, func(ctx context.Context, p *peer) (any, error) {
		r := connect.NewRequest(&d)
		r.Header().Set(NodeHeader, c.cfg.NodeID)
		resp, err := p.deliver.CallUnary(ctx, r)
		if err != nil {
			return nil, err
		}
		return *resp.Msg, nil
	})
	if err != nil {
		return err
	}
	return out.(protocol.Response).Err()
}

// RandomBrokers returns up to limit random message brokers not in exclude.
func (c *Client) RandomBrokers(ctx context.Context, exclude []string, limit int) ([]string, error) {
	if c.discovery == nil {
		return nil, nil
	}
	return c.discovery.RandomNodes(ctx, dht.ServiceMessageBroker, exclude, limit)
}

func (c *Client) call(ctx context.Context, nodeID string, fn func(context.Context, *peer) (any, error)) (any, error) {
	p, err := c.peer(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, nodeID, err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	out, err := c.breaker(nodeID).Execute(func() (interface{}, error) {
		return fn(ctx, p)
	})
	if err != nil {
		if throttled(err) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, nodeID)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, nodeID, err)
	}
	return out, nil
}

func (c *Client) peer(ctx context.Context, nodeID string) (*peer, error) {
	info, err := c.resolver.Lookup(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if info.Address == "" {
		return nil, fmt.Errorf("node %s has no address", nodeID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[nodeID]; ok && p.address == info.Address {
		return p, nil
	}

	codec := connect.WithCodec(jsonCodec{})
	p := &peer{
		address: info.Address,
		broker:  connect.NewClient[json.RawMessage, protocol.Response](c.httpClient, info.Address+BrokerRequestProcedure, codec),
		deliver: connect.NewClient[protocol.Delivery, protocol.Response](c.httpClient, info.Address+DeliverProcedure, codec),
	}
	c.peers[nodeID] = p
	return p, nil
}

func (c *Client) breaker(nodeID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[nodeID]; ok {
		return cb
	}

	threshold := uint32(c.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     c.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A throttling peer is alive.
		IsSuccessful: func(err error) bool {
			return err == nil || throttled(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	c.breakers[nodeID] = cb
	return cb
}

func throttled(err error) bool {
	return connect.CodeOf(err) == connect.CodeResourceExhausted
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const queueIDSeparator = "&"

// ErrInvalidQueueID is returned when a queue id cannot be parsed.
var ErrInvalidQueueID = errors.New("invalid queue id")

var queueIDPattern = regexp.MustCompile(`^([a-z0-9_-]+)&([a-z0-9_@.-]+)&([a-z0-9_@.-]+)$`)

// QueueID identifies a stream on one broker.
type QueueID struct {
	Alias  string
	Owner  string
	Broker string
}

// String formats the id as alias&owner&broker.
func (q QueueID) String() string {
	return strings.Join([]string{q.Alias, q.Owner, q.Broker}, queueIDSeparator)
}

// ParseQueueID parses an alias&owner&broker string.
func ParseQueueID(s string) (QueueID, error) {
	m := queueIDPattern.FindStringSubmatch(s)
	if m == nil {
		return QueueID{}, fmt.Errorf("%w: %q", ErrInvalidQueueID, s)
	}
	return QueueID{Alias: m[1], Owner: m[2], Broker: m[3]}, nil
}

// Brokers maps broker positions to broker ids.
type Brokers map[int]string

// Clone returns a copy of the map.
func (b Brokers) Clone() Brokers {
	out := make(Brokers, len(b))
	for pos, id := range b {
		out[pos] = id
	}
	return out
}

// Merge copies every entry of other into b, overwriting existing positions.
func (b Brokers) Merge(other Brokers) {
	for pos, id := range other {
		if id != "" {
			b[pos] = id
		}
	}
}

// PositionOf returns the lowest position held by id, or -1.
func (b Brokers) PositionOf(id string) int {
	best := -1
	for pos, holder := range b {
		if holder == id && (best < 0 || pos < best) {
			best = pos
		}
	}
	return best
}

// Positions returns the occupied positions in ascending order.
func (b Brokers) Positions() []int {
	out := make([]int, 0, len(b))
	for pos, id := range b {
		if id != "" {
			out = append(out, pos)
		}
	}
	sort.Ints(out)
	return out
}

// IDs returns the broker ids in position order.
func (b Brokers) IDs() []string {
	positions := b.Positions()
	out := make([]string, 0, len(positions))
	for _, pos := range positions {
		out = append(out, b[pos])
	}
	return out
}

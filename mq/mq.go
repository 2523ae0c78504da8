// Package mq defines the event bus contract used to broadcast master
// lifecycle messages, plus an in-process fan-out bus and a recording
// producer for tests.
package mq

import (
	"context"
	"strings"
)

// Wildcard matches any single routing key element in a subscription filter.
const Wildcard = "*"

// RoutingKey is an ordered tuple of strings such as ("masters", "14", "stopped").
type RoutingKey []string

// String joins the key elements with dots.
func (k RoutingKey) String() string {
	return strings.Join(k, ".")
}

// Matches reports whether key satisfies the filter. Filters and keys must
// have the same length; a Wildcard element in the filter matches anything.
func (k RoutingKey) Matches(key RoutingKey) bool {
	if len(k) != len(key) {
		return false
	}
	for i, part := range k {
		if part != Wildcard && part != key[i] {
			return false
		}
	}
	return true
}

// Producer publishes messages under a routing key.
type Producer interface {
	Produce(ctx context.Context, key RoutingKey, msg any) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, key RoutingKey, msg any) error

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context, key RoutingKey, msg any) error {
	return f(ctx, key, msg)
}

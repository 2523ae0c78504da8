package mq

import (
	"context"
	"sync"
)

// Production is one captured Produce call.
type Production struct {
	Key RoutingKey
	Msg any
}

// Recorder is a Producer that captures every message in order.
// An optional Err makes every Produce call fail after recording.
type Recorder struct {
	mu          sync.Mutex
	productions []Production
	Err         error
}

var _ Producer = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Produce records the message.
func (r *Recorder) Produce(ctx context.Context, key RoutingKey, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.productions = append(r.productions, Production{Key: append(RoutingKey(nil), key...), Msg: msg})
	return r.Err
}

// Productions returns a copy of everything produced so far.
func (r *Recorder) Productions() []Production {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Production, len(r.productions))
	copy(out, r.productions)
	return out
}

// Reset discards captured productions.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.productions = nil
}

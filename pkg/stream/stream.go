// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream models streamed skill output as a lazy, single-pass sequence
// of fragments that always ends with a final marker or an error.
package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/jllopis/relay/pkg/envelope"
	"github.com/jllopis/relay/pkg/errors"
)

// Kind identifies a fragment type.
type Kind string

const (
	KindData  Kind = "data"
	KindFinal Kind = "final"
	KindError Kind = "error"
)

// Fragment is one element of a streamed response.
type Fragment struct {
	Kind          Kind                `json:"kind"`
	Seq           int                 `json:"seq"`
	CorrelationID string              `json:"correlation_id"`
	Data          map[string]any      `json:"data,omitempty"`
	Output        map[string]any      `json:"output,omitempty"`
	Error         *envelope.TaskError `json:"error,omitempty"`
}

// Terminal reports whether f ends a stream.
func (f Fragment) Terminal() bool {
	return f.Kind == KindFinal || f.Kind == KindError
}

// Data builds a partial output fragment.
func Data(data map[string]any) Fragment {
	return Fragment{Kind: KindData, Data: data}
}

// Final builds the final marker, optionally carrying the aggregated output.
func Final(output map[string]any) Fragment {
	return Fragment{Kind: KindFinal, Output: output}
}

// Error builds an error fragment from err.
func Error(err error) Fragment {
	return Fragment{Kind: KindError, Error: envelope.Failure(envelope.TaskEnvelope{}, err, time.Time{}).Error}
}

// Producer emits fragments through yield until it is done or yield returns
// false. A returned error is converted into an error fragment.
type Producer func(ctx context.Context, yield func(Fragment) bool) error

// Stream is a lazy, single-pass, non-restartable fragment sequence. The
// producer does not run until the stream is first ranged over.
type Stream struct {
	correlationID string
	produce       Producer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	consumed bool
}

// New creates a stream bound to ctx. Closing the stream or finishing the
// iteration cancels the producer's context.
func New(ctx context.Context, correlationID string, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{correlationID: correlationID, produce: produce, ctx: ctx, cancel: cancel}
}

// CorrelationID returns the id stamped on every fragment.
func (s *Stream) CorrelationID() string {
	return s.correlationID
}

// Close releases the producer. It is safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
}

// All returns the fragment sequence. Fragments are numbered from zero. The
// sequence always ends with exactly one terminal fragment: when the producer
// stops without one, an error fragment is appended. Ranging a second time
// yields a single error fragment.
func (s *Stream) All() iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield(s.stamp(Error(errors.New(errors.KindInternal, "stream already consumed", nil)), 0))
			return
		}
		s.consumed = true
		s.mu.Unlock()
		defer s.cancel()

		seq := 0
		terminated := false
		stopped := false
		emit := func(f Fragment) bool {
			if terminated || stopped {
				return false
			}
			f = s.stamp(f, seq)
			seq++
			if f.Terminal() {
				terminated = true
			}
			if !yield(f) {
				stopped = true
				return false
			}
			return !terminated
		}

		err := s.run(emit)
		if terminated || stopped {
			return
		}
		switch {
		case err != nil:
			emit(Error(err))
		case s.ctx.Err() != nil:
			emit(Error(contextError(s.ctx.Err())))
		default:
			emit(Error(errors.New(errors.KindContractViolation, "stream ended without a final marker", nil)))
		}
	}
}

func (s *Stream) run(emit func(Fragment) bool) (err error) {
	if s.produce == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.KindInternal, "stream producer panicked: %v", r)
		}
	}()
	return s.produce(s.ctx, emit)
}

func (s *Stream) stamp(f Fragment, seq int) Fragment {
	f.Seq = seq
	if f.CorrelationID == "" {
		f.CorrelationID = s.correlationID
	}
	return f
}

// Collect drains the stream into a TaskResult for env. Data fragments are
// merged key by key unless the final marker carries its own output.
func (s *Stream) Collect(env envelope.TaskEnvelope, started time.Time) envelope.TaskResult {
	merged := map[string]any{}
	for f := range s.All() {
		switch f.Kind {
		case KindData:
			for k, v := range f.Data {
				merged[k] = v
			}
		case KindFinal:
			if f.Output != nil {
				merged = f.Output
			}
			return envelope.OK(env, merged, started)
		case KindError:
			return envelope.Failure(env, fragmentError(f), started)
		}
	}
	return envelope.Failure(env, errors.New(errors.KindContractViolation, "stream ended without a final marker", nil), started)
}

// FromResult wraps a finished result as a one-fragment stream.
func FromResult(ctx context.Context, result envelope.TaskResult) *Stream {
	return New(ctx, result.Metadata.CorrelationID, func(_ context.Context, yield func(Fragment) bool) error {
		if result.OK() {
			yield(Final(result.Output))
			return nil
		}
		yield(Fragment{Kind: KindError, Error: result.Error})
		return nil
	})
}

// Failed returns a stream that yields a single error fragment.
func Failed(ctx context.Context, correlationID string, err error) *Stream {
	return New(ctx, correlationID, func(context.Context, func(Fragment) bool) error {
		return err
	})
}

// Of returns a stream over fixed fragments. Used by tests and adapters that
// already hold the whole response.
func Of(ctx context.Context, correlationID string, fragments ...Fragment) *Stream {
	return New(ctx, correlationID, func(_ context.Context, yield func(Fragment) bool) error {
		for _, f := range fragments {
			if !yield(f) {
				return nil
			}
		}
		return nil
	})
}

func fragmentError(f Fragment) error {
	if f.Error == nil {
		return errors.New(errors.KindInternal, "error fragment without error object", nil)
	}
	return envelope.TaskResult{Status: envelope.StatusError, Error: f.Error}.Err()
}

func contextError(err error) error {
	if err == context.DeadlineExceeded {
		return errors.New(errors.KindTimeout, "stream deadline exceeded", err)
	}
	return errors.New(errors.KindTransportError, "stream cancelled", err)
}

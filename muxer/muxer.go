package muxer

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrInputsExceedDeclaredShards is returned by Input when more inputs
	// are registered than the Muxer was constructed with.
	ErrInputsExceedDeclaredShards = errors.New("muxer: inputs exceed the declared shard count")
	// ErrUnexpectedEndOfInput is returned by Read when no input has been
	// registered yet.
	ErrUnexpectedEndOfInput = errors.New("muxer: unexpected end of input")
	// ErrInputExceedsDeclaredLength is returned by Read when the bytes
	// delivered so far exceed the Muxer's declared length.
	ErrInputExceedsDeclaredLength = errors.New("Input exceeds the declared length")
	// ErrShortInput is returned at the terminal read when every
	// registered input has been drained but fewer bytes than the
	// declared length were delivered.
	ErrShortInput = errors.New("muxer: input ended before the declared length was reached")
)

// Muxer reassembles a sequence of shard readers, registered in arrival
// order, into a single ordered byte stream. It drains each input to
// completion before advancing to the next, yielding bytes from at most
// one input at a time, and performs no internal buffering beyond what a
// single Read call requires.
type Muxer struct {
	mu          sync.Mutex
	shards      int
	length      int64
	allowGrowth bool

	inputs    []io.Reader
	cur       int
	delivered int64
}

// Option configures a Muxer at construction time.
type Option func(*Muxer)

// AllowGrowth permits later calls to Grow. A Muxer constructed without
// this option rejects Grow outright, preserving the original guarantee
// that it will never accept more than the count given to New.
func AllowGrowth() Option {
	return func(m *Muxer) { m.allowGrowth = true }
}

// New constructs a Muxer that will reassemble exactly shards inputs
// totalling length bytes. Both parameters are required; shards must be
// positive and length must be positive.
func New(shards int, length int64, opts ...Option) (*Muxer, error) {
	if shards <= 0 {
		return nil, errors.New("Cannot multiplex a 0 shard stream")
	}
	if length <= 0 {
		return nil, errors.New("You must supply a length parameter")
	}
	m := &Muxer{shards: shards, length: length}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Input registers r as the next input in arrival order. Registering more
// than the declared shard count fails with ErrInputsExceedDeclaredShards.
func (m *Muxer) Input(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) >= m.shards {
		return ErrInputsExceedDeclaredShards
	}
	m.inputs = append(m.inputs, r)
	return nil
}

// ErrGrowthNotAllowed is returned by Grow when the Muxer was not
// constructed with AllowGrowth.
var ErrGrowthNotAllowed = errors.New("muxer: Grow requires the AllowGrowth construction option")

// Grow raises the Muxer's declared shard count and length, permitting
// additional inputs to be registered beyond the count given to New. This
// is an explicit operation rather than a field mutation: callers that
// want to stream in shards discovered after construction (for instance
// while a download is still enumerating remote sources) must call Grow
// rather than reach into the Muxer's state, and it only succeeds if the
// Muxer was constructed with AllowGrowth; otherwise a Muxer keeps its
// original guarantee of rejecting any input past its declared count.
func (m *Muxer) Grow(additionalShards int, additionalLength int64) error {
	if additionalShards <= 0 || additionalLength <= 0 {
		return errors.New("muxer: Grow requires a positive shard count and length")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allowGrowth {
		return ErrGrowthNotAllowed
	}
	m.shards += additionalShards
	m.length += additionalLength
	return nil
}

// Read implements io.Reader, yielding the registered inputs' bytes in
// order. It drains the current input to io.EOF before advancing, so a
// caller never observes interleaved bytes from two inputs.
func (m *Muxer) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.cur >= len(m.inputs) {
			if len(m.inputs) == 0 {
				return 0, ErrUnexpectedEndOfInput
			}
			if m.delivered < m.length {
				return 0, ErrShortInput
			}
			return 0, io.EOF
		}
		n, err := m.inputs[m.cur].Read(p)
		if n > 0 {
			m.delivered += int64(n)
			if m.delivered > m.length {
				return n, ErrInputExceedsDeclaredLength
			}
			return n, nil
		}
		if err == io.EOF {
			m.cur++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

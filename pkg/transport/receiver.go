// Package transport implements the framed configuration protocol spoken
// over the serial link at boot.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

const (
	// DefaultBufferSize is the payload capacity; bytes beyond it are dropped.
	DefaultBufferSize = 4096
	// DefaultChunkSize is the number of bytes requested per read.
	DefaultChunkSize = 128
)

// Protocol tokens.
const (
	StartMarker = "START"
	EndMarker   = "END"

	TokenReady        = "READY\n"
	TokenTasksCreated = "TASKS_CREATED\n"
	TokenError        = "ERROR\n"
)

var (
	// ErrEmptyPayload is returned when END arrives with nothing accumulated.
	ErrEmptyPayload = errors.New("empty config payload")
	// ErrClosed is returned when the stream ends before the END marker.
	ErrClosed = errors.New("stream closed before end marker")
)

// State is the receiver protocol state.
type State int

const (
	AwaitingStart State = iota
	Receiving
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting-start"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Receiver waits for a START marker, acknowledges it and accumulates the
// payload until the END marker. Markers are matched anywhere in the byte
// stream, also when split across reads.
type Receiver struct {
	r         io.Reader
	ack       io.Writer
	bufSize   int
	chunkSize int

	state   State
	carry   []byte // Tail that may be the beginning of a marker
	payload []byte
	dropped int
}

// NewReceiver creates a receiver reading from r and acknowledging on ack.
// Zero sizes select the defaults.
func NewReceiver(r io.Reader, ack io.Writer, bufSize, chunkSize int) *Receiver {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Receiver{
		r:         r,
		ack:       ack,
		bufSize:   bufSize,
		chunkSize: chunkSize,
		state:     AwaitingStart,
		payload:   make([]byte, 0, bufSize),
	}
}

// State returns the current protocol state.
func (rc *Receiver) State() State {
	return rc.state
}

// Receive blocks until a complete payload was received. There is no
// timeout of its own; ctx bounds the wait and is checked between reads,
// so the reader should return periodically (serial read timeout).
func (rc *Receiver) Receive(ctx context.Context) ([]byte, error) {
	chunk := make([]byte, rc.chunkSize)
	for rc.state != Complete {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("waiting in %s: %w", rc.state, err)
		}

		n, err := rc.r.Read(chunk)
		if n > 0 {
			if ferr := rc.feed(chunk[:n]); ferr != nil {
				return nil, ferr
			}
		}
		if err != nil && rc.state != Complete {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if rc.dropped > 0 {
		log.Printf("Config payload exceeded %d bytes, dropped %d bytes", rc.bufSize, rc.dropped)
	}
	if len(rc.payload) == 0 {
		return nil, ErrEmptyPayload
	}
	log.Printf("Received %d bytes of config data", len(rc.payload))
	return rc.payload, nil
}

// feed advances the state machine by one chunk.
func (rc *Receiver) feed(chunk []byte) error {
	window := append(rc.carry, chunk...)
	rc.carry = nil

	if rc.state == AwaitingStart {
		idx := bytes.Index(window, []byte(StartMarker))
		if idx < 0 {
			rc.carry = tail(window, len(StartMarker)-1)
			return nil
		}
		log.Printf("Received %s signal, ready for config", StartMarker)
		if _, err := io.WriteString(rc.ack, TokenReady); err != nil {
			return fmt.Errorf("failed to acknowledge start: %w", err)
		}
		rc.state = Receiving
		window = window[idx+len(StartMarker):]
	}

	if idx := bytes.Index(window, []byte(EndMarker)); idx >= 0 {
		rc.append(window[:idx])
		rc.state = Complete
		log.Printf("Received %s signal, config complete", EndMarker)
		return nil
	}

	// Hold back a possible partial END marker for the next chunk
	keep := len(EndMarker) - 1
	if len(window) <= keep {
		rc.carry = clone(window)
		return nil
	}
	rc.append(window[:len(window)-keep])
	rc.carry = clone(window[len(window)-keep:])
	return nil
}

// append adds p to the payload, silently dropping what does not fit.
func (rc *Receiver) append(p []byte) {
	room := rc.bufSize - len(rc.payload)
	if len(p) > room {
		rc.dropped += len(p) - room
		p = p[:room]
	}
	rc.payload = append(rc.payload, p...)
}

func tail(p []byte, n int) []byte {
	if len(p) > n {
		p = p[len(p)-n:]
	}
	return clone(p)
}

func clone(p []byte) []byte {
	return append([]byte(nil), p...)
}

// Status writes the post-compilation status token.
func Status(w io.Writer, created bool) error {
	token := TokenError
	if created {
		token = TokenTasksCreated
	}
	if _, err := io.WriteString(w, token); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

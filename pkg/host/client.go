// Package host implements the host side of the configuration protocol:
// task files, the framed upload and the stream of task report lines.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/itohio/gotasknode/pkg/report"
	"github.com/itohio/gotasknode/pkg/transport"
)

const (
	// DefaultReplyTimeout bounds the wait for READY and the status token.
	DefaultReplyTimeout = 5 * time.Second
	// DefaultBufferSize is the size of the received lines buffer.
	DefaultBufferSize = 100
)

var (
	// ErrRejected is returned when the node answers ERROR.
	ErrRejected = errors.New("node rejected configuration")
	// ErrNoReply is returned when the node does not answer in time.
	ErrNoReply = errors.New("no reply from node")
	// ErrDisconnected is returned when the link closes.
	ErrDisconnected = errors.New("link closed")
)

// Client configures a node over a byte stream and follows its output.
type Client struct {
	rw           io.ReadWriter
	replyTimeout time.Duration
	lines        chan string

	done      chan struct{} // Closed by Close
	closeOnce sync.Once
	stopped   chan struct{} // Closed when the reader exits
}

// NewClient creates a client and starts reading lines from rw.
// A zero replyTimeout selects DefaultReplyTimeout.
func NewClient(rw io.ReadWriter, replyTimeout time.Duration) *Client {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}

	c := &Client{
		rw:           rw,
		replyTimeout: replyTimeout,
		lines:        make(chan string, DefaultBufferSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go c.readLines()
	return c
}

// readLines splits the input into lines until the stream ends.
func (c *Client) readLines() {
	defer close(c.stopped)
	defer close(c.lines)

	scanner := bufio.NewScanner(c.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading from node: %v", err)
	}
}

// Close stops the line reader. If the link is an io.Closer it is closed
// too, which unblocks a pending read.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if closer, ok := c.rw.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

// Configure uploads payload framed by the START and END markers and waits
// for the node to report whether tasks were created.
func (c *Client) Configure(ctx context.Context, payload []byte) error {
	log.Printf("Sending %s signal...", transport.StartMarker)
	if err := c.write([]byte(transport.StartMarker + "\n")); err != nil {
		return err
	}
	if _, err := c.await(ctx, transport.TokenReady); err != nil {
		return err
	}

	log.Printf("Sending config (%d bytes)...", len(payload))
	if err := c.write(payload); err != nil {
		return err
	}
	log.Printf("Sending %s signal...", transport.EndMarker)
	if err := c.write([]byte("\n" + transport.EndMarker + "\n")); err != nil {
		return err
	}

	token, err := c.await(ctx, transport.TokenTasksCreated, transport.TokenError)
	if err != nil {
		return err
	}
	if token == transport.TokenError {
		return ErrRejected
	}
	return nil
}

// Stream calls fn for every report line until ctx is done or the link closes.
// Lines that are not reports are logged and skipped.
func (c *Client) Stream(ctx context.Context, fn func(report.Line)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return ErrDisconnected
			}
			l, err := report.Parse(line)
			if err != nil {
				log.Printf("Failed to parse line '%s': %v", line, err)
				continue
			}
			fn(l)
		}
	}
}

func (c *Client) write(p []byte) error {
	if _, err := c.rw.Write(p); err != nil {
		return fmt.Errorf("failed to write to node: %w", err)
	}
	return nil
}

// await waits for one of tokens, skipping other lines.
func (c *Client) await(ctx context.Context, tokens ...string) (string, error) {
	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w: waiting for %s", ErrNoReply, strings.TrimSpace(tokens[0]))
		case line, ok := <-c.lines:
			if !ok {
				return "", ErrDisconnected
			}
			for _, tok := range tokens {
				if line == strings.TrimSpace(tok) {
					return tok, nil
				}
			}
			log.Printf("Ignoring line while waiting: %s", line)
		}
	}
}

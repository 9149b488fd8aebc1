package events

import (
	"context"
	"io"
	"net"
)

// Dialer opens the transport-level connection to the upstream node. Production
// wiring passes net.Dial/tls.Dial; tests pass an in-memory pipe.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Client pulls a subscription to an upstream ledger node and decodes it into
// a typed BlockchainEvent channel. It is the Event Source Client of
// SPEC_FULL.md §4.1.
type Client struct {
	dial Dialer
}

// NewClient builds a Client against a TCP address, framing reads over the
// raw connection.
func NewClient(addr string) *Client {
	return &Client{dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}}
}

// NewClientWithDialer builds a Client against an arbitrary Dialer, used by
// tests to drive the subscription over an in-memory pipe.
func NewClientWithDialer(dial Dialer) *Client {
	return &Client{dial: dial}
}

// subscribeRequest is written once at the start of a subscription.
type subscribeRequest struct {
	FromHeight int32 `json:"fromHeight"`
}

// Subscribe opens a streaming subscription starting at fromHeight and
// returns a pull interface: callers receive from events until it closes,
// then check errc for a terminal error. The channel is unbuffered so the
// producing goroutine blocks on a slow consumer — the back-pressure spec.md
// §4.1 requires.
func (c *Client) Subscribe(ctx context.Context, fromHeight int32) (<-chan BlockchainEvent, <-chan error) {
	events := make(chan BlockchainEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		conn, err := c.dial(ctx)
		if err != nil {
			errc <- &ConnError{Err: err}
			return
		}
		defer conn.Close()

		reqFrame, err := encodeFrame(0, subscribeRequest{FromHeight: fromHeight})
		if err != nil {
			errc <- &ConnError{Err: err}
			return
		}
		if _, err := conn.Write(reqFrame); err != nil {
			errc <- &ConnError{Err: err}
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			frame, err := readFrame(conn)
			if err != nil {
				if err == io.EOF {
					return
				}
				errc <- &ConnError{Err: err}
				return
			}
			ev, err := decodeFrame(frame)
			if err != nil {
				errc <- &ConnError{Err: err}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errc
}

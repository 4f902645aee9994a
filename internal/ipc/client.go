package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cddns/internal/state"
)

// Client is the terminal side of the control protocol: one connection,
// request/response plus an optional push stream after Subscribe.
type Client struct {
	conn net.Conn
}

// Dial connects to the service socket once.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to service at %s: %w (is the service running?)", path, err)
	}
	return &Client{conn: conn}, nil
}

// DialRetry keeps trying with exponential backoff until it connects or
// ctx ends. Used by `watch` to ride out service restarts.
func DialRetry(ctx context.Context, path string) (*Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until ctx cancels

	var c *Client
	op := func() error {
		var err error
		c, err = Dial(path)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Request sends one message and reads one reply. An error-typed reply
// is surfaced as an error.
func (c *Client) Request(req Message) (Message, error) {
	if err := WriteMessage(c.conn, req); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return Message{}, fmt.Errorf("read %s reply: %w", req.Type, err)
	}
	if resp.Type == TypeError {
		var p ErrorPayload
		if err := resp.DecodePayload(&p); err != nil {
			return Message{}, fmt.Errorf("service rejected %s", req.Type)
		}
		return Message{}, fmt.Errorf("service rejected %s: %s", req.Type, p.Message)
	}
	return resp, nil
}

func (c *Client) Ping() error {
	resp, err := c.Request(Message{Type: TypePing})
	if err != nil {
		return err
	}
	if resp.Type != TypePong {
		return fmt.Errorf("unexpected reply %q to ping", resp.Type)
	}
	return nil
}

func (c *Client) GetStatus() (state.Snapshot, error) {
	resp, err := c.Request(Message{Type: TypeGetStatus})
	if err != nil {
		return state.Snapshot{}, err
	}
	if resp.Type != TypeStatus {
		return state.Snapshot{}, fmt.Errorf("unexpected reply %q to status query", resp.Type)
	}
	var snap state.Snapshot
	if err := resp.DecodePayload(&snap); err != nil {
		return state.Snapshot{}, err
	}
	return snap, nil
}

// TriggerUpdate asks for an out-of-band tick. The ack arrives before
// the tick runs; poll GetStatus or Subscribe for the outcome.
func (c *Client) TriggerUpdate() error {
	return c.expectAck(Message{Type: TypeTrigger}, TypeTrigger)
}

func (c *Client) Subscribe() error {
	return c.expectAck(Message{Type: TypeSubscribe}, TypeSubscribe)
}

func (c *Client) Unsubscribe() error {
	return c.expectAck(Message{Type: TypeUnsubscribe}, TypeUnsubscribe)
}

// Stop asks the service to shut down. The ack arrives before the
// process exits.
func (c *Client) Stop() error {
	return c.expectAck(Message{Type: TypeStop}, TypeStop)
}

func (c *Client) expectAck(req Message, cmd MsgType) error {
	resp, err := c.Request(req)
	if err != nil {
		return err
	}
	if resp.Type != TypeAck {
		return fmt.Errorf("unexpected reply %q to %s", resp.Type, cmd)
	}
	var p AckPayload
	if err := resp.DecodePayload(&p); err != nil {
		return err
	}
	if p.Command != cmd {
		return fmt.Errorf("ack for %q, expected %q", p.Command, cmd)
	}
	return nil
}

// Next blocks for the next message, typically a push after Subscribe.
func (c *Client) Next() (Message, error) {
	return ReadMessage(c.conn)
}

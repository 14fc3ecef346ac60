// Package client is the thin IPC client used by the CLI and MCP front ends.
// It speaks the framed protocol to a store's daemon, performing the
// mandatory handshake on connect.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dshills/codegrep/internal/service"
	"github.com/dshills/codegrep/pkg/types"
)

// Client is one connection to a daemon.
type Client struct {
	conn             net.Conn
	maxRequestBytes  int
	maxResponseBytes int
}

// Options configure a connection.
type Options struct {
	StoreID           string
	ConfigFingerprint string
	ClientID          string
	DialTimeout       time.Duration
	MaxRequestBytes   int
	MaxResponseBytes  int
}

// Dial connects and handshakes. A nil error means the daemon accepted the
// store identity and a protocol version was agreed.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.MaxRequestBytes == 0 {
		opts.MaxRequestBytes = 1 << 20
	}
	if opts.MaxResponseBytes == 0 {
		opts.MaxResponseBytes = 10 << 20
	}

	sockPath, err := service.SocketPath(opts.StoreID)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", sockPath, err)
	}

	c := &Client{conn: conn, maxRequestBytes: opts.MaxRequestBytes, maxResponseBytes: opts.MaxResponseBytes}
	if err := c.handshake(opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// DialSocket connects to a daemon socket discovered without knowing the store
// behind it, using the administrative handshake (empty store identity). Used
// by stop --all to reach every daemon on the host.
func DialSocket(ctx context.Context, sockPath, clientID string) (*Client, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, maxRequestBytes: 1 << 20, maxResponseBytes: 10 << 20}
	if err := c.handshake(Options{ClientID: clientID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) handshake(opts Options) error {
	payload, err := json.Marshal(types.Handshake{
		ProtocolVersions:  types.ProtocolVersions,
		StoreID:           opts.StoreID,
		ConfigFingerprint: opts.ConfigFingerprint,
		ClientID:          opts.ClientID,
	})
	if err != nil {
		return err
	}
	reply, qerr, err := c.roundTrip(&types.Envelope{Verb: types.VerbHandshake, Payload: payload})
	if err != nil {
		return err
	}
	if qerr != nil {
		return qerr
	}
	var hs types.HandshakeReply
	if err := json.Unmarshal(reply, &hs); err != nil {
		return fmt.Errorf("malformed handshake reply: %w", err)
	}
	if hs.Selected == 0 {
		return &types.QueryError{Code: types.CodeIncompatible, Message: "no common protocol version"}
	}
	return nil
}

// roundTrip sends one envelope and reads one reply frame.
func (c *Client) roundTrip(env *types.Envelope) (json.RawMessage, *types.QueryError, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	if err := service.WriteFrame(c.conn, body, c.maxRequestBytes); err != nil {
		return nil, nil, err
	}
	raw, err := service.ReadFrame(c.conn, c.maxResponseBytes)
	if err != nil {
		return nil, nil, err
	}
	var reply types.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, nil, fmt.Errorf("malformed reply: %w", err)
	}
	if !reply.OK {
		if reply.Error == nil {
			reply.Error = &types.QueryError{Code: types.CodeInternal, Message: "unspecified daemon error"}
		}
		return nil, reply.Error, nil
	}
	return reply.Payload, nil, nil
}

// Query runs a search.
func (c *Client) Query(req *types.QueryRequest) (*types.QueryResponse, *types.QueryError, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	raw, qerr, err := c.roundTrip(&types.Envelope{Verb: types.VerbQuery, Payload: payload})
	if err != nil || qerr != nil {
		return nil, qerr, err
	}
	var resp types.QueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("malformed query response: %w", err)
	}
	return &resp, nil, nil
}

// Sync asks the daemon to run a full sync now.
func (c *Client) Sync(allowDegraded bool) (*types.SyncReply, *types.QueryError, error) {
	payload, err := json.Marshal(types.SyncRequest{Full: true, AllowDegraded: allowDegraded})
	if err != nil {
		return nil, nil, err
	}
	raw, qerr, err := c.roundTrip(&types.Envelope{Verb: types.VerbSync, Payload: payload})
	if err != nil || qerr != nil {
		return nil, qerr, err
	}
	var resp types.SyncReply
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("malformed sync reply: %w", err)
	}
	return &resp, nil, nil
}

// Status fetches the daemon status document.
func (c *Client) Status() (json.RawMessage, *types.QueryError, error) {
	return c.roundTrip(&types.Envelope{Verb: types.VerbStatus})
}

// Health fetches the daemon health document.
func (c *Client) Health() (json.RawMessage, *types.QueryError, error) {
	return c.roundTrip(&types.Envelope{Verb: types.VerbHealth})
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	_, qerr, err := c.roundTrip(&types.Envelope{Verb: types.VerbShutdown})
	if err != nil {
		return err
	}
	if qerr != nil {
		return qerr
	}
	return nil
}

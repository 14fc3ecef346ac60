package service

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/pkg/types"
)

// wireConn is a minimal raw-protocol client for daemon tests.
type wireConn struct {
	conn net.Conn
}

func dialWire(t *testing.T, storeID string) *wireConn {
	t.Helper()
	sockPath, err := SocketPath(storeID)
	require.NoError(t, err)
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	require.NoError(t, err)
	return &wireConn{conn: conn}
}

func (c *wireConn) close() { _ = c.conn.Close() }

func (c *wireConn) roundTrip(t *testing.T, verb string, payload any) *types.Reply {
	t.Helper()
	env := types.Envelope{Verb: verb}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = data
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(c.conn, body, 1<<20))

	raw, err := ReadFrame(c.conn, 10<<20)
	require.NoError(t, err)
	var reply types.Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return &reply
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

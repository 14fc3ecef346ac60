// Package service runs the per-store daemon: the unix-socket IPC endpoint,
// admission control, the filesystem watcher, periodic reconciliation, and
// status reporting.
package service

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/dshills/codegrep/pkg/types"
)

var (
	// ErrFrameTooLarge rejects oversized requests before any allocation.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrResponseTooLarge guards the daemon's reply budget.
	ErrResponseTooLarge = errors.New("response exceeds size limit")
)

// SocketDir is the per-user directory holding one socket per running daemon.
// stop --all enumerates it to reach every store's daemon on the host.
func SocketDir() (string, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("codegrep-%d", os.Getuid()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create socket dir: %w", err)
	}
	return dir, nil
}

// SocketPath derives the endpoint for a store. The stem is a short hash under
// the user's temp directory, keeping the path well inside the platform's
// socket path limit regardless of how deep the store lives.
func SocketPath(storeID string) (string, error) {
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	stem := types.HashBytes([]byte(storeID))[:16]
	return filepath.Join(dir, stem+".sock"), nil
}

// ListSockets returns every daemon socket path in the per-user directory.
func ListSockets() ([]string, error) {
	dir, err := SocketDir()
	if err != nil {
		return nil, err
	}
	return filepath.Glob(filepath.Join(dir, "*.sock"))
}

// ReadFrame reads one length-prefixed JSON frame. The length is checked
// against maxBytes before the body is allocated.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, errors.New("empty frame")
	}
	if int(n) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame, enforcing maxBytes.
func WriteFrame(w io.Writer, body []byte, maxBytes int) error {
	if len(body) > maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrResponseTooLarge, len(body), maxBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteReply marshals and frames a reply. Replies that exceed the budget are
// replaced with an internal error so the client always gets a frame.
func WriteReply(conn net.Conn, reply *types.Reply, maxBytes int) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if len(body) > maxBytes {
		fallback := &types.Reply{
			RequestID: reply.RequestID,
			OK:        false,
			Error: &types.QueryError{
				Code:      types.CodeInternal,
				Message:   fmt.Sprintf("response too large (%d bytes)", len(body)),
				RequestID: reply.RequestID,
			},
		}
		body, err = json.Marshal(fallback)
		if err != nil {
			return err
		}
	}
	return WriteFrame(conn, body, maxBytes)
}

// Package qmp implements the framed request/response transport to a
// per-VM control socket (QMP, QGA, or QSD), with synthetic timeout/noerr
// handling, not-running detection, and a human-monitor-command passthrough.
//
// No request re-ordering or pipelining is offered: concurrent callers
// serialize on the per-peer connection mutex, matching the source's
// single-threaded-per-command model (see lib/vmlifecycle's worker-process
// scheduling note).
package qmp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Client multiplexes commands to a VM's three control sockets, dialing each
// lazily and keeping the connection open across calls.
type Client struct {
	vmid string
	dir  socketResolver

	mu    sync.Mutex
	conns map[PeerType]peerConn
}

// socketResolver maps a peer type to its socket path for this VM.
type socketResolver interface {
	QMPSocket(vmid string) string
	QGASocket(vmid string) string
	QSDSocket(vmid string) string
}

// NewClient returns a Client addressing the given VM's sockets via the
// supplied path resolver (typically *paths.Paths).
func NewClient(vmid string, resolver socketResolver) *Client {
	return &Client{vmid: vmid, dir: resolver, conns: make(map[PeerType]peerConn)}
}

func (c *Client) socketPath(t PeerType) string {
	switch t {
	case PeerQGA:
		return c.dir.QGASocket(c.vmid)
	case PeerQSD:
		return c.dir.QSDSocket(c.vmid)
	default:
		return c.dir.QMPSocket(c.vmid)
	}
}

func (c *Client) connFor(t PeerType) (peerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.conns[t]; ok {
		return existing, nil
	}
	peer := Peer{Name: c.vmid, ID: c.socketPath(t), Type: t}
	nc, err := dial(peer)
	if err != nil {
		return nil, err
	}
	c.conns[t] = nc
	return nc, nil
}

// Cmd issues one command against the given peer type. arguments may include
// the synthetic "timeout" (seconds, float64 or int) and "noerr" (bool) keys;
// both are stripped before the command is sent on the wire. If noerr is set
// and the command errors, Cmd returns a map[string]any{"error": msg} as the
// successful result instead of an error.
func (c *Client) Cmd(peerType PeerType, execute string, arguments map[string]any) (json.RawMessage, error) {
	if guestPrefixed(execute) {
		peerType = PeerQGA
	}

	var timeout time.Duration
	var noerr bool
	args := make(map[string]any, len(arguments))
	for k, v := range arguments {
		switch k {
		case "timeout":
			timeout = parseTimeout(v)
		case "noerr":
			if b, ok := v.(bool); ok {
				noerr = b
			}
		default:
			args[k] = v
		}
	}
	if len(args) == 0 {
		args = nil
	}

	nc, err := c.connFor(peerType)
	if err != nil {
		if noerr {
			return json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error())), nil
		}
		return nil, err
	}

	ret, err := nc.send(execute, args, timeout)
	if err != nil {
		if noerr {
			return json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error())), nil
		}
		return nil, err
	}
	return ret, nil
}

func parseTimeout(v any) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	case time.Duration:
		return t
	default:
		return 0
	}
}

// HumanMonitorCommand wraps the HMP passthrough RPC.
func (c *Client) HumanMonitorCommand(command string) (string, error) {
	ret, err := c.Cmd(PeerQMP, "human-monitor-command", map[string]any{
		"command-line": command,
	})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(ret, &s); err != nil {
		return "", fmt.Errorf("decode human-monitor-command reply: %w", err)
	}
	return s, nil
}

// Close releases all open connections for this VM.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for t, nc := range c.conns {
		if err := nc.close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, t)
	}
	return first
}

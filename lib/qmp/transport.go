package qmp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	goqemu "github.com/digitalocean/go-qemu/qmp"

	"github.com/vmnode/vmcore/lib/vmerr"
)

const dialTimeout = 5 * time.Second

// rawCommand is the wire shape sent over a control socket. timeout/noerr are
// synthetic fields handled entirely client-side; they are never put on the
// wire. Its JSON shape matches go-qemu/qmp.Command's, since monitorConn
// marshals it directly into SocketMonitor.Run's raw-bytes argument.
type rawCommand struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rawError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type rawResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *rawError       `json:"error"`
	Event  string          `json:"event"`
}

// peerConn is one framed connection to a single control socket, regardless
// of which transport backs it.
type peerConn interface {
	send(execute string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
	close() error
}

// dial opens a connection for the given peer: go-qemu's qmp.SocketMonitor
// for the qmp/qsd peers (both speak the same QMP-capabilities-negotiated
// protocol go-qemu targets), and a hand-rolled transport for qga, which has
// no greeting banner and does not accept qmp_capabilities.
func dial(peer Peer) (peerConn, error) {
	if peer.Type == PeerQGA {
		return dialQGA(peer)
	}
	return dialMonitor(peer)
}

// dialMonitor connects the qmp/qsd peers through go-qemu's SocketMonitor,
// grounded on the teacher's lib/hypervisor/qemu/qmp.go NewClient: dial first
// (classified as not-running on ENOENT/ECONNREFUSED, matching this
// package's own not-running detection), then Connect to run the greeting +
// qmp_capabilities handshake.
func dialMonitor(peer Peer) (*monitorConn, error) {
	mon, err := goqemu.NewSocketMonitor("unix", peer.ID, dialTimeout)
	if err != nil {
		if isNotRunningErr(err) {
			return nil, vmerr.Wrap(vmerr.NotRunning, fmt.Sprintf("vm %s has no live %s socket", peer.Name, peer.Type), err)
		}
		return nil, vmerr.Wrap(vmerr.SocketOpen, fmt.Sprintf("dial %s", peer.ID), err)
	}
	if err := mon.Connect(); err != nil {
		mon.Disconnect()
		return nil, vmerr.Wrap(vmerr.ProtocolDecode, fmt.Sprintf("qmp handshake on %s", peer.ID), err)
	}
	return &monitorConn{mon: mon}, nil
}

// monitorConn adapts go-qemu's qmp.SocketMonitor to peerConn: it accepts
// raw-bytes commands already in rawCommand's wire shape, the same shape
// go-qemu's own qmp.Command marshals to.
type monitorConn struct {
	mon *goqemu.SocketMonitor
}

func (m *monitorConn) send(execute string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	// go-qemu's SocketMonitor.Run has no per-call deadline; synthetic
	// "timeout" arguments are honored only on the hand-rolled qga transport.
	_ = timeout
	raw, err := json.Marshal(rawCommand{Execute: execute, Arguments: args})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.ProtocolDecode, "marshal "+execute, err)
	}
	resp, err := m.mon.Run(raw)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.CommandError, execute, err)
	}
	var r rawResponse
	if err := json.Unmarshal(resp, &r); err != nil {
		return nil, vmerr.Wrap(vmerr.ProtocolDecode, "read reply to "+execute, err)
	}
	if r.Error != nil {
		return nil, vmerr.New(vmerr.CommandError, r.Error.Desc)
	}
	return r.Return, nil
}

func (m *monitorConn) close() error {
	return m.mon.Disconnect()
}

func isNotRunningErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "connection refused")
}

// conn is the hand-rolled framed JSON connection used for the qga peer,
// which has no greeting banner and accepts commands directly.
type conn struct {
	mu  sync.Mutex
	nc  net.Conn
	dec *json.Decoder
	enc *json.Encoder
}

func dialQGA(peer Peer) (*conn, error) {
	nc, err := net.DialTimeout("unix", peer.ID, dialTimeout)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
			return nil, vmerr.Wrap(vmerr.NotRunning, fmt.Sprintf("vm %s has no live %s socket", peer.Name, peer.Type), err)
		}
		return nil, vmerr.Wrap(vmerr.SocketOpen, fmt.Sprintf("dial %s", peer.ID), err)
	}

	return &conn{
		nc:  nc,
		dec: json.NewDecoder(bufio.NewReader(nc)),
		enc: json.NewEncoder(nc),
	}, nil
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *conn) close() error {
	return c.nc.Close()
}

// send issues one command and returns the raw "return" payload, or an error.
// A zero timeout disables the deadline (the caller's context governs
// instead, if any).
func (c *conn) send(execute string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		c.nc.SetWriteDeadline(deadline)
		c.nc.SetReadDeadline(deadline)
		defer func() {
			c.nc.SetWriteDeadline(time.Time{})
			c.nc.SetReadDeadline(time.Time{})
		}()
	}

	if err := c.enc.Encode(rawCommand{Execute: execute, Arguments: args}); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, vmerr.Wrap(vmerr.Timeout, execute, err)
		}
		return nil, vmerr.Wrap(vmerr.SocketOpen, "write "+execute, err)
	}

	for {
		var resp rawResponse
		if err := c.dec.Decode(&resp); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, vmerr.Wrap(vmerr.Timeout, execute, err)
			}
			return nil, vmerr.Wrap(vmerr.ProtocolDecode, "read reply to "+execute, err)
		}
		if resp.Event != "" {
			// async events interleave with replies; drain and keep waiting
			continue
		}
		if resp.Error != nil {
			return nil, vmerr.New(vmerr.CommandError, resp.Error.Desc)
		}
		return resp.Return, nil
	}
}

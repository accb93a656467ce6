// Package ipc implements the Unix datagram IPC server memfaultd exposes to
// the control CLI and other on-device collaborators (spec §4.8, §6): a
// single socket, a NUL-terminated ASCII tag prefix per datagram, dispatched
// to a statically known set of subsystem handlers. Modeled as a closed
// tagged enum of subsystem variants rather than the source's global
// function-pointer table (spec §9 "plugin dispatch").
package ipc

import (
	"bytes"
	"errors"
	"net"
	"os"

	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/merrors"
)

// Tag is one of the statically known IPC message prefixes (spec §6).
type Tag string

const (
	TagCore     Tag = "CORE"
	TagAttr     Tag = "ATTR"
	TagCollectd Tag = "COLLECTD"
	// TagSync is sent by memfaultctl report-sync to request an immediate
	// queue drain, equivalent to SIGUSR1 (SPEC_FULL §6 control CLI).
	TagSync Tag = "SYNC"
)

// Handler processes one datagram's body (the bytes following the
// NUL-terminated tag). A returned error is logged and dropped; it never
// crashes the IPC thread (spec §7 "IPC malformed").
type Handler func(body []byte) error

// Server owns the IPC Unix datagram socket and the static dispatch table.
// The coredump handler binary does not speak this protocol — only the
// long-lived daemon listens (spec §4.8).
type Server struct {
	path     string
	conn     *net.UnixConn
	handlers map[Tag]Handler
	log      *logging.Logger
}

// New creates (removing any stale socket file first) and binds a Unix
// datagram socket at path.
func New(path string) (*Server, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, merrors.Wrap("ipc.resolve", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, merrors.Wrap("ipc.listen", err)
	}
	return &Server{
		path:     path,
		conn:     conn,
		handlers: make(map[Tag]Handler),
		log:      logging.Default().WithComponent("ipc"),
	}, nil
}

// Register installs the handler for a tag; calling it twice for the same
// tag replaces the previous handler.
func (s *Server) Register(tag Tag, h Handler) {
	s.handlers[tag] = h
}

// Serve blocks, reading datagrams and dispatching them, until the socket is
// shut down for reads (via Shutdown) or closed.
func (s *Server) Serve() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if isShutdownErr(err) {
				return
			}
			s.log.Warn("ipc read error", "error", err)
			continue
		}
		s.dispatch(buf[:n])
	}
}

func (s *Server) dispatch(datagram []byte) {
	nul := bytes.IndexByte(datagram, 0)
	if nul < 0 {
		s.log.Warn("malformed IPC datagram: no tag terminator")
		return
	}
	tag := Tag(datagram[:nul])
	body := datagram[nul+1:]

	h, ok := s.handlers[tag]
	if !ok {
		s.log.Warn("malformed IPC datagram: unknown tag", "tag", string(tag))
		return
	}
	if err := h(body); err != nil {
		s.log.Warn("IPC handler failed", "tag", string(tag), "error", err)
	}
}

// Shutdown unblocks Serve by shutting the socket down for reads (spec §4.8:
// "the main thread shuts the socket down with SHUT_RD"), and removes the
// socket file.
func (s *Server) Shutdown() {
	if f, err := s.conn.File(); err == nil {
		_ = shutdownRead(f)
		f.Close()
	}
	_ = s.conn.Close()
	_ = os.Remove(s.path)
}

func isShutdownErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

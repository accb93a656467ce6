package ipc

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipc.sock")
	s, err := New(path)
	require.NoError(t, err)
	return s, path
}

func sendDatagram(t *testing.T, path string, tag Tag, body []byte) {
	t.Helper()
	conn, err := net.Dial("unixgram", path)
	require.NoError(t, err)
	defer conn.Close()
	datagram := append(append([]byte(tag), 0), body...)
	_, err = conn.Write(datagram)
	require.NoError(t, err)
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	s, path := newTestServer(t)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{}, 1)
	s.Register(TagAttr, func(body []byte) error {
		mu.Lock()
		got = append([]byte(nil), body...)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	go s.Serve()
	defer s.Shutdown()

	sendDatagram(t, path, TagAttr, []byte("payload"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("payload"), got)
}

func TestDispatchUnknownTagIsDropped(t *testing.T) {
	s, path := newTestServer(t)
	called := make(chan struct{}, 1)
	s.Register(TagAttr, func(body []byte) error {
		called <- struct{}{}
		return nil
	})

	go s.Serve()
	defer s.Shutdown()

	sendDatagram(t, path, Tag("UNKNOWN"), []byte("x"))
	sendDatagram(t, path, TagAttr, []byte("y"))

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("known-tag datagram after an unknown one should still dispatch")
	}
}

func TestShutdownUnblocksServe(t *testing.T) {
	s, _ := newTestServer(t)
	returned := make(chan struct{})
	go func() {
		s.Serve()
		close(returned)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Shutdown()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestMalformedDatagramNoTagTerminatorIsDropped(t *testing.T) {
	s, path := newTestServer(t)
	called := make(chan struct{}, 1)
	s.Register(TagAttr, func(body []byte) error {
		called <- struct{}{}
		return nil
	})
	go s.Serve()
	defer s.Shutdown()

	conn, err := net.Dial("unixgram", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("no-nul-terminator"))
	require.NoError(t, err)
	conn.Close()

	select {
	case <-called:
		t.Fatal("handler should never be invoked for a tag-less datagram")
	case <-time.After(200 * time.Millisecond):
	}
}

package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	typ  int
	data []byte
}

// fakeChannel is an in-memory Channel. The test plays the remote peer: it
// feeds frames with send, ends the stream with peerClose or fail, and reads
// what the session wrote from written.
type fakeChannel struct {
	incoming chan frame
	written  chan frame

	peerDone   chan struct{}
	peerOnce   sync.Once
	peerErr    error
	deadline   chan struct{}
	deadOnce   sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	reads      atomic.Int32
	closeCode  atomic.Int32
	closeCalls atomic.Int32
	writeErr   atomic.Pointer[error]
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan frame, 64),
		written:  make(chan frame, 64),
		peerDone: make(chan struct{}),
		deadline: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *fakeChannel) send(typ int, data string) {
	f.incoming <- frame{typ: typ, data: []byte(data)}
}

// peerClose simulates the remote peer sending a close frame with code.
func (f *fakeChannel) peerClose(code int) {
	f.fail(&websocket.CloseError{Code: code})
}

// fail makes every read after the queued frames return err.
func (f *fakeChannel) fail(err error) {
	f.peerOnce.Do(func() {
		f.peerErr = err
		close(f.peerDone)
	})
}

func (f *fakeChannel) ReadMessage() (int, []byte, error) {
	f.reads.Add(1)
	// Queued frames are delivered before the end of stream.
	select {
	case fr := <-f.incoming:
		return fr.typ, fr.data, nil
	default:
	}
	select {
	case fr := <-f.incoming:
		return fr.typ, fr.data, nil
	case <-f.peerDone:
		return 0, nil, f.peerErr
	case <-f.deadline:
		return 0, nil, os.ErrDeadlineExceeded
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

// failWrites makes every later WriteMessage return err.
func (f *fakeChannel) failWrites(err error) {
	f.writeErr.Store(&err)
}

func (f *fakeChannel) WriteMessage(typ int, data []byte) error {
	if err := f.writeErr.Load(); err != nil {
		return *err
	}
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	select {
	case f.written <- frame{typ: typ, data: append([]byte(nil), data...)}:
		return nil
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *fakeChannel) WriteControl(typ int, data []byte, _ time.Time) error {
	if typ == websocket.CloseMessage && len(data) >= 2 {
		f.closeCode.Store(int32(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (f *fakeChannel) SetReadDeadline(t time.Time) error {
	if !t.IsZero() && !t.After(time.Now()) {
		f.deadOnce.Do(func() { close(f.deadline) })
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// dialerFunc adapts a function to the Dialer interface.
type dialerFunc func(ctx context.Context, target string) (Channel, error)

func (d dialerFunc) Dial(ctx context.Context, target string) (Channel, error) {
	return d(ctx, target)
}

func staticDialer(ch Channel) Dialer {
	return dialerFunc(func(context.Context, string) (Channel, error) { return ch, nil })
}

var errConnReset = errors.New("connection reset by peer")

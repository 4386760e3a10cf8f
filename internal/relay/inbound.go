package relay

import (
	"net"
	"sync"
	"time"
)

// inboundBuffer is how many caller messages may queue while the target is
// still being dialed.
const inboundBuffer = 16

// InboundPump reads a caller channel on its own goroutine from the moment it
// is created. The pump notices a caller that leaves before the relay starts
// reading, so a pending dial can be abandoned. Messages are delivered in the
// order they were read.
type InboundPump struct {
	ch     Channel
	frames chan pumped
	gone   chan struct{}
	err    error // set before gone is closed

	closed    chan struct{}
	closeOnce sync.Once
}

type pumped struct {
	typ  int
	data []byte
}

// NewInboundPump starts reading ch. The returned pump owns all reads of ch.
func NewInboundPump(ch Channel) *InboundPump {
	p := &InboundPump{
		ch:     ch,
		frames: make(chan pumped, inboundBuffer),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *InboundPump) run() {
	for {
		typ, data, err := p.ch.ReadMessage()
		if err != nil {
			p.err = err
			close(p.gone)
			return
		}
		select {
		case p.frames <- pumped{typ: typ, data: data}:
		case <-p.closed:
			return
		}
	}
}

// Gone is closed once the caller channel fails or is closed by the peer.
// Messages read before that remain available to ReadMessage.
func (p *InboundPump) Gone() <-chan struct{} {
	return p.gone
}

// ReadMessage returns the next queued message, then the error that ended the
// caller channel.
func (p *InboundPump) ReadMessage() (int, []byte, error) {
	select {
	case f := <-p.frames:
		return f.typ, f.data, nil
	default:
	}
	select {
	case f := <-p.frames:
		return f.typ, f.data, nil
	case <-p.gone:
		// A message may have been queued just before the failure.
		select {
		case f := <-p.frames:
			return f.typ, f.data, nil
		default:
			return 0, nil, p.err
		}
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *InboundPump) WriteMessage(messageType int, data []byte) error {
	return p.ch.WriteMessage(messageType, data)
}

// WriteControl sends a control frame when the caller channel supports it.
func (p *InboundPump) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if cw, ok := p.ch.(controlWriter); ok {
		return cw.WriteControl(messageType, data, deadline)
	}
	return nil
}

// SetReadDeadline applies to the pump's pending read of the caller channel.
func (p *InboundPump) SetReadDeadline(t time.Time) error {
	return p.ch.SetReadDeadline(t)
}

// Close stops the pump and closes the caller channel.
func (p *InboundPump) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.ch.Close()
}

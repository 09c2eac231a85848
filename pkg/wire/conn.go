package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the framed message envelope. ID correlates a request with its
// reply: a sender allocates a non-zero ID and the replier echoes it in
// ReplyTo. Fire-and-forget messages leave both zero.
type Envelope struct {
	Message string             `msgpack:"message"`
	ID      uint64             `msgpack:"id,omitempty"`
	ReplyTo uint64             `msgpack:"reply_to,omitempty"`
	Data    msgpack.RawMessage `msgpack:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return msgpack.Unmarshal(e.Data, v)
}

var ErrClosed = errors.New("wire: connection closed")

// Handler consumes messages that are not replies to pending requests.
type Handler func(env *Envelope)

// Conn is a framed MessagePack connection. Writes are serialized; reads run
// on a single Serve loop which demultiplexes replies to pending requests and
// hands everything else to the handler in arrival order, preserving the
// delivery ordering the protocol relies on.
type Conn struct {
	rwc io.ReadWriteCloser

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Envelope
	closed  bool
	err     error
}

// NewConn wraps a byte stream into a framed connection.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:     rwc,
		pending: make(map[uint64]chan *Envelope),
	}
}

func (c *Conn) writeEnvelope(env *Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", env.Message, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rwc, payload)
}

// Send transmits a fire-and-forget message.
func (c *Conn) Send(message string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode %s payload: %w", message, err)
	}
	return c.writeEnvelope(&Envelope{Message: message, Data: data})
}

// Reply answers a request envelope.
func (c *Conn) Reply(req *Envelope, message string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode %s payload: %w", message, err)
	}
	return c.writeEnvelope(&Envelope{Message: message, ReplyTo: req.ID, Data: data})
}

// Request transmits a message and waits for the correlated reply. Serve must
// be running on this connection for replies to be delivered.
func (c *Conn) Request(ctx context.Context, message string, v interface{}) (*Envelope, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", message, err)
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeEnvelope(&Envelope{Message: message, ID: id, Data: data}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, c.closeErr()
		}
		return env, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Recv reads one envelope directly. Only valid before Serve is started
// (registration handshakes).
func (c *Conn) Recv() (*Envelope, error) {
	payload, err := ReadFrame(c.rwc)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &env, nil
}

// Serve runs the read loop until the connection closes or ctx is cancelled.
// Replies are routed to pending Request calls; everything else goes to the
// handler, in order. The returned error is nil on a clean peer close.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	defer c.shutdown()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, err := c.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return err
		}
		if env.ReplyTo != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ReplyTo]
			delete(c.pending, env.ReplyTo)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		handler(env)
	}
}

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan *Envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	_ = c.rwc.Close()
}

// Close tears the connection down and fails all pending requests.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

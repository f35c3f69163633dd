package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/kibbled/firmware/internal/logger"
)

// BusCount is the number of independent 1-Wire buses the bridge multiplexes.
const BusCount = 6

// Port is the byte-stream transport to the bridge microcontroller. A real
// UART implementation (57600 8N1) and a net.Conn both satisfy it; tests use
// an in-memory fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Timeouts holds the per-operation deadlines: presence polling, UID
// lookups, roll-call, and the full-record read/write budget.
type Timeouts struct {
	Presence  time.Duration
	GetUID    time.Duration
	RollCall  time.Duration
	ReadWrite time.Duration
}

// DefaultTimeouts matches the external-interface budgets.
var DefaultTimeouts = Timeouts{
	Presence:  3 * time.Millisecond,
	GetUID:    100 * time.Millisecond,
	RollCall:  333 * time.Millisecond,
	ReadWrite: 600 * time.Millisecond,
}

// Presence is the result of a presence poll: which buses currently see a
// device.
type Presence struct {
	BusCount int
	Bitmap   uint8 // bit i set iff a device responded on bus i
}

func (p Presence) Has(bus int) bool {
	return p.Bitmap&(1<<uint(bus)) != 0
}

// Client is the bridge protocol client. A single mutex guards every bus
// transaction. Callers sometimes need several primitives under one held
// lock (a roll-call followed by per-bus reads during reconciliation), and
// sync.Mutex is not re-entrant, so the lock is modeled as two layers: the
// exported methods on Client each take the lock for one primitive, while
// Locked (obtained via WithLock) exposes the same primitives unlocked for
// composition.
type Client struct {
	mu   sync.Mutex
	port Port
}

// Locked exposes Client's primitives without taking the lock; it is only
// obtainable via Client.WithLock, so its existence is proof the lock is
// held for its lifetime.
type Locked struct {
	c *Client
}

// NewClient wraps a byte-stream transport.
func NewClient(port Port) *Client {
	return &Client{port: port}
}

// WithLock acquires the bridge lock and runs fn with a view that can invoke
// any bridge primitive without trying to re-acquire the lock.
func (c *Client) WithLock(fn func(*Locked) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&Locked{c: c})
}

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// Wake emits the wake opcode until an acknowledgement arrives or retries
// are exhausted.
func (c *Client) Wake(ctx context.Context, retries int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).Wake(ctx, retries)
}

// Wake is the lock-free primitive; see Client.Wake.
func (l *Locked) Wake(ctx context.Context, retries int) error {
	c := l.c
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
			return newError("wake", ErrFraming, "set write deadline", err)
		}
		if err := writeFrame(c.port, OpWake, nil); err != nil {
			lastErr = err
			continue
		}

		if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
			return newError("wake", ErrFraming, "set read deadline", err)
		}
		op, _, err := readFrame(c.port)
		if err != nil {
			lastErr = err
			continue
		}
		if op != OpWake {
			lastErr = newError("wake", ErrInvalidPayload, "unexpected opcode in wake ack", nil)
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = newError("wake", ErrSilent, "no acknowledgement within retry budget", nil)
	}
	logger.Warn("bridge wake failed", logger.Err(lastErr), "retries", retries)
	return lastErr
}

// Sleep commands the bridge into low-power mode.
func (c *Client) Sleep(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).Sleep(ctx)
}

func (l *Locked) Sleep(ctx context.Context) error {
	c := l.c
	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
		return newError("sleep", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpSleep, nil); err != nil {
		return err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
		return newError("sleep", ErrFraming, "set read deadline", err)
	}
	op, _, err := readFrame(c.port)
	if err != nil {
		return err
	}
	if op != OpSleep {
		return newError("sleep", ErrInvalidPayload, "unexpected opcode in sleep ack", nil)
	}
	return nil
}

// PollPresence returns which buses currently see a device.
func (c *Client) PollPresence(ctx context.Context) (Presence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).PollPresence(ctx)
}

func (l *Locked) PollPresence(ctx context.Context) (Presence, error) {
	c := l.c
	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.Presence)); err != nil {
		return Presence{}, newError("poll_presence", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpGetPresence, nil); err != nil {
		return Presence{}, err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.Presence)); err != nil {
		return Presence{}, newError("poll_presence", ErrFraming, "set read deadline", err)
	}
	op, payload, err := readFrame(c.port)
	if err != nil {
		return Presence{}, err
	}
	if op != OpGetPresence || len(payload) != 3 {
		return Presence{}, newError("poll_presence", ErrInvalidPayload, "malformed presence response", nil)
	}

	bitmap := uint16(payload[0]) | uint16(payload[1])<<8
	return Presence{BusCount: int(payload[2]), Bitmap: uint8(bitmap)}, nil
}

// RollCall reads the per-bus UID snapshot. Index i is bus i's UID, 0 if
// empty; the bridge's all-ones sentinel is normalized to 0.
func (c *Client) RollCall(ctx context.Context) ([BusCount]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).RollCall(ctx)
}

func (l *Locked) RollCall(ctx context.Context) ([BusCount]uint64, error) {
	c := l.c
	var uids [BusCount]uint64

	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.RollCall)); err != nil {
		return uids, newError("roll_call", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpRollCall, nil); err != nil {
		return uids, err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.RollCall)); err != nil {
		return uids, newError("roll_call", ErrFraming, "set read deadline", err)
	}
	op, payload, err := readFrame(c.port)
	if err != nil {
		return uids, err
	}
	if op != OpRollCall || len(payload) != BusCount*8 {
		return uids, newError("roll_call", ErrInvalidPayload, "malformed roll-call response", nil)
	}

	for i := 0; i < BusCount; i++ {
		uids[i] = decodeUID(payload[i*8 : i*8+8])
	}
	return uids, nil
}

// GetUID reads the UID currently present on one bus.
func (c *Client) GetUID(ctx context.Context, bus int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).GetUID(ctx, bus)
}

func (l *Locked) GetUID(ctx context.Context, bus int) (uint64, error) {
	c := l.c
	if bus < 0 || bus >= BusCount {
		return 0, newError("get_uid", ErrBusIndexOutOfRange, "bus index out of range", nil)
	}

	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
		return 0, newError("get_uid", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpGetUID, []byte{byte(bus)}); err != nil {
		return 0, err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.GetUID)); err != nil {
		return 0, newError("get_uid", ErrFraming, "set read deadline", err)
	}
	op, payload, err := readFrame(c.port)
	if err != nil {
		return 0, err
	}
	if op != OpGetUID || len(payload) != 8 {
		return 0, newError("get_uid", ErrInvalidPayload, "malformed get-uid response", nil)
	}
	return decodeUID(payload), nil
}

// Read fetches len(buf) bytes from bus at offset into buf, returning the
// reported length. The response header (opcode, bus, offset) must echo the
// request exactly, and the reported length must not exceed the requested
// length.
func (c *Client) Read(ctx context.Context, bus int, offset int, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).Read(ctx, bus, offset, buf)
}

func (l *Locked) Read(ctx context.Context, bus int, offset int, buf []byte) (int, error) {
	c := l.c
	if bus < 0 || bus >= BusCount {
		return 0, newError("read", ErrBusIndexOutOfRange, "bus index out of range", nil)
	}
	if len(buf) == 0 {
		return 0, newError("read", ErrNullBuffer, "destination buffer is empty", nil)
	}
	if offset < 0 || offset > 0xFF || len(buf) > 0xFF {
		return 0, newError("read", ErrInvalidPayload, "offset/length out of wire range", nil)
	}

	req := []byte{byte(bus), byte(offset), byte(len(buf))}
	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.ReadWrite)); err != nil {
		return 0, newError("read", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpReadBytes, req); err != nil {
		return 0, err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.ReadWrite)); err != nil {
		return 0, newError("read", ErrFraming, "set read deadline", err)
	}
	op, payload, err := readFrame(c.port)
	if err != nil {
		return 0, err
	}
	if op != OpReadBytes || len(payload) < 3 {
		return 0, newError("read", ErrInvalidPayload, "malformed read response", nil)
	}

	respBus, respOffset, respLen := payload[0], payload[1], payload[2]
	if respBus != byte(bus) || respOffset != byte(offset) {
		return 0, newError("read", ErrReadResp, "header echo mismatch", nil)
	}
	if int(respLen) > len(buf) {
		return 0, newError("read", ErrReadResp, "reported length exceeds requested length", nil)
	}
	if len(payload) < 3+int(respLen) {
		return 0, newError("read", ErrInvalidPayload, "short read response body", nil)
	}

	copy(buf, payload[3:3+int(respLen)])
	return int(respLen), nil
}

// Write sends data to bus at offset and awaits an acknowledgement. The
// caller must budget at least 600ms per full-record write.
func (c *Client) Write(ctx context.Context, bus int, offset int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (&Locked{c: c}).Write(ctx, bus, offset, data)
}

func (l *Locked) Write(ctx context.Context, bus int, offset int, data []byte) error {
	c := l.c
	if bus < 0 || bus >= BusCount {
		return newError("write", ErrBusIndexOutOfRange, "bus index out of range", nil)
	}
	if offset < 0 || offset > 0xFF || len(data) > 0xFF {
		return newError("write", ErrInvalidPayload, "offset/length out of wire range", nil)
	}

	req := make([]byte, 3+len(data))
	req[0] = byte(bus)
	req[1] = byte(offset)
	req[2] = byte(len(data))
	copy(req[3:], data)

	if err := c.port.SetWriteDeadline(deadline(DefaultTimeouts.ReadWrite)); err != nil {
		return newError("write", ErrFraming, "set write deadline", err)
	}
	if err := writeFrame(c.port, OpWriteBytes, req); err != nil {
		return err
	}
	if err := c.port.SetReadDeadline(deadline(DefaultTimeouts.ReadWrite)); err != nil {
		return newError("write", ErrFraming, "set read deadline", err)
	}
	op, payload, err := readFrame(c.port)
	if err != nil {
		return err
	}
	if op != OpWriteBytes || len(payload) < 1 || payload[0] != 0 {
		return newError("write", ErrInvalidPayload, "write not acknowledged", nil)
	}
	return nil
}

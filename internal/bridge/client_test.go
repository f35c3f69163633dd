package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a deterministic in-memory stand-in for the UART transport.
// Writes are parsed as request frames and handed to a caller-supplied
// handler, whose response is queued for the next Read.
type fakePort struct {
	pending []byte
	handler func(op Opcode, payload []byte) (Opcode, []byte)
}

func (p *fakePort) Write(b []byte) (int, error) {
	body := int(b[0])
	op := Opcode(b[1])
	payload := append([]byte(nil), b[3:3+body-2]...)

	respOp, respPayload := p.handler(op, payload)
	frame := make([]byte, 0, 3+len(respPayload))
	frame = append(frame, byte(len(respPayload)+2), byte(respOp), ^byte(respOp))
	frame = append(frame, respPayload...)
	p.pending = append(p.pending, frame...)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) SetReadDeadline(t time.Time) error  { return nil }
func (p *fakePort) SetWriteDeadline(t time.Time) error { return nil }

func TestClientWake(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		require.Equal(t, OpWake, op)
		return OpWake, nil
	}}
	c := NewClient(port)
	require.NoError(t, c.Wake(context.Background(), 3))
}

func TestClientPollPresence(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		return OpGetPresence, []byte{0x05, 0x00, 3}
	}}
	c := NewClient(port)
	pres, err := c.PollPresence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, pres.BusCount)
	assert.True(t, pres.Has(0))
	assert.True(t, pres.Has(2))
	assert.False(t, pres.Has(1))
}

func TestClientRollCallNormalizesSentinel(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		require.Equal(t, OpRollCall, op)
		resp := make([]byte, BusCount*8)
		copy(resp[0:8], encodeUID(0x1122334455667788))
		for i := 8; i < len(resp); i++ {
			resp[i] = 0xFF // all other buses: empty (all-ones sentinel)
		}
		return OpRollCall, resp
	}}
	c := NewClient(port)
	uids, err := c.RollCall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), uids[0])
	for i := 1; i < BusCount; i++ {
		assert.Equal(t, uint64(0), uids[i])
	}
}

func TestClientGetUIDRejectsBadBus(t *testing.T) {
	c := NewClient(&fakePort{})
	_, err := c.GetUID(context.Background(), BusCount)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrBusIndexOutOfRange))
}

func TestClientReadRejectsHeaderMismatch(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		// Echo the wrong offset back.
		return OpReadBytes, []byte{payload[0], payload[1] + 1, 2, 0xAA, 0xBB}
	}}
	c := NewClient(port)
	buf := make([]byte, 2)
	_, err := c.Read(context.Background(), 0, 10, buf)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrReadResp))
}

func TestClientReadRejectsOversizeReportedLength(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		return OpReadBytes, []byte{payload[0], payload[1], 99, 0xAA, 0xBB}
	}}
	c := NewClient(port)
	buf := make([]byte, 2)
	_, err := c.Read(context.Background(), 0, 10, buf)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrReadResp))
}

func TestClientReadSuccess(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		return OpReadBytes, []byte{payload[0], payload[1], 3, 1, 2, 3}
	}}
	c := NewClient(port)
	buf := make([]byte, 3)
	n, err := c.Read(context.Background(), 2, 5, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestClientWriteAck(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		require.Equal(t, OpWriteBytes, op)
		return OpWriteBytes, []byte{0}
	}}
	c := NewClient(port)
	require.NoError(t, c.Write(context.Background(), 1, 0, []byte{9, 9, 9}))
}

func TestClientWriteNack(t *testing.T) {
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		return OpWriteBytes, []byte{1}
	}}
	c := NewClient(port)
	err := c.Write(context.Background(), 1, 0, []byte{9})
	require.Error(t, err)
}

func TestClientReadNullBuffer(t *testing.T) {
	c := NewClient(&fakePort{})
	_, err := c.Read(context.Background(), 0, 0, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrNullBuffer))
}

func TestWithLockComposesPrimitives(t *testing.T) {
	calls := 0
	port := &fakePort{handler: func(op Opcode, payload []byte) (Opcode, []byte) {
		calls++
		switch op {
		case OpRollCall:
			return OpRollCall, make([]byte, BusCount*8)
		case OpGetUID:
			return OpGetUID, encodeUID(42)
		}
		return op, nil
	}}
	c := NewClient(port)

	err := c.WithLock(func(l *Locked) error {
		if _, err := l.RollCall(context.Background()); err != nil {
			return err
		}
		_, err := l.GetUID(context.Background(), 0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

package tank

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibbled/firmware/internal/bridge"
	"github.com/kibbled/firmware/internal/pwmdrv"
)

// scriptedPort is a stateful in-memory bridge transport for registry tests:
// it tracks per-bus UIDs and EEPROM contents and answers roll-call/read/
// write requests against that state.
type scriptedPort struct {
	pending  []byte
	uids     [bridge.BusCount]uint64
	eeproms  [bridge.BusCount][RecordSize]byte
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	bodyLen := int(b[0])
	op := bridge.Opcode(b[1])
	payload := b[3 : 3+bodyLen-2]

	var respOp bridge.Opcode
	var resp []byte

	switch op {
	case bridge.OpRollCall:
		respOp = bridge.OpRollCall
		resp = make([]byte, bridge.BusCount*8)
		for i := 0; i < bridge.BusCount; i++ {
			u := p.uids[i]
			if u == 0 {
				u = 0xFFFFFFFFFFFFFFFF
			}
			for j := 0; j < 8; j++ {
				resp[i*8+j] = byte(u >> (8 * uint(j)))
			}
		}
	case bridge.OpGetUID:
		bus := int(payload[0])
		respOp = bridge.OpGetUID
		u := p.uids[bus]
		if u == 0 {
			u = 0xFFFFFFFFFFFFFFFF
		}
		resp = make([]byte, 8)
		for j := 0; j < 8; j++ {
			resp[j] = byte(u >> (8 * uint(j)))
		}
	case bridge.OpReadBytes:
		bus, offset, length := int(payload[0]), int(payload[1]), int(payload[2])
		respOp = bridge.OpReadBytes
		resp = make([]byte, 3+length)
		resp[0], resp[1], resp[2] = byte(bus), byte(offset), byte(length)
		copy(resp[3:], p.eeproms[bus][offset:offset+length])
	case bridge.OpWriteBytes:
		bus, offset, length := int(payload[0]), int(payload[1]), int(payload[2])
		copy(p.eeproms[bus][offset:offset+length], payload[3:3+length])
		respOp = bridge.OpWriteBytes
		resp = []byte{0}
	}

	frame := make([]byte, 0, 3+len(resp))
	frame = append(frame, byte(len(resp)+2), byte(respOp), ^byte(respOp))
	frame = append(frame, resp...)
	p.pending = append(p.pending, frame...)
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) SetReadDeadline(time.Time) error  { return nil }
func (p *scriptedPort) SetWriteDeadline(time.Time) error { return nil }

type fakePublisher struct {
	tanks [][]TankInfo
}

func (f *fakePublisher) PublishTanks(tanks []TankInfo) {
	cp := append([]TankInfo(nil), tanks...)
	f.tanks = append(f.tanks, cp)
}

func newTestRegistry(t *testing.T, port *scriptedPort) (*Registry, *pwmdrv.Driver, *fakePublisher) {
	host := pwmdrv.NewFakeHost()
	pwm, err := pwmdrv.NewDriver(host, nil)
	require.NoError(t, err)
	require.NoError(t, pwm.EnterBusPowerMode())

	client := bridge.NewClient(port)
	pub := &fakePublisher{}
	reg := NewRegistry(client, pwm, pub, [6]byte{1, 2, 3, 4, 5, 6})
	return reg, pwm, pub
}

func TestRefreshColdBootEmptyBus(t *testing.T) {
	port := newScriptedPort()
	reg, _, pub := newTestRegistry(t, port)

	require.NoError(t, reg.Refresh(context.Background(), 0x3F, true))
	assert.Empty(t, reg.Snapshot())
	require.Len(t, pub.tanks, 1)
	assert.Empty(t, pub.tanks[0])
}

func TestRefreshHotPlugWithCorruptedEEPROM(t *testing.T) {
	port := newScriptedPort()
	const uid = 0x00A1B2C3D4E5F6F7
	port.uids[3] = uid
	port.eeproms[3][offNameLength] = 0xFF // corrupt: name_length out of bounds

	reg, _, _ := newTestRegistry(t, port)
	require.NoError(t, reg.Refresh(context.Background(), 0x3F, true))

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(uid), snap[0].UID)
	assert.Equal(t, 3, snap[0].BusIndex)
	assert.Equal(t, "New Tank", snap[0].Name)
	assert.Equal(t, 1500, snap[0].ServoIdleUs)
	assert.InDelta(t, 0.0, snap[0].CapacityL, 1e-9)
}

func TestRefreshDetachesMissingTank(t *testing.T) {
	port := newScriptedPort()
	const uid = 0x1111111111111111
	port.uids[1] = uid
	rec := DefaultRecord()
	raw, err := EncodeEEPROM(rec)
	require.NoError(t, err)
	port.eeproms[1] = raw

	reg, _, _ := newTestRegistry(t, port)
	require.NoError(t, reg.Refresh(context.Background(), 0x3F, true))
	require.Len(t, reg.Snapshot(), 1)

	port.uids[1] = 0
	require.NoError(t, reg.Refresh(context.Background(), 0x3F, true))
	assert.Empty(t, reg.Snapshot())
}

func TestCommitRewritesDiffingFields(t *testing.T) {
	port := newScriptedPort()
	const uid = 0x2222222222222222
	port.uids[4] = uid
	rec := DefaultRecord()
	raw, err := EncodeEEPROM(rec)
	require.NoError(t, err)
	port.eeproms[4] = raw

	reg, _, _ := newTestRegistry(t, port)
	require.NoError(t, reg.Refresh(context.Background(), 0x3F, true))

	update := TankInfo{
		UID:              uid,
		Name:             "Turkey Blend",
		CapacityL:        2.5,
		DensityKgPerL:    0.6,
		RemainingWeightG: 900,
		ServoIdleUs:      1550,
	}
	changes, err := reg.Commit(context.Background(), update)
	require.NoError(t, err)
	assert.Contains(t, changes, "name")
	assert.Contains(t, changes, "capacity_ml")
	assert.Contains(t, changes, "last_base_mac")

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "Turkey Blend", snap[0].Name)
	assert.InDelta(t, 2.5, snap[0].CapacityL, 1e-6)
	assert.InDelta(t, 0.6, snap[0].DensityKgPerL, 1e-6)

	// A second identical commit should produce no further changes.
	changes, err = reg.Commit(context.Background(), snap[0])
	require.NoError(t, err)
	assert.Empty(t, changes)
}

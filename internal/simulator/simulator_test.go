package simulator

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/model"
)

func TestWaveform_Constant(t *testing.T) {
	w := Waveform{Type: WaveformConstant, Offset: 42}
	require.Equal(t, 42.0, w.valueAt(5*time.Second, nil))
}

func TestWaveform_SineBounds(t *testing.T) {
	w := Waveform{Type: WaveformSine, Offset: 100, Amplitude: 10, PeriodMs: 1000}
	for _, ms := range []int64{0, 250, 500, 750} {
		v := w.valueAt(time.Duration(ms)*time.Millisecond, nil)
		require.GreaterOrEqual(t, v, 89.0)
		require.LessOrEqual(t, v, 111.0)
	}
}

func TestWaveform_TriangleRamp(t *testing.T) {
	w := Waveform{Type: WaveformTriangle, Offset: 0, Amplitude: 10, PeriodMs: 1000}
	require.InDelta(t, -10, w.valueAt(0, nil), 0.01)
	require.InDelta(t, 0, w.valueAt(250*time.Millisecond, nil), 0.01)
	require.InDelta(t, 10, w.valueAt(500*time.Millisecond, nil), 0.01)
}

func TestServer_ReadHoldingRegisters(t *testing.T) {
	cfg := Config{
		Port:   0,
		UnitID: 1,
		Registers: []RegisterBlock{
			{RegisterType: model.RegisterHolding, Address: 100, Length: 4, Waveform: Waveform{Type: WaveformConstant, Offset: 55}},
		},
	}
	srv := New(cfg, logging.Default(false))
	port, err := srv.Start()
	require.NoError(t, err)
	defer srv.StopAll()

	time.Sleep(150 * time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 12)
	binary.BigEndian.PutUint16(frame[0:2], 1) // transaction id
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], 6) // length: unitId+pdu
	frame[6] = 1                              // unit id
	frame[7] = 3                              // function code: read holding registers
	binary.BigEndian.PutUint16(frame[8:10], 100)
	binary.BigEndian.PutUint16(frame[10:12], 4)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, 7)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint16(header[4:6])
	body := make([]byte, length-1)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)

	require.Equal(t, byte(3), body[0])
	require.Equal(t, byte(8), body[1])
	require.Equal(t, uint16(55), binary.BigEndian.Uint16(body[2:4]))
	require.Equal(t, uint16(55), binary.BigEndian.Uint16(body[8:10]))
}

func TestServer_IllegalFunction(t *testing.T) {
	cfg := Config{Port: 0, UnitID: 1}
	srv := New(cfg, logging.Default(false))
	port, err := srv.Start()
	require.NoError(t, err)
	defer srv.StopAll()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 8)
	binary.BigEndian.PutUint16(frame[0:2], 1)
	binary.BigEndian.PutUint16(frame[4:6], 2)
	frame[6] = 1
	frame[7] = 99 // unsupported function code
	_, err = conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, 7)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	require.Equal(t, byte(99|0x80), body[0])
	require.Equal(t, byte(excIllegalFunction), body[1])
}


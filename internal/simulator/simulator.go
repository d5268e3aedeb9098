// Package simulator implements the Virtual Modbus Server of spec §4.9: a
// TCP test fixture that speaks the same MBAP/PDU wire format the Modbus TCP
// adapter's client (github.com/goburrow/modbus) parses, answering FC03/04
// (read holding/input registers), FC06 (write single register) and FC16
// (write multiple registers) against a configurable set of register blocks
// whose values are produced by waveform generators at 100ms cadence.
// goburrow/modbus ships only a client, not a server, so the frame
// encode/decode here is hand-rolled, one accept-loop goroutine plus one
// handler goroutine per connection — the same per-connection-goroutine
// shape the teacher uses for its MQTT client's publish/subscribe loops.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// WaveformType selects one of the five generator shapes of spec §4.9.
type WaveformType string

const (
	WaveformConstant WaveformType = "constant"
	WaveformSine     WaveformType = "sine"
	WaveformSquare   WaveformType = "square"
	WaveformTriangle WaveformType = "triangle"
	WaveformRandom   WaveformType = "random"
)

// Waveform parameterizes one generator. PeriodMs is ignored by constant and
// random; Min/Max are used only by random.
type Waveform struct {
	Type      WaveformType
	Offset    float64
	Amplitude float64
	PeriodMs  int64
	Min       float64
	Max       float64
}

// valueAt evaluates the waveform at elapsed t, per the formulas of spec
// §4.9.
func (w Waveform) valueAt(t time.Duration, rnd *rand.Rand) float64 {
	switch w.Type {
	case WaveformSine:
		period := float64(w.PeriodMs)
		if period == 0 {
			return w.Offset
		}
		phase := math.Mod(float64(t.Milliseconds()), period) / period
		return w.Offset + w.Amplitude*math.Sin(2*math.Pi*phase)
	case WaveformSquare:
		period := float64(w.PeriodMs)
		if period == 0 {
			return w.Offset
		}
		phase := math.Mod(float64(t.Milliseconds()), period) / period
		if phase < 0.5 {
			return w.Offset + w.Amplitude
		}
		return w.Offset - w.Amplitude
	case WaveformTriangle:
		period := float64(w.PeriodMs)
		if period == 0 {
			return w.Offset
		}
		phase := math.Mod(float64(t.Milliseconds()), period) / period
		if phase < 0.5 {
			return w.Offset - w.Amplitude + 4*w.Amplitude*phase
		}
		return w.Offset + w.Amplitude - 4*w.Amplitude*(phase-0.5)
	case WaveformRandom:
		return w.Min + rnd.Float64()*(w.Max-w.Min)
	default: // WaveformConstant
		return w.Offset
	}
}

// RegisterBlock is one contiguous run of simulated registers, all driven by
// the same Waveform.
type RegisterBlock struct {
	RegisterType model.RegisterType // holding or input
	Address      int
	Length       int
	Waveform     Waveform
}

// Config is a Virtual Modbus Server instance's configuration.
type Config struct {
	Port      int
	UnitID    int
	Registers []RegisterBlock
}

// TickInterval is the waveform update cadence of spec §4.9.
const TickInterval = 100 * time.Millisecond

// Server is one Virtual Modbus Server instance.
type Server struct {
	cfg Config
	log *logging.Logger
	rnd *rand.Rand

	mu       sync.RWMutex
	holding  map[int]uint16
	input    map[int]uint16
	started  time.Time
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Server; it does not listen until Start is called.
func New(cfg Config, log *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		holding: map[int]uint16{},
		input:   map[int]uint16{},
		conns:   map[net.Conn]struct{}{},
	}
}

// Start binds cfg.Port and begins serving. On EADDRINUSE it returns the
// port it was asked for as an error plus the next free port discovered by
// binding ":0", per spec §4.9: "start fails and returns the next free port
// as a hint."
func (s *Server) Start() (int, error) {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			hint, hintErr := net.Listen("tcp", ":0")
			if hintErr == nil {
				port := hint.Addr().(*net.TCPAddr).Port
				hint.Close()
				return 0, fmt.Errorf("port %d in use, next free port is %d: %w", s.cfg.Port, port, err)
			}
		}
		return 0, err
	}
	s.mu.Lock()
	s.listener = ln
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.tickWaveforms(ctx)
	go s.acceptLoop(ctx)

	port := ln.Addr().(*net.TCPAddr).Port
	return port, nil
}

// StopAll closes the listener and every accepted connection, per spec
// §4.9: "stopAll closes all sockets and clears clients."
func (s *Server) StopAll() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) tickWaveforms(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			s.mu.Lock()
			for _, block := range s.cfg.Registers {
				target := s.holding
				if block.RegisterType == model.RegisterInput {
					target = s.input
				}
				v := block.Waveform.valueAt(elapsed, s.rnd)
				word := uint16(math.Round(v))
				for i := 0; i < block.Length; i++ {
					target[block.Address+i] = word
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Get(logging.CompSim).Warn().Err(err).Msg("accept failed")
				return
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		txnID := binary.BigEndian.Uint16(header[0:2])
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 1 {
			return
		}
		body := make([]byte, length-1) // unitId already consumed as header[6]
		if length > 1 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		resp := s.handlePDU(body)
		s.writeResponse(conn, txnID, header[6], resp)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Modbus exception codes per spec §4.9's wire format note.
const (
	excIllegalFunction    = 0x01
	excIllegalDataAddress = 0x02
)

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) < 1 {
		return []byte{0x80, excIllegalFunction}
	}
	fc := pdu[0]
	switch fc {
	case 3, 4:
		return s.handleReadRegisters(fc, pdu)
	case 6:
		return s.handleWriteSingle(pdu)
	case 16:
		return s.handleWriteMultiple(pdu)
	default:
		return []byte{fc | 0x80, excIllegalFunction}
	}
}

func (s *Server) handleReadRegisters(fc byte, pdu []byte) []byte {
	if len(pdu) < 5 {
		return []byte{fc | 0x80, excIllegalFunction}
	}
	start := int(binary.BigEndian.Uint16(pdu[1:3]))
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))
	if qty < 1 || qty > 125 {
		return []byte{fc | 0x80, excIllegalDataAddress}
	}
	store := s.holding
	if fc == 4 {
		store = s.input
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, 2+2*qty)
	out[0] = fc
	out[1] = byte(2 * qty)
	for i := 0; i < qty; i++ {
		v, ok := store[start+i]
		if !ok {
			return []byte{fc | 0x80, excIllegalDataAddress}
		}
		binary.BigEndian.PutUint16(out[2+2*i:], v)
	}
	return out
}

func (s *Server) handleWriteSingle(pdu []byte) []byte {
	if len(pdu) < 5 {
		return []byte{0x86, excIllegalFunction}
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	value := binary.BigEndian.Uint16(pdu[3:5])
	s.mu.Lock()
	s.holding[addr] = value
	s.mu.Unlock()
	out := make([]byte, 5)
	copy(out, pdu[:5])
	return out
}

func (s *Server) handleWriteMultiple(pdu []byte) []byte {
	if len(pdu) < 6 {
		return []byte{0x90, excIllegalFunction}
	}
	start := int(binary.BigEndian.Uint16(pdu[1:3]))
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))
	byteCount := int(pdu[5])
	if byteCount != 2*qty || len(pdu) < 6+byteCount {
		return []byte{0x90, excIllegalDataAddress}
	}
	s.mu.Lock()
	for i := 0; i < qty; i++ {
		s.holding[start+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
	}
	s.mu.Unlock()
	out := make([]byte, 5)
	out[0] = 16
	binary.BigEndian.PutUint16(out[1:3], uint16(start))
	binary.BigEndian.PutUint16(out[3:5], uint16(qty))
	return out
}

func (s *Server) writeResponse(conn net.Conn, txnID uint16, unitID byte, pdu []byte) {
	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], txnID)
	binary.BigEndian.PutUint16(header[2:4], 0) // protocolId always 0
	binary.BigEndian.PutUint16(header[4:6], uint16(1+len(pdu)))
	header[6] = unitID
	conn.Write(append(header, pdu...))
}

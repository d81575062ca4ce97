package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// Message kinds, one leading byte before the 24-byte MsgHeader.
const (
	kindParticipantInfo byte = 1
	kindKeepAlive       byte = 2
	kindAppMessage      byte = 3
)

// participantInfoBodySize is the encoded size of a ParticipantInfo payload:
// ProtocolVersion(4) + MinorProtocolVersion(4) + SenderIID(8) +
// ExpectedReceiverPID(8) + ClockType(4) + TimestampNow(8).
const participantInfoBodySize = 36

// maxDatagramSize bounds a single UDP read; large enough for a header plus
// a generous application payload.
const maxDatagramSize = 64 * 1024

// Sentinel errors.
var (
	ErrShortDatagram  = errors.New("transport: datagram too short")
	ErrUnknownMsgKind = errors.New("transport: unknown message kind byte")
)

// PeerConfig names one remote instance this daemon can exchange messages
// with: its connsys.IID and the UDP address it listens on.
type PeerConfig struct {
	IID  connsys.IID
	Addr string
}

// Receiver is the subset of *connsys.Dispatcher the UDP transport drives.
// Factored out as an interface so the transport can be exercised against a
// fake in tests without constructing a full Dispatcher.
type Receiver interface {
	HandleServiceAvailable(iid connsys.IID)
	HandleServiceUnavailable(iid connsys.IID)
	HandleParticipantInfo(hdr connsys.MsgHeader, info connsys.ParticipantInfo, senderIID connsys.IID)
	HandleKeepAlive(hdr connsys.MsgHeader, senderIID connsys.IID, usingPreviousMessageID bool)
	HandleAppMessage(hdr connsys.MsgHeader, senderIID connsys.IID)
}

// Config describes a UDP transport instance.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. ":7780".
	ListenAddr string
	// SelfIID is this process's own instance id, returned by ServiceInstanceID.
	SelfIID connsys.IID
	// Peers lists every remote instance known at startup. Static peer
	// discovery keeps the daemon self-contained (no external registry), in
	// keeping with spec §1's framing of the Stack as caller-provided.
	Peers []PeerConfig
}

// UDPStack is a connsys.Stack backed by a single UDP socket.
type UDPStack struct {
	cfg Config
	log *slog.Logger

	conn *net.UDPConn

	mu        sync.RWMutex
	peerAddrs map[connsys.IID]*net.UDPAddr
	peerIIDs  map[string]connsys.IID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a UDPStack. The socket is not opened until Connect.
func New(cfg Config, log *slog.Logger) *UDPStack {
	if log == nil {
		log = slog.Default()
	}

	peerAddrs := make(map[connsys.IID]*net.UDPAddr, len(cfg.Peers))
	peerIIDs := make(map[string]connsys.IID, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerAddrs[p.IID] = nil // resolved lazily in Connect
		peerIIDs[p.Addr] = p.IID
	}

	return &UDPStack{
		cfg:       cfg,
		log:       log.With(slog.String("component", "transport.udp")),
		peerAddrs: peerAddrs,
		peerIIDs:  peerIIDs,
	}
}

// BindReceiver runs the read loop that demultiplexes inbound datagrams into
// r until ctx is cancelled. Must be called after Connect.
func (s *UDPStack) BindReceiver(ctx context.Context, r Receiver) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.RLock()
	for _, p := range s.cfg.Peers {
		r.HandleServiceAvailable(p.IID)
	}
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, r)
	}()
}

// Connect opens the UDP socket with SO_REUSEADDR set and resolves every
// configured peer address.
func (s *UDPStack) Connect() bool {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				//nolint:gosec // fd is a small kernel-managed descriptor.
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", s.cfg.ListenAddr)
	if err != nil {
		s.log.Error("listen failed", slog.String("addr", s.cfg.ListenAddr), slog.String("error", err.Error()))
		return false
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		s.log.Error("unexpected packet conn type")
		return false
	}
	s.conn = conn

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p.Addr)
		if err != nil {
			s.log.Error("resolve peer address failed", slog.String("addr", p.Addr), slog.String("error", err.Error()))
			continue
		}
		s.peerAddrs[p.IID] = addr
	}

	s.log.Info("transport connected", slog.String("addr", s.cfg.ListenAddr), slog.Int("peers", len(s.cfg.Peers)))
	return true
}

// Disconnect closes the socket and stops the read loop.
func (s *UDPStack) Disconnect() bool {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.wg.Wait()
	if err != nil {
		s.log.Error("disconnect failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// ServiceInstanceID returns this process's own configured instance id.
func (s *UDPStack) ServiceInstanceID() connsys.IID {
	return s.cfg.SelfIID
}

func (s *UDPStack) resolve(to connsys.IID) (*net.UDPAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.peerAddrs[to]
	return addr, ok && addr != nil
}

// SendParticipantInfo encodes and sends a participantInfo datagram.
func (s *UDPStack) SendParticipantInfo(to connsys.IID, hdr connsys.MsgHeader, info connsys.ParticipantInfo) bool {
	addr, ok := s.resolve(to)
	if !ok {
		s.log.Warn("send participantInfo: unknown peer", slog.Uint64("iid", uint64(to)))
		return false
	}

	buf := make([]byte, 1+connsys.HeaderSize+participantInfoBodySize)
	buf[0] = kindParticipantInfo
	if _, err := connsys.MarshalHeader(hdr, buf[1:]); err != nil {
		s.log.Error("marshal header failed", slog.String("error", err.Error()))
		return false
	}
	marshalParticipantInfo(info, buf[1+connsys.HeaderSize:])

	return s.write(buf, addr)
}

// SendKeepAlive encodes and sends a keep-alive datagram.
func (s *UDPStack) SendKeepAlive(to connsys.IID, hdr connsys.MsgHeader, usingPreviousMessageID bool) bool {
	addr, ok := s.resolve(to)
	if !ok {
		s.log.Warn("send keepAlive: unknown peer", slog.Uint64("iid", uint64(to)))
		return false
	}

	buf := make([]byte, 1+connsys.HeaderSize+1)
	buf[0] = kindKeepAlive
	if _, err := connsys.MarshalHeader(hdr, buf[1:]); err != nil {
		s.log.Error("marshal header failed", slog.String("error", err.Error()))
		return false
	}
	if usingPreviousMessageID {
		buf[1+connsys.HeaderSize] = 1
	}

	return s.write(buf, addr)
}

// SendAppMessage encodes and sends an application payload.
func (s *UDPStack) SendAppMessage(to connsys.IID, hdr connsys.MsgHeader, payload []byte) bool {
	addr, ok := s.resolve(to)
	if !ok {
		s.log.Warn("send appMessage: unknown peer", slog.Uint64("iid", uint64(to)))
		return false
	}

	buf := make([]byte, 1+connsys.HeaderSize+len(payload))
	buf[0] = kindAppMessage
	if _, err := connsys.MarshalHeader(hdr, buf[1:]); err != nil {
		s.log.Error("marshal header failed", slog.String("error", err.Error()))
		return false
	}
	copy(buf[1+connsys.HeaderSize:], payload)

	return s.write(buf, addr)
}

func (s *UDPStack) write(buf []byte, addr *net.UDPAddr) bool {
	if _, err := s.conn.WriteToUDP(buf, addr); err != nil {
		s.log.Error("write failed", slog.String("addr", addr.String()), slog.String("error", err.Error()))
		return false
	}
	return true
}

// LogConnectionState dumps the peer address table.
func (s *UDPStack) LogConnectionState(w io.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fmt.Fprintf(w, "transport: self_iid=%d peers=%d\n", s.cfg.SelfIID, len(s.peerAddrs))
	for iid, addr := range s.peerAddrs {
		fmt.Fprintf(w, "  iid=%d addr=%v\n", iid, addr)
	}
}

func (s *UDPStack) readLoop(ctx context.Context, r Receiver) {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("read failed", slog.String("error", err.Error()))
			continue
		}

		senderIID, ok := s.iidForAddr(from)
		if !ok {
			s.log.Warn("datagram from unregistered peer address", slog.String("addr", from.String()))
			continue
		}

		if err := s.dispatch(buf[:n], senderIID, r); err != nil {
			s.log.Warn("dispatch failed", slog.String("error", err.Error()), slog.String("from", from.String()))
		}
	}
}

func (s *UDPStack) iidForAddr(addr *net.UDPAddr) (connsys.IID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iid, ok := s.peerIIDs[addr.String()]
	return iid, ok
}

func (s *UDPStack) dispatch(buf []byte, senderIID connsys.IID, r Receiver) error {
	if len(buf) < 1+connsys.HeaderSize {
		return ErrShortDatagram
	}

	kind := buf[0]
	hdr, err := connsys.UnmarshalHeader(buf[1:])
	if err != nil {
		return fmt.Errorf("unmarshal header: %w", err)
	}
	body := buf[1+connsys.HeaderSize:]

	switch kind {
	case kindParticipantInfo:
		info, err := unmarshalParticipantInfo(body)
		if err != nil {
			return err
		}
		r.HandleParticipantInfo(hdr, info, senderIID)
	case kindKeepAlive:
		if len(body) < 1 {
			return ErrShortDatagram
		}
		r.HandleKeepAlive(hdr, senderIID, body[0] != 0)
	case kindAppMessage:
		// The payload itself is not consumed by the core (that is the
		// embedding layer's concern); only the header is validated, against
		// the same session/counter rules as a keep-alive.
		r.HandleAppMessage(hdr, senderIID)
	default:
		return fmt.Errorf("kind %d: %w", kind, ErrUnknownMsgKind)
	}

	return nil
}

package tcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/soypat/tcpengine/internal"
)

// ConnID is the 4-tuple key of spec.md section 3's connection map:
// (local_ip, local_port, remote_ip, remote_port). IPv4 only: the engine has
// no IP-layer concerns (spec.md section 1's explicit out-of-scope list), but
// a fixed-width address keeps the map key comparable without an allocation.
type ConnID struct {
	LocalAddr  [4]byte
	RemoteAddr [4]byte
	LocalPort  uint16
	RemotePort uint16
}

// RNG is the ISS-selection capability of spec.md section 9: a single
// next_u32 operation, injected so tests can supply deterministic streams
// instead of the engine reaching for global randomness.
type RNG interface {
	NextU32() uint32
}

// CryptoRNG implements RNG with crypto/rand, the engine's production ISS
// source.
type CryptoRNG struct{}

// NextU32 returns a cryptographically random 32-bit value.
func (CryptoRNG) NextU32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// PseudoRNG implements RNG with an xorshift generator instead of
// crypto/rand, for embedded targets where CryptoRNG's OS-backed entropy
// source is unavailable. Not safe against off-path ISS prediction; use
// CryptoRNG whenever a real entropy source exists.
type PseudoRNG struct {
	state uint32
}

// NewPseudoRNG seeds a PseudoRNG. A zero seed is replaced with 1, since the
// xorshift generator never leaves the zero state.
func NewPseudoRNG(seed uint32) *PseudoRNG {
	if seed == 0 {
		seed = 1
	}
	return &PseudoRNG{state: seed}
}

// NextU32 advances and returns the generator's state.
func (p *PseudoRNG) NextU32() uint32 {
	p.state = internal.Prand32(p.state)
	return p.state
}

// Listener is one entry of spec.md section 3's listener set: a port
// accepting passive opens, together with the per-listener SYN-flood
// admission control and cookie jar the supplemental features of
// SPEC_FULL.md add (DOMAIN STACK / Supplemental features).
type Listener struct {
	localMSS  Size
	admission *rate.Limiter
	cookies   SYNCookieJar
}

// NewListener configures a Listener accepting new half-open connections at
// up to synRate per second (burst synBurst), falling back to SYN cookies
// once that budget is exhausted. localMSS is the path-MTU-derived cap
// tcp_mssopt would otherwise compute externally; zero selects a
// conservative Ethernet default.
func NewListener(localMSS Size, synRate float64, synBurst int, cookieCfg SYNCookieConfig) (*Listener, error) {
	l := &Listener{
		localMSS:  localMSS,
		admission: rate.NewLimiter(rate.Limit(synRate), synBurst),
	}
	if err := l.cookies.Reset(cookieCfg); err != nil {
		return nil, err
	}
	return l, nil
}

// Engine is the top-level `State t` of spec.md section 3: the listener set,
// the connection map, and the injected ISS source, exposing Handle per
// spec.md section 4.8. It generalizes the listener/connection bookkeeping
// of _examples/soypat-lneto/tcp/listener.go (Listener.incoming/accepted,
// getConn by tuple) into the pure (State, Now, ConnectionId, Segment) ->
// (State, Option<Segment>) shape spec.md section 2 requires, in place of
// the teacher's mutating, buffer-owning Handler/Listener pair.
type Engine struct {
	listeners map[uint16]*Listener
	conns     map[ConnID]*ControlBlock
	rng       RNG
	tunables  Tunables
	log       *slog.Logger
	metrics   *EngineCollector
}

// NewEngine constructs an empty Engine. rng defaults to CryptoRNG when nil.
func NewEngine(tn Tunables, rng RNG) *Engine {
	if rng == nil {
		rng = CryptoRNG{}
	}
	return &Engine{
		listeners: make(map[uint16]*Listener),
		conns:     make(map[ConnID]*ControlBlock),
		rng:       rng,
		tunables:  tn,
	}
}

// SetLogger attaches a logger used for handler-level drop/reset tracing,
// mirroring ControlBlock.SetLogger.
func (e *Engine) SetLogger(log *slog.Logger) { e.log = log }

// SetMetrics attaches an EngineCollector that router/challengeAck/
// tryCookieCompletion increment as outcomes occur. Pass nil to disable (the
// default).
func (e *Engine) SetMetrics(m *EngineCollector) { e.metrics = m }

// Listen adds port to the listener set (spec.md section 3's `listeners`).
func (e *Engine) Listen(port uint16, l *Listener) { e.listeners[port] = l }

// Unlisten removes port from the listener set.
func (e *Engine) Unlisten(port uint16) { delete(e.listeners, port) }

// Lookup returns the ControlBlock for id, if a connection exists.
func (e *Engine) Lookup(id ConnID) (*ControlBlock, bool) {
	tcb, ok := e.conns[id]
	return tcb, ok
}

// NumConnections returns the number of tracked connections, for metrics.
func (e *Engine) NumConnections() int { return len(e.conns) }

// forEachConn calls fn for every tracked connection; used by the metrics
// collector. fn must not mutate the map.
func (e *Engine) forEachConn(fn func(ConnID, *ControlBlock)) {
	for id, tcb := range e.conns {
		fn(id, tcb)
	}
}

// ParseConnID extracts the ConnID and Segment of an incoming IPv4/TCP
// frame, for callers integrating Handle over a raw byte-oriented carrier
// instead of a decoder of their own. offsetToIP is the start of the IP
// header in carrierData; offsetToFrame is the start of the TCP segment.
func ParseConnID(carrierData []byte, offsetToIP, offsetToFrame int) (ConnID, Segment, error) {
	src, dst, _, ipEndOff, err := internal.GetIPAddr(carrierData[offsetToIP:])
	if err != nil {
		return ConnID{}, Segment{}, err
	}
	if int(ipEndOff) != offsetToFrame-offsetToIP {
		return ConnID{}, Segment{}, errors.New("tcp: offsetToFrame does not match parsed IP header length")
	}
	if len(src) != 4 || len(dst) != 4 {
		return ConnID{}, Segment{}, errors.New("tcp: ParseConnID only supports IPv4")
	}
	tfrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return ConnID{}, Segment{}, err
	}
	payload := len(carrierData) - offsetToFrame - int(tfrm.HeaderLength())
	var id ConnID
	copy(id.RemoteAddr[:], src)
	copy(id.LocalAddr[:], dst)
	id.LocalPort = tfrm.DestinationPort()
	id.RemotePort = tfrm.SourcePort()

	seg := tfrm.Segment(payload)
	var codec OptionCodec
	_ = codec.ForEachOption(tfrm.Options(), func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			seg.MSS = uint16(data[0])<<8 | uint16(data[1])
			seg.HasMSS = true
		case OptWindowScale:
			seg.WS = data[0]
			seg.HasWS = true
		}
		return nil
	})
	return id, seg, nil
}

// Handle is the top-level entry point of spec.md section 4.8: decode and
// validation are assumed already done by the caller (external per spec.md
// section 1), so Handle starts at "lookup by full 4-tuple" and dispatches
// to NoConnHandler on a miss or Router on a hit.
func (e *Engine) Handle(now time.Time, id ConnID, seg Segment) (reply Segment, hasReply bool) {
	tcb, found := e.conns[id]
	if !found {
		if r, ok, handled := e.tryCookieCompletion(now, id, seg); handled {
			return r, ok
		}
		return e.NoConnHandler(now, id, seg)
	}
	reply, hasReply = e.router(tcb, now, seg)
	if tcb.State() == StateClosed {
		delete(e.conns, id)
	}
	return reply, hasReply
}

// NoConnHandler implements spec.md section 4.2's handle_noconn(t, now, id,
// seg): admit a SYN to a listening port and construct the new ConnState in
// Syn_received, or reply with a stateless reset. Grounded on rcvListen of
// _examples/soypat-lneto/tcp/control_rcvhandlers.go, generalized to operate
// before any ControlBlock exists (the teacher pre-allocates the TCB via
// Open and only then calls rcvListen) and to the SYN-cookie admission
// control of SPEC_FULL.md's Supplemental features.
func (e *Engine) NoConnHandler(now time.Time, id ConnID, seg Segment) (reply Segment, hasReply bool) {
	lst, ok := e.listeners[id.LocalPort]
	if !ok || seg.Flags != FlagSYN {
		return dropWithReset(seg)
	}

	advMSS := tcpMSSOpt(lst.localMSS)
	var peerMSS Size
	if seg.HasMSS {
		peerMSS = Size(seg.MSS)
	}
	_, _, maxSeg, cwnd := calculateBufSizes(e.tunables, advMSS, peerMSS, seg.HasMSS)
	rcvWnd := e.tunables.SoRcvBuf
	if rcvWnd == 0 {
		rcvWnd = 65535
	}

	var sndScale, rcvScale, requestRScale uint8
	var doingWS bool
	if seg.HasWS && seg.WS <= e.tunables.MaxWinScale {
		doingWS = true
		sndScale = seg.WS
		requestRScale = e.tunables.Scale
		rcvScale = e.tunables.Scale
	}

	ackPrime := Add(seg.SEQ, 1)

	if !lst.admission.Allow() {
		// Under SYN-flood pressure: derive iss from the cookie jar and
		// reply without allocating a ControlBlock, per SPEC_FULL.md's "SYN
		// cookies under load" supplemental feature.
		iss := lst.cookies.MakeSYNCookie(id.RemoteAddr[:], id.LocalAddr[:], id.RemotePort, id.LocalPort, seg.SEQ)
		return Segment{SEQ: iss, ACK: ackPrime, WND: rcvWnd, Flags: synack}, true
	}

	tcb := &ControlBlock{}
	tcb.SetLogger(e.log)
	tcb.id = xid.New().String()
	iss := Value(e.rng.NextU32())
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: Add(iss, 1), MAX: Add(iss, 1), CWND: cwnd}
	tcb.rcv = recvSpace{IRS: seg.SEQ, NXT: ackPrime, WND: rcvWnd, ADV: ackPrime + Value(rcvWnd)}
	tcb.tune = tunableState{
		maxSeg:        maxSeg,
		advMSS:        advMSS,
		sndScale:      sndScale,
		rcvScale:      rcvScale,
		requestRScale: requestRScale,
		doingWS:       doingWS,
		rxWin0Sent:    rcvWnd == 0,
		lastAckSent:   ackPrime,
	}
	tcb.rtt = rttState{measuring: true, segStart: iss, started: now}
	tcb._state = StateSynRcvd

	e.conns[id] = tcb
	e.trace("noconn:accept", id, seg)
	return makeSynAck(tcb), true
}

// tryCookieCompletion attempts to complete a SYN-cookie handshake for a
// 4-tuple that has no ControlBlock on file: the ACK-only final segment of a
// connection that was admitted under SYN-flood pressure (see
// NoConnHandler). handled reports whether seg matched a listener and could
// plausibly be such a completion; ok mirrors Handle's hasReply.
func (e *Engine) tryCookieCompletion(now time.Time, id ConnID, seg Segment) (reply Segment, ok bool, handled bool) {
	lst, exists := e.listeners[id.LocalPort]
	if !exists || seg.Flags != FlagACK || seg.SEQ == 0 {
		return Segment{}, false, false
	}
	clientISN := seg.SEQ - 1
	cookie, err := lst.cookies.ValidateSYNCookie(id.RemoteAddr[:], id.LocalAddr[:], id.RemotePort, id.LocalPort, clientISN, seg.ACK)
	if err != nil {
		return Segment{}, false, false
	}
	tcb := &ControlBlock{}
	tcb.SetLogger(e.log)
	tcb.id = xid.New().String()
	tcb.snd = sendSpace{ISS: cookie, UNA: seg.ACK, NXT: seg.ACK, MAX: seg.ACK, WND: seg.WND, CWND: 536}
	tcb.rcv = recvSpace{IRS: clientISN, NXT: seg.SEQ, WND: seg.WND, ADV: seg.SEQ + Value(seg.WND)}
	tcb._state = StateEstablished
	e.conns[id] = tcb
	e.trace("noconn:cookie-complete", id, seg)
	if e.metrics != nil {
		e.metrics.IncCookieCompletion()
	}
	return Segment{}, false, true
}

// router implements spec.md section 4.7's handle_conn: dispatch by
// existing connection state, mapping inner handler outcomes (Drop/Reset)
// to their side effects.
func (e *Engine) router(tcb *ControlBlock, now time.Time, seg Segment) (reply Segment, hasReply bool) {
	var err error
	switch tcb.State() {
	case StateSynSent:
		reply, hasReply, err = SynSentHandler(tcb, now, seg, e.tunables)
	case StateSynRcvd:
		reply, hasReply, err = SynReceivedHandler(tcb, seg)
	default:
		if !inWindow(tcb.RecvNext(), tcb.RecvWindow(), seg) {
			e.trace("router:drop-outofwindow", ConnID{}, seg)
			return Segment{}, false
		}
		switch {
		case seg.Flags.HasAny(FlagRST):
			reply, hasReply, err = e.challengeAck(tcb, seg, true)
		case seg.Flags.HasAny(FlagSYN):
			reply, hasReply, err = e.challengeAck(tcb, seg, false)
		default:
			reply, hasReply, err = EstablishedHandler(tcb, seg)
		}
	}
	if err == nil {
		return reply, hasReply
	}
	if IsReset(err) {
		r, ok := dropWithReset(seg)
		e.logerr("router:reset", slog.String("err", err.Error()))
		if e.metrics != nil {
			e.metrics.IncReset()
		}
		return r, ok
	}
	e.logerr("router:drop", slog.String("err", err.Error()))
	return Segment{}, false
}

// challengeAck gates ChallengeAck behind the connection's rate limiter, the
// RFC 5961 challenge-ACK rate limiting supplemental feature of
// SPEC_FULL.md: an attacker probing with repeated in-window RST/SYN
// segments gets a bounded rate of challenge ACKs, not an unbounded stream.
func (e *Engine) challengeAck(tcb *ControlBlock, seg Segment, isRST bool) (Segment, bool, error) {
	reply, hasReply, err := ChallengeAck(tcb, seg, isRST)
	if err != nil || !hasReply {
		return reply, hasReply, err
	}
	if !tcb.challengeLimiter().Allow() {
		return Segment{}, false, dropf("challenge ack rate limited")
	}
	if e.metrics != nil {
		e.metrics.IncChallenge()
	}
	return reply, hasReply, nil
}

func (e *Engine) trace(msg string, id ConnID, seg Segment) {
	if e.log == nil || !e.log.Enabled(context.Background(), internal.LevelTrace) {
		return
	}
	e.log.LogAttrs(context.Background(), internal.LevelTrace, msg,
		internal.SlogAddr4("remoteaddr", &id.RemoteAddr),
		slog.Int("localport", int(id.LocalPort)),
		slog.Int("remoteport", int(id.RemotePort)),
		slog.String("seg", seg.String()),
	)
}

func (e *Engine) logerr(msg string, attrs ...slog.Attr) {
	if e.log == nil {
		return
	}
	e.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

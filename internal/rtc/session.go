package rtc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orchardlive/callkit/internal/domain"
)

// eventCap bounds the inbound event queue. Signaling traffic for one
// session is tiny; the cap only guards against a wedged loop.
const eventCap = 64

// Config describes one peer session.
type Config struct {
	// Channel is the signaling channel for this call.
	Channel string
	// Self is the local signaling identity.
	Self string
	// Remote is the counterpart identity. Outbound descriptions and
	// candidates are addressed to it.
	Remote string
	// Role decides who produces the initial offer.
	Role domain.SessionRole
	// Media selects local capture. Zero means receive-only.
	Media domain.MediaConstraints
	// ReconnectGrace bounds transient disconnect recovery.
	ReconnectGrace time.Duration
}

// Session drives one peer connection through negotiation against a
// remote session reachable over the signaling transport.
//
// All negotiation steps run on a single goroutine fed by an event
// queue: signaling messages arriving while a step is in flight are
// queued, never dropped, and applied in arrival order. That is what
// keeps the local/remote description pair consistent.
//
// States: idle → acquiring-media → negotiating → connected ⇄
// reconnecting, with closed terminal and reachable from anywhere.
type Session struct {
	cfg       Config
	transport domain.Transport
	source    domain.MediaSource
	connect   func() (domain.PeerConnection, error)

	events chan event
	done   chan struct{}

	closeOnce sync.Once

	mu              sync.Mutex
	state           domain.SessionState
	pc              domain.PeerConnection
	stream          domain.MediaStream
	queue           CandidateQueue
	remoteDescSet   bool
	offerPending    bool
	pendingOffer    domain.SDPPayload
	lastRemoteOffer string
	graceTimer      *time.Timer
	closeReason     error
	audioOn         bool
	videoOn         bool
	remoteMedia     domain.MediaStatePayload
	stateFns        []func(domain.SessionState, error)
}

type event struct {
	env   *domain.Envelope
	conn  domain.ConnState
	grace bool
}

// NewSession creates a session in the idle state. connect builds the
// peer connection when the session starts; production wiring passes a
// closure over NewPeerConnection, tests pass mocks.
func NewSession(cfg Config, transport domain.Transport, source domain.MediaSource, connect func() (domain.PeerConnection, error)) *Session {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 8 * time.Second
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		source:    source,
		connect:   connect,
		events:    make(chan event, eventCap),
		done:      make(chan struct{}),
		state:     domain.StateIdle,
		audioOn:   cfg.Media.Audio,
		videoOn:   cfg.Media.Video,
	}
}

// State returns the current session state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns why the session closed, or nil while it is open
// or when it was closed deliberately.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// OnStateChange registers a state observer. The error argument is only
// non-nil for the closed state and carries the close reason. Register
// before Start; callbacks run on session goroutines and must not block.
func (s *Session) OnStateChange(fn func(domain.SessionState, error)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

// Start acquires media, opens the peer connection, joins the signaling
// channel, and (in the caller role) sends the initial offer. The
// returned error is terminal for this attempt; the session is already
// closed when it is non-nil.
func (s *Session) Start() error {
	s.setState(domain.StateAcquiringMedia)

	var stream domain.MediaStream
	if s.cfg.Media.Audio || s.cfg.Media.Video {
		var err error
		stream, err = s.source.Acquire(s.cfg.Media)
		if err != nil {
			err = fmt.Errorf("acquire media: %w", err)
			s.Close(err)
			return err
		}
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	pc, err := s.connect()
	if err != nil {
		err = fmt.Errorf("open peer connection: %w", err)
		s.Close(err)
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(func(c domain.CandidatePayload) {
		s.publish(domain.MsgCandidate, c)
	})
	pc.OnConnectionStateChange(func(st domain.ConnState) {
		s.push(event{conn: st})
	})

	if err := pc.AttachLocalMedia(stream); err != nil {
		err = fmt.Errorf("attach local media: %w", err)
		s.Close(err)
		return err
	}

	if err := s.transport.Join(s.cfg.Channel, func(env domain.Envelope) {
		s.push(event{env: &env})
	}); err != nil {
		err = fmt.Errorf("join signaling channel: %w", err)
		s.Close(err)
		return err
	}

	s.setState(domain.StateNegotiating)

	// Announce arrival. The channel has no message retention, so a
	// caller whose offer predates the callee joining re-sends it when
	// this lands (see handleEnvelope).
	s.publish(domain.MsgJoin, nil)

	if s.cfg.Role == domain.RoleCaller {
		if err := s.sendOffer(); err != nil {
			s.Close(err)
			return err
		}
	}

	go s.run()
	return nil
}

// sendOffer creates the local offer, applies it, and publishes it.
func (s *Session) sendOffer() error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer()
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	s.mu.Lock()
	s.offerPending = true
	s.pendingOffer = offer
	s.mu.Unlock()

	s.publish(domain.MsgOffer, offer)
	log.Printf("[rtc] %s: offer sent to %s", s.cfg.Channel, s.cfg.Remote)
	return nil
}

// run is the session's single negotiation goroutine.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			s.handle(e)
		}
	}
}

func (s *Session) handle(e event) {
	if s.State() == domain.StateClosed {
		return
	}
	switch {
	case e.env != nil:
		s.handleEnvelope(*e.env)
	case e.conn != "":
		s.handleConnState(e.conn)
	case e.grace:
		if s.State() == domain.StateReconnecting {
			log.Printf("[rtc] %s: reconnect grace expired", s.cfg.Channel)
			s.Close(domain.ErrConnectionLost)
		}
	}
}

func (s *Session) handleEnvelope(env domain.Envelope) {
	// Loop suppression: the transport echoes our own messages back.
	if env.From == s.cfg.Self {
		return
	}
	if env.To != "" && env.To != s.cfg.Self {
		return
	}

	switch env.Type {
	case domain.MsgOffer:
		s.handleOffer(env)
	case domain.MsgAnswer:
		s.handleAnswer(env)
	case domain.MsgCandidate:
		s.handleCandidate(env)
	case domain.MsgJoin:
		// The remote arrived after our offer went out; re-send it.
		s.mu.Lock()
		pending := s.offerPending
		offer := s.pendingOffer
		s.mu.Unlock()
		if pending {
			s.publish(domain.MsgOffer, offer)
			log.Printf("[rtc] %s: re-sent pending offer to %s", s.cfg.Channel, env.From)
		}
	case domain.MsgHangup:
		log.Printf("[rtc] %s: hangup from %s", s.cfg.Channel, env.From)
		s.Close(domain.ErrRemoteHangup)
	case domain.MsgMediaState:
		var ms domain.MediaStatePayload
		if err := env.Decode(&ms); err != nil {
			log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
			return
		}
		s.mu.Lock()
		s.remoteMedia = ms
		s.mu.Unlock()
	}
}

// handleOffer applies a remote offer and answers it. When our own offer
// is still pending this is glare: both sides offered at once. The tie
// is broken by comparing identities lexicographically — the lower
// identity's offer survives on both sides, the higher one rolls its
// offer back and answers instead.
func (s *Session) handleOffer(env domain.Envelope) {
	var offer domain.SDPPayload
	if err := env.Decode(&offer); err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}

	s.mu.Lock()
	pending := s.offerPending
	pc := s.pc
	duplicate := s.remoteDescSet && offer.SDP == s.lastRemoteOffer
	s.mu.Unlock()

	// Re-sent offers (join-triggered) can arrive after the original was
	// already applied.
	if duplicate {
		return
	}

	if pending {
		if s.cfg.Self < env.From {
			// Our offer wins; the remote side will roll back and answer.
			log.Printf("[rtc] %s: glare with %s, keeping local offer", s.cfg.Channel, env.From)
			return
		}
		log.Printf("[rtc] %s: glare with %s, yielding to remote offer", s.cfg.Channel, env.From)
		if err := pc.RollbackLocalDescription(); err != nil {
			log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
			return
		}
		s.mu.Lock()
		s.offerPending = false
		s.remoteDescSet = false
		s.mu.Unlock()
		s.queue.Reset()
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		// Queue is intentionally preserved for a retried negotiation.
		log.Printf("[rtc] %s: %v (candidate queue preserved)", s.cfg.Channel, err)
		return
	}
	s.mu.Lock()
	s.remoteDescSet = true
	s.lastRemoteOffer = offer.SDP
	s.mu.Unlock()
	if err := s.queue.DrainInto(pc); err != nil {
		log.Printf("[rtc] %s: drain candidates: %v", s.cfg.Channel, err)
	}

	answer, err := pc.CreateAnswer()
	if err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}
	s.publish(domain.MsgAnswer, answer)
	log.Printf("[rtc] %s: answered offer from %s", s.cfg.Channel, env.From)
}

func (s *Session) handleAnswer(env domain.Envelope) {
	s.mu.Lock()
	pending := s.offerPending
	pc := s.pc
	s.mu.Unlock()

	// An answer with no offer outstanding is stale (e.g. the glare
	// loser's discarded offer being answered late).
	if !pending {
		log.Printf("[rtc] %s: dropping stale answer from %s", s.cfg.Channel, env.From)
		return
	}

	var answer domain.SDPPayload
	if err := env.Decode(&answer); err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		log.Printf("[rtc] %s: %v (candidate queue preserved)", s.cfg.Channel, err)
		return
	}
	s.mu.Lock()
	s.remoteDescSet = true
	s.offerPending = false
	s.mu.Unlock()
	if err := s.queue.DrainInto(pc); err != nil {
		log.Printf("[rtc] %s: drain candidates: %v", s.cfg.Channel, err)
	}
	log.Printf("[rtc] %s: answer from %s applied", s.cfg.Channel, env.From)
}

func (s *Session) handleCandidate(env domain.Envelope) {
	var c domain.CandidatePayload
	if err := env.Decode(&c); err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}

	s.mu.Lock()
	ready := s.remoteDescSet
	pc := s.pc
	s.mu.Unlock()

	if !ready {
		s.queue.Offer(c)
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
	}
}

func (s *Session) handleConnState(st domain.ConnState) {
	switch st {
	case domain.ConnConnected:
		s.mu.Lock()
		prev := s.state
		if prev != domain.StateNegotiating && prev != domain.StateReconnecting {
			s.mu.Unlock()
			return
		}
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()
		if prev == domain.StateReconnecting {
			log.Printf("[rtc] %s: recovered within grace window", s.cfg.Channel)
		}
		s.setState(domain.StateConnected)

	case domain.ConnDisconnected:
		s.mu.Lock()
		if s.state != domain.StateConnected {
			s.mu.Unlock()
			return
		}
		s.graceTimer = time.AfterFunc(s.cfg.ReconnectGrace, func() {
			s.push(event{grace: true})
		})
		s.mu.Unlock()
		log.Printf("[rtc] %s: disconnected, grace %s", s.cfg.Channel, s.cfg.ReconnectGrace)
		s.setState(domain.StateReconnecting)

	case domain.ConnFailed:
		s.Close(domain.ErrConnectionLost)
	}
}

// SetAudioEnabled flips local audio and announces the new media state.
// Returns the muted state (true = muted).
func (s *Session) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	s.audioOn = on
	ms := domain.MediaStatePayload{AudioOn: s.audioOn, VideoOn: s.videoOn}
	s.mu.Unlock()
	s.publish(domain.MsgMediaState, ms)
	return !on
}

// SetVideoEnabled flips local video and announces the new media state.
// Returns the disabled state (true = camera off).
func (s *Session) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	s.videoOn = on
	ms := domain.MediaStatePayload{AudioOn: s.audioOn, VideoOn: s.videoOn}
	s.mu.Unlock()
	s.publish(domain.MsgMediaState, ms)
	return !on
}

// HasLocalAudio reports whether the session captured a local audio
// track. Sessions started without one cannot unmute; re-acquiring
// capture takes an explicit user action.
func (s *Session) HasLocalAudio() bool {
	return s.cfg.Media.Audio
}

// HasLocalVideo reports whether the session captured a local video
// track.
func (s *Session) HasLocalVideo() bool {
	return s.cfg.Media.Video
}

// MediaState returns the local mute/camera state.
func (s *Session) MediaState() domain.MediaStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.MediaStatePayload{AudioOn: s.audioOn, VideoOn: s.videoOn}
}

// RemoteMediaState returns the counterpart's last announced state.
func (s *Session) RemoteMediaState() domain.MediaStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMedia
}

// QueuedCandidates reports how many remote candidates await a
// description.
func (s *Session) QueuedCandidates() int {
	return s.queue.Len()
}

// Close tears the session down: tracks stopped, peer connection closed,
// channel left, timers cleared. Idempotent; a second call is a no-op.
// reason is recorded for observers except ErrSessionClosed, which marks
// a deliberate local close.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.StateClosed
		if reason != domain.ErrSessionClosed {
			s.closeReason = reason
		}
		stream := s.stream
		pc := s.pc
		timer := s.graceTimer
		s.graceTimer = nil
		fns := make([]func(domain.SessionState, error), len(s.stateFns))
		copy(fns, s.stateFns)
		closeReason := s.closeReason
		s.mu.Unlock()

		// Cleanup must never fail: every step tolerates an already
		// released resource.
		if timer != nil {
			timer.Stop()
		}
		if stream != nil {
			for _, t := range stream.Tracks() {
				t.Stop()
			}
			stream.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
		s.transport.Leave(s.cfg.Channel)
		close(s.done)

		log.Printf("[rtc] %s: closed (%v)", s.cfg.Channel, closeReason)
		for _, fn := range fns {
			fn(domain.StateClosed, closeReason)
		}
	})
}

// push enqueues an event, dropping it if the session is closed.
func (s *Session) push(e event) {
	select {
	case <-s.done:
	case s.events <- e:
	default:
		log.Printf("[rtc] %s: event queue full, dropping", s.cfg.Channel)
	}
}

func (s *Session) publish(t domain.MessageType, payload any) {
	env, err := domain.NewEnvelope(t, s.cfg.Self, s.cfg.Remote, s.cfg.Channel, payload)
	if err != nil {
		log.Printf("[rtc] %s: %v", s.cfg.Channel, err)
		return
	}
	if err := s.transport.Publish(s.cfg.Channel, env); err != nil {
		log.Printf("[rtc] %s: publish %s: %v", s.cfg.Channel, t, err)
	}
}

func (s *Session) setState(st domain.SessionState) {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := make([]func(domain.SessionState, error), len(s.stateFns))
	copy(fns, s.stateFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st, nil)
	}
}

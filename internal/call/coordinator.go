// Package call maps durable call records to live peer sessions: the
// caller/callee role split, ring and teardown policy, and the timers
// that bound each phase.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchardlive/callkit/internal/domain"
	"github.com/orchardlive/callkit/internal/rtc"
)

// Options tunes coordinator timers.
type Options struct {
	// RingTimeout bounds how long an outbound call rings unanswered.
	RingTimeout time.Duration
	// ReconnectGrace is handed to each peer session.
	ReconnectGrace time.Duration
}

func (o *Options) fill() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 35 * time.Second
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 8 * time.Second
	}
}

// IncomingCall is handed to OnIncoming observers for each call-request
// arriving on the personal channel.
type IncomingCall struct {
	CallID  string
	Channel string
	From    string
	Video   bool

	c *Coordinator
}

// Accept joins the call in the callee role.
func (ic *IncomingCall) Accept(ctx context.Context, media domain.MediaConstraints) (*rtc.Session, error) {
	return ic.c.JoinCall(ctx, ic.CallID, media)
}

// Decline tells the caller to stop ringing.
func (ic *IncomingCall) Decline() {
	ic.c.publishHangup(ic.Channel)
}

// Coordinator owns the durable call records and at most one live peer
// session per call id.
type Coordinator struct {
	self      string
	transport domain.Transport
	store     domain.SessionStore
	source    domain.MediaSource
	connect   func() (domain.PeerConnection, error)
	opts      Options

	mu         sync.Mutex
	sessions   map[string]*rtc.Session
	joining    map[string]bool
	ringTimers map[string]*time.Timer
	finished   map[string]bool

	obsMu    sync.RWMutex
	incoming []func(*IncomingCall)
	ended    []func(callID string, status domain.CallStatus, reason string)
	invited  []func(domain.InvitePayload, string)

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Coordinator for the given identity. connect builds a
// peer connection per session (production wiring closes over
// rtc.NewPeerConnection).
func New(self string, transport domain.Transport, store domain.SessionStore, source domain.MediaSource, connect func() (domain.PeerConnection, error), opts Options) *Coordinator {
	opts.fill()
	return &Coordinator{
		self:       self,
		transport:  transport,
		store:      store,
		source:     source,
		connect:    connect,
		opts:       opts,
		sessions:   make(map[string]*rtc.Session),
		joining:    make(map[string]bool),
		ringTimers: make(map[string]*time.Timer),
		finished:   make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Start joins the personal channel where call requests, busy replies,
// and live-session invites arrive.
func (c *Coordinator) Start() error {
	if err := c.transport.Join(personalChannel(c.self), c.dispatch); err != nil {
		return fmt.Errorf("join personal channel: %w", err)
	}
	log.Printf("[call] %s listening for calls", c.self)
	return nil
}

// OnIncoming registers an observer for incoming call requests.
func (c *Coordinator) OnIncoming(fn func(*IncomingCall)) {
	c.obsMu.Lock()
	c.incoming = append(c.incoming, fn)
	c.obsMu.Unlock()
}

// OnCallEnded registers an observer fired exactly once per terminal
// transition — the single user-visible outcome notification.
func (c *Coordinator) OnCallEnded(fn func(callID string, status domain.CallStatus, reason string)) {
	c.obsMu.Lock()
	c.ended = append(c.ended, fn)
	c.obsMu.Unlock()
}

// OnInvite registers an observer for live-session invites.
func (c *Coordinator) OnInvite(fn func(invite domain.InvitePayload, from string)) {
	c.obsMu.Lock()
	c.invited = append(c.invited, fn)
	c.obsMu.Unlock()
}

// StartCall creates the durable record in ringing, notifies the
// counterpart, and opens a caller-role peer session. The call fails
// with NoAnswer if nothing connects before the ring timeout.
func (c *Coordinator) StartCall(ctx context.Context, counterpart string, media domain.MediaConstraints) (*domain.CallSession, error) {
	if counterpart == c.self {
		return nil, fmt.Errorf("cannot call yourself")
	}

	rec := &domain.CallSession{
		ID:          uuid.NewString(),
		Initiator:   c.self,
		Counterpart: counterpart,
		Channel:     "call-" + uuid.NewString()[:8],
		Status:      domain.CallRinging,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}

	sess := c.newSession(rec, domain.RoleCaller, media)

	req := domain.CallRequestPayload{CallID: rec.ID, Channel: rec.Channel, Video: media.Video}
	env, err := domain.NewEnvelope(domain.MsgCallRequest, c.self, counterpart, personalChannel(counterpart), req)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Publish(personalChannel(counterpart), env); err != nil {
		c.finishCall(rec.ID, domain.CallFailed, "transport-unavailable")
		sess.Close(domain.ErrTransportUnavailable)
		return nil, err
	}

	if err := sess.Start(); err != nil {
		c.finishCall(rec.ID, domain.CallFailed, failureReason(err))
		return nil, err
	}

	c.mu.Lock()
	c.sessions[rec.ID] = sess
	c.ringTimers[rec.ID] = time.AfterFunc(c.opts.RingTimeout, func() {
		c.ringExpired(rec.ID, rec.Channel)
	})
	c.mu.Unlock()

	log.Printf("[call] %s: ringing %s on %s", rec.ID, counterpart, rec.Channel)
	return rec, nil
}

// JoinCall opens a callee-role peer session for a ringing or active
// call. A second join for the same id while one is underway is
// rejected with ErrAlreadyJoining.
func (c *Coordinator) JoinCall(ctx context.Context, callID string, media domain.MediaConstraints) (*rtc.Session, error) {
	rec, err := c.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.CallRinging && rec.Status != domain.CallActive {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrCallOver, callID, rec.Status)
	}

	c.mu.Lock()
	if c.joining[callID] || c.sessions[callID] != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: call %s", domain.ErrAlreadyJoining, callID)
	}
	c.joining[callID] = true
	c.mu.Unlock()

	sess := c.newSession(rec, domain.RoleCallee, media)
	if err := sess.Start(); err != nil {
		c.mu.Lock()
		delete(c.joining, callID)
		c.mu.Unlock()
		c.finishCall(callID, domain.CallFailed, failureReason(err))
		return nil, err
	}

	c.mu.Lock()
	delete(c.joining, callID)
	c.sessions[callID] = sess
	c.mu.Unlock()

	log.Printf("[call] %s: joined as callee", callID)
	return sess, nil
}

// EndCall ends a call from any state: the record goes to ended, the
// counterpart gets an explicit hangup message (so it ends promptly
// instead of waiting out the reconnect grace), and the local session
// is torn down.
func (c *Coordinator) EndCall(ctx context.Context, callID string) error {
	rec, err := c.store.Get(ctx, callID)
	if err != nil {
		return err
	}

	c.publishHangup(rec.Channel)

	c.mu.Lock()
	sess := c.sessions[callID]
	c.mu.Unlock()

	if sess != nil {
		// The session's close observer finishes the record.
		sess.Close(domain.ErrSessionClosed)
		return nil
	}
	c.finishCall(callID, domain.CallEnded, "")
	return nil
}

// Session returns the live session for a call id, if any.
func (c *Coordinator) Session(callID string) (*rtc.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	return s, ok
}

// Invite asks a peer to join a live broadcast channel.
func (c *Coordinator) Invite(peer, channel string, role domain.Role) error {
	env, err := domain.NewEnvelope(domain.MsgInvite, c.self, peer, personalChannel(peer),
		domain.InvitePayload{Channel: channel, Role: role})
	if err != nil {
		return err
	}
	return c.transport.Publish(personalChannel(peer), env)
}

// Close ends every live session and leaves the personal channel.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		sessions := c.sessions
		c.sessions = make(map[string]*rtc.Session)
		for id, t := range c.ringTimers {
			t.Stop()
			delete(c.ringTimers, id)
		}
		c.mu.Unlock()

		for _, s := range sessions {
			s.Close(domain.ErrSessionClosed)
		}
		c.transport.Leave(personalChannel(c.self))
	})
}

// newSession builds the peer session for a record and wires its state
// observer to the durable record.
func (c *Coordinator) newSession(rec *domain.CallSession, role domain.SessionRole, media domain.MediaConstraints) *rtc.Session {
	remote := rec.Counterpart
	if c.self == rec.Counterpart {
		remote = rec.Initiator
	}
	sess := rtc.NewSession(rtc.Config{
		Channel:        rec.Channel,
		Self:           c.self,
		Remote:         remote,
		Role:           role,
		Media:          media,
		ReconnectGrace: c.opts.ReconnectGrace,
	}, c.transport, c.source, c.connect)

	callID := rec.ID
	sess.OnStateChange(func(st domain.SessionState, reason error) {
		switch st {
		case domain.StateConnected:
			c.stopRingTimer(callID)
			// The only trigger for call activation (and any duration
			// or billing accounting downstream).
			if err := c.store.UpdateStatus(context.Background(), callID, domain.CallActive, ""); err != nil && !errors.Is(err, domain.ErrCallOver) {
				log.Printf("[call] %s: activate: %v", callID, err)
			}
		case domain.StateClosed:
			c.sessionClosed(callID, reason)
		}
	})
	return sess
}

func (c *Coordinator) sessionClosed(callID string, reason error) {
	c.stopRingTimer(callID)
	c.mu.Lock()
	delete(c.sessions, callID)
	c.mu.Unlock()

	status := domain.CallEnded
	why := ""
	switch {
	case reason == nil:
	case errors.Is(reason, domain.ErrRemoteHangup):
		why = "remote-hangup"
	case errors.Is(reason, domain.ErrConnectionLost):
		why = "connection-lost"
	case errors.Is(reason, domain.ErrNoAnswer):
		status, why = domain.CallFailed, "no-answer"
	case errors.Is(reason, domain.ErrChannelBusy):
		status, why = domain.CallFailed, "busy"
	case errors.Is(reason, domain.ErrMediaAccessDenied):
		status, why = domain.CallFailed, "media-access-denied"
	case errors.Is(reason, domain.ErrTransportUnavailable):
		status, why = domain.CallFailed, "transport-unavailable"
	default:
		status, why = domain.CallFailed, reason.Error()
	}
	c.finishCall(callID, status, why)
}

// finishCall performs the terminal record transition and fires the
// outcome observers exactly once per coordinator. The record may
// already be terminal when the counterpart's coordinator shares the
// store and got there first; local observers still fire.
func (c *Coordinator) finishCall(callID string, status domain.CallStatus, reason string) {
	c.mu.Lock()
	if c.finished[callID] {
		c.mu.Unlock()
		return
	}
	c.finished[callID] = true
	c.mu.Unlock()

	err := c.store.UpdateStatus(context.Background(), callID, status, reason)
	if err != nil && !errors.Is(err, domain.ErrCallOver) {
		log.Printf("[call] %s: finish: %v", callID, err)
	}

	log.Printf("[call] %s: %s (%s)", callID, status, reason)
	c.obsMu.RLock()
	fns := make([]func(string, domain.CallStatus, string), len(c.ended))
	copy(fns, c.ended)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(callID, status, reason)
	}
}

func (c *Coordinator) ringExpired(callID, channel string) {
	rec, err := c.store.Get(context.Background(), callID)
	if err != nil || rec.Status != domain.CallRinging {
		return
	}
	log.Printf("[call] %s: no answer", callID)

	c.publishHangup(channel)

	c.mu.Lock()
	sess := c.sessions[callID]
	c.mu.Unlock()
	if sess != nil {
		sess.Close(domain.ErrNoAnswer)
	} else {
		c.finishCall(callID, domain.CallFailed, "no-answer")
	}
}

// dispatch routes personal-channel envelopes.
func (c *Coordinator) dispatch(env domain.Envelope) {
	if env.From == c.self {
		return
	}
	if env.To != "" && env.To != c.self {
		return
	}

	switch env.Type {
	case domain.MsgCallRequest:
		c.handleCallRequest(env)
	case domain.MsgBusy:
		c.handleBusy(env)
	case domain.MsgInvite:
		var inv domain.InvitePayload
		if err := env.Decode(&inv); err != nil {
			log.Printf("[call] %v", err)
			return
		}
		c.obsMu.RLock()
		fns := make([]func(domain.InvitePayload, string), len(c.invited))
		copy(fns, c.invited)
		c.obsMu.RUnlock()
		for _, fn := range fns {
			fn(inv, env.From)
		}
	}
}

func (c *Coordinator) handleCallRequest(env domain.Envelope) {
	var req domain.CallRequestPayload
	if err := env.Decode(&req); err != nil {
		log.Printf("[call] %v", err)
		return
	}

	c.mu.Lock()
	busy := len(c.sessions) > 0 || len(c.joining) > 0
	c.mu.Unlock()
	if busy {
		reply, err := domain.NewEnvelope(domain.MsgBusy, c.self, env.From, personalChannel(env.From), req)
		if err == nil {
			_ = c.transport.Publish(personalChannel(env.From), reply)
		}
		log.Printf("[call] %s: busy, declined %s", req.CallID, env.From)
		return
	}

	ic := &IncomingCall{
		CallID:  req.CallID,
		Channel: req.Channel,
		From:    env.From,
		Video:   req.Video,
		c:       c,
	}
	c.obsMu.RLock()
	fns := make([]func(*IncomingCall), len(c.incoming))
	copy(fns, c.incoming)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ic)
	}
}

func (c *Coordinator) handleBusy(env domain.Envelope) {
	var req domain.CallRequestPayload
	if err := env.Decode(&req); err != nil {
		log.Printf("[call] %v", err)
		return
	}
	log.Printf("[call] %s: %s is busy", req.CallID, env.From)

	c.mu.Lock()
	sess := c.sessions[req.CallID]
	c.mu.Unlock()
	if sess != nil {
		sess.Close(domain.ErrChannelBusy)
	} else {
		c.finishCall(req.CallID, domain.CallFailed, "busy")
	}
}

func (c *Coordinator) publishHangup(channel string) {
	env, err := domain.NewEnvelope(domain.MsgHangup, c.self, "", channel, nil)
	if err != nil {
		return
	}
	if err := c.transport.Publish(channel, env); err != nil {
		log.Printf("[call] hangup on %s: %v", channel, err)
	}
}

func (c *Coordinator) stopRingTimer(callID string) {
	c.mu.Lock()
	if t := c.ringTimers[callID]; t != nil {
		t.Stop()
		delete(c.ringTimers, callID)
	}
	c.mu.Unlock()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMediaAccessDenied):
		return "media-access-denied"
	case errors.Is(err, domain.ErrTransportUnavailable):
		return "transport-unavailable"
	default:
		return err.Error()
	}
}

func personalChannel(id string) string {
	return "user:" + id
}

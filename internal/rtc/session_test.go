package rtc

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchardlive/callkit/internal/domain"
)

// fakeBus is an in-memory pub/sub transport. Like the real relay it
// echoes messages back to the sender's own subscription and delivers a
// given sender's messages in publish order.
type fakeBus struct {
	mu     sync.Mutex
	subs   map[string][]func(domain.Envelope)
	leaves int
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]func(domain.Envelope))}
}

func (b *fakeBus) Join(channel string, fn func(domain.Envelope)) error {
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], fn)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Publish(channel string, env domain.Envelope) error {
	b.mu.Lock()
	fns := make([]func(domain.Envelope), len(b.subs[channel]))
	copy(fns, b.subs[channel])
	b.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (b *fakeBus) Leave(channel string) {
	b.mu.Lock()
	delete(b.subs, channel)
	b.leaves++
	b.mu.Unlock()
}

// mockPC is a scriptable domain.PeerConnection.
type mockPC struct {
	name string

	mu          sync.Mutex
	offers      int
	answers     int
	rollbacks   int
	remoteDescs []domain.SDPPayload
	candidates  []domain.CandidatePayload
	failRemote  error
	closed      int
	onConn      func(domain.ConnState)
}

func (m *mockPC) AttachLocalMedia(domain.MediaStream) error { return nil }

func (m *mockPC) CreateOffer() (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	return domain.SDPPayload{Type: "offer", SDP: "offer-from-" + m.name}, nil
}

func (m *mockPC) CreateAnswer() (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return domain.SDPPayload{Type: "answer", SDP: "answer-from-" + m.name}, nil
}

func (m *mockPC) SetLocalDescription(domain.SDPPayload) error { return nil }

func (m *mockPC) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemote != nil {
		return m.failRemote
	}
	m.remoteDescs = append(m.remoteDescs, sdp)
	return nil
}

func (m *mockPC) RollbackLocalDescription() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return nil
}

func (m *mockPC) AddICECandidate(c domain.CandidatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *mockPC) OnICECandidate(func(domain.CandidatePayload)) {}

func (m *mockPC) OnConnectionStateChange(fn func(domain.ConnState)) {
	m.mu.Lock()
	m.onConn = fn
	m.mu.Unlock()
}

func (m *mockPC) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockPC) connState(st domain.ConnState) {
	m.mu.Lock()
	fn := m.onConn
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *mockPC) remoteDescCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remoteDescs)
}

func (m *mockPC) appliedCandidates() []domain.CandidatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CandidatePayload, len(m.candidates))
	copy(out, m.candidates)
	return out
}

// mockSource hands out empty streams, or fails.
type mockSource struct {
	err error
}

type mockStream struct{}

func (mockStream) Tracks() []domain.MediaTrack { return nil }
func (mockStream) Close()                      {}

func (m *mockSource) Acquire(domain.MediaConstraints) (domain.MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return mockStream{}, nil
}

func newTestSession(bus *fakeBus, self, remote string, role domain.SessionRole, pc *mockPC) *Session {
	return NewSession(Config{
		Channel:        "call-test",
		Self:           self,
		Remote:         remote,
		Role:           role,
		Media:          domain.MediaConstraints{Audio: true},
		ReconnectGrace: 150 * time.Millisecond,
	}, bus, &mockSource{}, func() (domain.PeerConnection, error) { return pc, nil })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_CallerCalleeNegotiate(t *testing.T) {
	bus := newFakeBus()
	alicePC := &mockPC{name: "alice"}
	bobPC := &mockPC{name: "bob"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, alicePC)
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, bobPC)
	defer alice.Close(domain.ErrSessionClosed)
	defer bob.Close(domain.ErrSessionClosed)

	if err := bob.Start(); err != nil {
		t.Fatalf("start callee: %v", err)
	}
	if err := alice.Start(); err != nil {
		t.Fatalf("start caller: %v", err)
	}

	waitFor(t, "callee to apply offer", func() bool { return bobPC.remoteDescCount() == 1 })
	waitFor(t, "caller to apply answer", func() bool { return alicePC.remoteDescCount() == 1 })

	if got := bobPC.appliedRemote()[0].SDP; got != "offer-from-alice" {
		t.Errorf("callee applied %q", got)
	}
	if got := alicePC.appliedRemote()[0].SDP; got != "answer-from-bob" {
		t.Errorf("caller applied %q", got)
	}

	alicePC.connState(domain.ConnConnected)
	bobPC.connState(domain.ConnConnected)
	waitFor(t, "both connected", func() bool {
		return alice.State() == domain.StateConnected && bob.State() == domain.StateConnected
	})
}

func TestSession_CalleeJoiningLateStillGetsOffer(t *testing.T) {
	bus := newFakeBus()
	alicePC := &mockPC{name: "alice"}
	bobPC := &mockPC{name: "bob"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, alicePC)
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, bobPC)
	defer alice.Close(domain.ErrSessionClosed)
	defer bob.Close(domain.ErrSessionClosed)

	// Caller first: its initial offer is published into an empty channel
	// and lost. The callee's join announcement must trigger a re-send.
	if err := alice.Start(); err != nil {
		t.Fatalf("start caller: %v", err)
	}
	if err := bob.Start(); err != nil {
		t.Fatalf("start callee: %v", err)
	}

	waitFor(t, "callee to apply re-sent offer", func() bool { return bobPC.remoteDescCount() == 1 })
	waitFor(t, "caller to apply answer", func() bool { return alicePC.remoteDescCount() == 1 })
}

func TestSession_IgnoresOwnEchoedMessages(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "alice"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, pc)
	defer alice.Close(domain.ErrSessionClosed)

	if err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The bus echoes the offer back to alice. Nothing should be applied.
	time.Sleep(50 * time.Millisecond)
	if n := pc.remoteDescCount(); n != 0 {
		t.Errorf("expected no remote descriptions from self-echo, got %d", n)
	}
	pc.mu.Lock()
	answers := pc.answers
	pc.mu.Unlock()
	if answers != 0 {
		t.Errorf("expected no answer to own offer, got %d", answers)
	}
}

func TestSession_CandidatesBeforeDescriptionAreQueuedThenDrained(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "bob"}
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, pc)
	defer bob.Close(domain.ErrSessionClosed)

	if err := bob.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	send := func(t domain.MessageType, payload any) {
		env, err := domain.NewEnvelope(t, "alice", "bob", "call-test", payload)
		if err != nil {
			panic(err)
		}
		_ = bus.Publish("call-test", env)
	}

	for i := 0; i < 3; i++ {
		send(domain.MsgCandidate, domain.CandidatePayload{Candidate: fmt.Sprintf("candidate:%d", i)})
	}
	waitFor(t, "candidates to queue", func() bool { return bob.QueuedCandidates() == 3 })
	if n := len(pc.appliedCandidates()); n != 0 {
		t.Fatalf("no candidate should apply before the description, got %d", n)
	}

	send(domain.MsgOffer, domain.SDPPayload{Type: "offer", SDP: "offer-from-alice"})

	waitFor(t, "queue to drain", func() bool { return len(pc.appliedCandidates()) == 3 })
	for i, c := range pc.appliedCandidates() {
		if c.Candidate != fmt.Sprintf("candidate:%d", i) {
			t.Errorf("position %d: got %q", i, c.Candidate)
		}
	}
	if bob.QueuedCandidates() != 0 {
		t.Errorf("queue should be empty after drain")
	}

	// Late candidates now apply directly.
	send(domain.MsgCandidate, domain.CandidatePayload{Candidate: "candidate:late"})
	waitFor(t, "late candidate to apply", func() bool { return len(pc.appliedCandidates()) == 4 })
	if bob.QueuedCandidates() != 0 {
		t.Errorf("late candidate must not queue")
	}
}

func TestSession_FailedRemoteDescriptionPreservesQueue(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "bob", failRemote: errors.New("bad sdp")}
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, pc)
	defer bob.Close(domain.ErrSessionClosed)

	if err := bob.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	send := func(t domain.MessageType, payload any) {
		env, err := domain.NewEnvelope(t, "alice", "bob", "call-test", payload)
		if err != nil {
			panic(err)
		}
		_ = bus.Publish("call-test", env)
	}

	send(domain.MsgCandidate, domain.CandidatePayload{Candidate: "candidate:0"})
	send(domain.MsgCandidate, domain.CandidatePayload{Candidate: "candidate:1"})
	send(domain.MsgOffer, domain.SDPPayload{Type: "offer", SDP: "offer-from-alice"})

	time.Sleep(50 * time.Millisecond)
	if bob.QueuedCandidates() != 2 {
		t.Fatalf("queue must survive a failed remote description, got %d", bob.QueuedCandidates())
	}

	// Negotiation retries with a good description; the queue drains.
	pc.mu.Lock()
	pc.failRemote = nil
	pc.mu.Unlock()
	send(domain.MsgOffer, domain.SDPPayload{Type: "offer", SDP: "offer-from-alice-2"})

	waitFor(t, "queue to drain on retry", func() bool { return len(pc.appliedCandidates()) == 2 })
}

func TestSession_GlareResolvesDeterministically(t *testing.T) {
	bus := newFakeBus()
	alicePC := &mockPC{name: "alice"}
	bobPC := &mockPC{name: "bob"}
	// Both sides offer at once.
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, alicePC)
	bob := newTestSession(bus, "bob", "alice", domain.RoleCaller, bobPC)
	defer alice.Close(domain.ErrSessionClosed)
	defer bob.Close(domain.ErrSessionClosed)

	if err := alice.Start(); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bob.Start(); err != nil {
		t.Fatalf("start bob: %v", err)
	}

	// alice < bob: alice's offer survives, bob rolls back and answers.
	waitFor(t, "bob to apply alice's offer", func() bool {
		for _, d := range bobPC.appliedRemote() {
			if d.SDP == "offer-from-alice" {
				return true
			}
		}
		return false
	})
	waitFor(t, "alice to apply bob's answer", func() bool {
		for _, d := range alicePC.appliedRemote() {
			if d.SDP == "answer-from-bob" {
				return true
			}
		}
		return false
	})

	bobPC.mu.Lock()
	rollbacks := bobPC.rollbacks
	bobPC.mu.Unlock()
	if rollbacks != 1 {
		t.Errorf("expected exactly one rollback on the yielding side, got %d", rollbacks)
	}
	alicePC.mu.Lock()
	aliceRollbacks := alicePC.rollbacks
	alicePC.mu.Unlock()
	if aliceRollbacks != 0 {
		t.Errorf("winning side must not roll back, got %d", aliceRollbacks)
	}

	// Exactly one description pair was applied on each side: bob never
	// saw his own offer answered.
	for _, d := range alicePC.appliedRemote() {
		if d.Type == "offer" {
			t.Errorf("winning side applied a remote offer: %q", d.SDP)
		}
	}
}

func (m *mockPC) appliedRemote() []domain.SDPPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SDPPayload, len(m.remoteDescs))
	copy(out, m.remoteDescs)
	return out
}

func TestSession_TransientDisconnectRecoversWithoutRenegotiation(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "alice"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, pc)
	defer alice.Close(domain.ErrSessionClosed)

	if err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pc.connState(domain.ConnConnected)
	waitFor(t, "connected", func() bool { return alice.State() == domain.StateConnected })

	pc.connState(domain.ConnDisconnected)
	waitFor(t, "reconnecting", func() bool { return alice.State() == domain.StateReconnecting })

	pc.connState(domain.ConnConnected)
	waitFor(t, "recovered", func() bool { return alice.State() == domain.StateConnected })

	// The grace timer must be disarmed: wait past it and confirm the
	// session is still up with no new negotiation.
	time.Sleep(250 * time.Millisecond)
	if alice.State() != domain.StateConnected {
		t.Fatalf("expected connected after recovery, got %s", alice.State())
	}
	pc.mu.Lock()
	offers := pc.offers
	pc.mu.Unlock()
	if offers != 1 {
		t.Errorf("recovery must not renegotiate: expected 1 offer, got %d", offers)
	}
}

func TestSession_GraceExpiryClosesWithConnectionLost(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "alice"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, pc)

	if err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pc.connState(domain.ConnConnected)
	waitFor(t, "connected", func() bool { return alice.State() == domain.StateConnected })

	pc.connState(domain.ConnDisconnected)
	waitFor(t, "closed after grace", func() bool { return alice.State() == domain.StateClosed })

	if !errors.Is(alice.CloseReason(), domain.ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", alice.CloseReason())
	}
}

func TestSession_RemoteHangupCloses(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "bob"}
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, pc)

	if err := bob.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	env, _ := domain.NewEnvelope(domain.MsgHangup, "alice", "", "call-test", nil)
	_ = bus.Publish("call-test", env)

	waitFor(t, "closed on hangup", func() bool { return bob.State() == domain.StateClosed })
	if !errors.Is(bob.CloseReason(), domain.ErrRemoteHangup) {
		t.Errorf("expected ErrRemoteHangup, got %v", bob.CloseReason())
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	bus := newFakeBus()
	pc := &mockPC{name: "alice"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, pc)

	if err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var closedNotifies int
	var mu sync.Mutex
	alice.OnStateChange(func(st domain.SessionState, _ error) {
		if st == domain.StateClosed {
			mu.Lock()
			closedNotifies++
			mu.Unlock()
		}
	})

	alice.Close(domain.ErrSessionClosed)
	alice.Close(domain.ErrSessionClosed)

	pc.mu.Lock()
	closed := pc.closed
	pc.mu.Unlock()
	if closed != 1 {
		t.Errorf("peer connection closed %d times", closed)
	}
	bus.mu.Lock()
	leaves := bus.leaves
	bus.mu.Unlock()
	if leaves != 1 {
		t.Errorf("channel left %d times", leaves)
	}
	mu.Lock()
	defer mu.Unlock()
	if closedNotifies != 1 {
		t.Errorf("closed observer fired %d times", closedNotifies)
	}
	if alice.CloseReason() != nil {
		t.Errorf("deliberate close must not record a reason, got %v", alice.CloseReason())
	}
}

func TestSession_MediaDeniedIsFatal(t *testing.T) {
	bus := newFakeBus()
	src := &mockSource{err: fmt.Errorf("%w: device busy", domain.ErrMediaAccessDenied)}
	sess := NewSession(Config{
		Channel: "call-test",
		Self:    "alice",
		Remote:  "bob",
		Role:    domain.RoleCaller,
		Media:   domain.MediaConstraints{Audio: true, Video: true},
	}, bus, src, func() (domain.PeerConnection, error) { return &mockPC{name: "alice"}, nil })

	err := sess.Start()
	if !errors.Is(err, domain.ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if sess.State() != domain.StateClosed {
		t.Errorf("expected closed after media denial, got %s", sess.State())
	}
}

func TestSession_MediaToggleReachesRemote(t *testing.T) {
	bus := newFakeBus()
	alicePC := &mockPC{name: "alice"}
	bobPC := &mockPC{name: "bob"}
	alice := newTestSession(bus, "alice", "bob", domain.RoleCaller, alicePC)
	bob := newTestSession(bus, "bob", "alice", domain.RoleCallee, bobPC)
	defer alice.Close(domain.ErrSessionClosed)
	defer bob.Close(domain.ErrSessionClosed)

	if err := bob.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := alice.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if muted := alice.SetAudioEnabled(true); muted {
		t.Errorf("expected muted=false with audio enabled")
	}
	waitFor(t, "remote sees audio on", func() bool {
		return bob.RemoteMediaState().AudioOn
	})

	if muted := alice.SetAudioEnabled(false); !muted {
		t.Errorf("expected muted=true after disabling audio")
	}
	waitFor(t, "remote sees audio off", func() bool {
		return !bob.RemoteMediaState().AudioOn
	})
	if alice.MediaState().AudioOn {
		t.Errorf("local state should reflect the toggle")
	}
}

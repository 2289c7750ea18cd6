package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchardlive/callkit/internal/call"
	"github.com/orchardlive/callkit/internal/domain"
	"github.com/orchardlive/callkit/internal/presence"
	"github.com/orchardlive/callkit/internal/store"
)

// fakeBus is an in-memory pub/sub transport with self-echo.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func(domain.Envelope)
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
	b.mu.Unlock()
}

type mockPC struct{}

func (mockPC) AttachLocalMedia(domain.MediaStream) error { return nil }
func (mockPC) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: "offer"}, nil
}
func (mockPC) CreateAnswer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "answer", SDP: "answer"}, nil
}
func (mockPC) SetLocalDescription(domain.SDPPayload) error    { return nil }
func (mockPC) SetRemoteDescription(domain.SDPPayload) error   { return nil }
func (mockPC) RollbackLocalDescription() error                { return nil }
func (mockPC) AddICECandidate(domain.CandidatePayload) error  { return nil }
func (mockPC) OnICECandidate(func(domain.CandidatePayload))   {}
func (mockPC) OnConnectionStateChange(func(domain.ConnState)) {}
func (mockPC) Close() error                                   { return nil }

type mockSource struct{}

type mockStream struct{}

func (mockStream) Tracks() []domain.MediaTrack { return nil }
func (mockStream) Close()                      {}

func (mockSource) Acquire(domain.MediaConstraints) (domain.MediaStream, error) {
	return mockStream{}, nil
}

func startCoordinator(t *testing.T, self string, bus *fakeBus, sessions domain.SessionStore) *call.Coordinator {
	t.Helper()
	connect := func() (domain.PeerConnection, error) { return mockPC{}, nil }
	c := call.New(self, bus, sessions, mockSource{}, connect, call.Options{})
	if err := c.Start(); err != nil {
		t.Fatalf("start coordinator %s: %v", self, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestToggleAudio_FlipsMuteState(t *testing.T) {
	bus := newFakeBus()
	sessions := store.NewMemory()
	alice := startCoordinator(t, "alice", bus, sessions)
	startCoordinator(t, "bob", bus, sessions)

	rec, err := alice.StartCall(context.Background(), "bob", domain.MediaConstraints{Audio: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	surface := NewSurface(alice)

	muted, err := surface.ToggleAudio(rec.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !muted {
		t.Errorf("expected muted after first toggle")
	}

	muted, err = surface.ToggleAudio(rec.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if muted {
		t.Errorf("expected unmuted after second toggle")
	}
}

func TestToggleVideo_WithoutCameraRequiresUserGesture(t *testing.T) {
	bus := newFakeBus()
	sessions := store.NewMemory()
	alice := startCoordinator(t, "alice", bus, sessions)
	startCoordinator(t, "bob", bus, sessions)

	// Audio-only call: there is no camera track to re-enable.
	rec, err := alice.StartCall(context.Background(), "bob", domain.MediaConstraints{Audio: true})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	surface := NewSurface(alice)
	_, err = surface.ToggleVideo(rec.ID)
	if !errors.Is(err, domain.ErrUserGestureRequired) {
		t.Fatalf("expected ErrUserGestureRequired, got %v", err)
	}
}

func TestToggleAudio_UnknownCall(t *testing.T) {
	bus := newFakeBus()
	alice := startCoordinator(t, "alice", bus, store.NewMemory())

	surface := NewSurface(alice)
	_, err := surface.ToggleAudio("no-such-call")
	if !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestHangUp_EndsTheCall(t *testing.T) {
	bus := newFakeBus()
	sessions := store.NewMemory()
	alice := startCoordinator(t, "alice", bus, sessions)
	startCoordinator(t, "bob", bus, sessions)

	rec, err := alice.StartCall(context.Background(), "bob", domain.MediaConstraints{})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	surface := NewSurface(alice)
	if err := surface.HangUp(context.Background(), rec.ID); err != nil {
		t.Fatalf("hang up: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := sessions.Get(context.Background(), rec.ID)
		if err == nil && got.Status == domain.CallEnded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("call never ended")
}

func TestRaiseHand_NeedsLiveChannel(t *testing.T) {
	bus := newFakeBus()
	alice := startCoordinator(t, "alice", bus, store.NewMemory())

	surface := NewSurface(alice)
	if err := surface.RaiseHand(true); err == nil {
		t.Fatal("expected an error outside a live channel")
	}

	reg := presence.NewRegistry("live-1", domain.PresenceEntry{ID: "alice", Role: domain.RoleListener}, bus, presence.Options{})
	if err := reg.Join(); err != nil {
		t.Fatalf("join live channel: %v", err)
	}
	t.Cleanup(reg.Leave)
	surface.AttachPresence(reg)

	if err := surface.RaiseHand(true); err != nil {
		t.Fatalf("raise hand: %v", err)
	}
	roster := reg.Roster()
	if len(roster) != 1 || !roster[0].HandRaised {
		t.Errorf("roster %+v", roster)
	}
}

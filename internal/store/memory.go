package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchardlive/callkit/internal/domain"
)

// Memory is an in-process SessionStore. State is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	calls    map[string]*domain.CallSession
	channels map[string]string // channel → active call id
}

var _ domain.SessionStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		calls:    make(map[string]*domain.CallSession),
		channels: make(map[string]string),
	}
}

func (m *Memory) Create(_ context.Context, s *domain.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, busy := m.channels[s.Channel]; busy {
		return fmt.Errorf("%w: channel %s owned by call %s", domain.ErrChannelBusy, s.Channel, owner)
	}
	cp := *s
	m.calls[s.ID] = &cp
	m.channels[s.Channel] = s.ID
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status domain.CallStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrCallOver, id, s.Status)
	}

	s.Status = status
	s.Reason = reason
	if status.Terminal() {
		s.EndedAt = time.Now().UTC()
		if m.channels[s.Channel] == id {
			delete(m.channels, s.Channel)
		}
	}
	return nil
}

func (m *Memory) ActiveOnChannel(_ context.Context, channel string) (*domain.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.channels[channel]
	if !ok {
		return nil, nil
	}
	s := m.calls[id]
	if s == nil || s.Status.Terminal() {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

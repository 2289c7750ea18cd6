// Package presence tracks who is live in a multi-party broadcast
// channel. Rosters are not centrally authoritative: each client
// reconstructs its own from join/leave broadcasts plus a snapshot
// requested on connect, and converges as events arrive.
package presence

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/orchardlive/callkit/internal/domain"
)

// Options tunes registry timing.
type Options struct {
	// SnapshotWait bounds how long to wait for a roster snapshot
	// before starting empty.
	SnapshotWait time.Duration
	// AnnounceInterval is the self re-announce period; entries silent
	// for three intervals are swept.
	AnnounceInterval time.Duration
}

func (o *Options) fill() {
	if o.SnapshotWait <= 0 {
		o.SnapshotWait = 2 * time.Second
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = 15 * time.Second
	}
}

type rosterEntry struct {
	entry    domain.PresenceEntry
	lastSeen time.Time
}

// Registry maintains the local roster of one live channel.
type Registry struct {
	channel   string
	transport domain.Transport
	opts      Options

	mu          sync.Mutex
	self        domain.PresenceEntry
	roster      map[string]rosterEntry
	gotSnapshot bool
	joined      bool
	listeners   []func([]domain.PresenceEntry)

	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry creates a registry for a channel. self carries this
// participant's identity, role, and initial media flags.
func NewRegistry(channel string, self domain.PresenceEntry, transport domain.Transport, opts Options) *Registry {
	opts.fill()
	return &Registry{
		channel:   channel,
		transport: transport,
		opts:      opts,
		self:      self,
		roster:    make(map[string]rosterEntry),
		done:      make(chan struct{}),
	}
}

// OnRosterChange registers an observer called with the new roster after
// every change. Callbacks run on transport goroutines; don't block.
func (r *Registry) OnRosterChange(fn func([]domain.PresenceEntry)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Join subscribes to the channel, announces this participant, and
// requests a roster snapshot from the incumbents. It never blocks on
// the snapshot: if none arrives within SnapshotWait the roster starts
// with just this participant and self-heals from join events.
func (r *Registry) Join() error {
	if err := r.transport.Join(r.channel, r.handle); err != nil {
		return fmt.Errorf("join live channel: %w", err)
	}

	r.mu.Lock()
	r.self.JoinedAt = time.Now().UTC()
	r.roster[r.self.ID] = rosterEntry{entry: r.self, lastSeen: time.Now()}
	self := r.self
	r.joined = true
	r.mu.Unlock()

	r.publish(domain.MsgJoin, "", self)
	r.publish(domain.MsgSnapshotRequest, "", nil)

	time.AfterFunc(r.opts.SnapshotWait, func() {
		r.mu.Lock()
		got := r.gotSnapshot
		r.mu.Unlock()
		if !got {
			log.Printf("[presence] %s: no snapshot, starting from join events", r.channel)
		}
	})

	go r.announceLoop()

	log.Printf("[presence] %s: joined as %s", r.channel, self.Role)
	return nil
}

// Leave announces departure and unsubscribes. Idempotent.
func (r *Registry) Leave() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		self := r.self
		joined := r.joined
		r.mu.Unlock()
		if joined {
			r.publish(domain.MsgLeave, "", self)
			r.transport.Leave(r.channel)
		}
		log.Printf("[presence] %s: left", r.channel)
	})
}

// Roster returns the current entries ordered by join time.
func (r *Registry) Roster() []domain.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// ViewerCount is the number of listeners, derived from the roster.
func (r *Registry) ViewerCount() int {
	return r.countRole(domain.RoleListener)
}

// HostCount is the number of hosts and co-hosts.
func (r *Registry) HostCount() int {
	return r.countRole(domain.RoleHost) + r.countRole(domain.RoleCoHost)
}

func (r *Registry) countRole(role domain.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, re := range r.roster {
		if re.entry.Role == role {
			n++
		}
	}
	return n
}

// SetAudioOn updates this participant's audio flag and re-announces.
func (r *Registry) SetAudioOn(on bool) { r.updateSelf(func(e *domain.PresenceEntry) { e.AudioOn = on }) }

// SetVideoOn updates this participant's video flag and re-announces.
func (r *Registry) SetVideoOn(on bool) { r.updateSelf(func(e *domain.PresenceEntry) { e.VideoOn = on }) }

// SetHandRaised updates this participant's raised hand and re-announces.
func (r *Registry) SetHandRaised(raised bool) {
	r.updateSelf(func(e *domain.PresenceEntry) { e.HandRaised = raised })
}

func (r *Registry) updateSelf(mutate func(*domain.PresenceEntry)) {
	r.mu.Lock()
	mutate(&r.self)
	r.roster[r.self.ID] = rosterEntry{entry: r.self, lastSeen: time.Now()}
	self := r.self
	roster := r.rosterLocked()
	fns := r.listenersLocked()
	r.mu.Unlock()

	// A join for a participant already present is an update.
	r.publish(domain.MsgJoin, "", self)
	for _, fn := range fns {
		fn(roster)
	}
}

func (r *Registry) handle(env domain.Envelope) {
	if env.From == r.self.ID {
		return
	}
	if env.To != "" && env.To != r.self.ID {
		return
	}

	switch env.Type {
	case domain.MsgJoin:
		var e domain.PresenceEntry
		if err := env.Decode(&e); err != nil {
			log.Printf("[presence] %s: %v", r.channel, err)
			return
		}
		r.upsert(e)

	case domain.MsgLeave:
		var e domain.PresenceEntry
		if err := env.Decode(&e); err != nil {
			log.Printf("[presence] %s: %v", r.channel, err)
			return
		}
		// A leave for an unknown participant is a no-op: duplicate and
		// late deliveries are expected.
		r.remove(e.ID)

	case domain.MsgSnapshotRequest:
		r.answerSnapshotRequest(env.From)

	case domain.MsgSnapshot:
		var snap domain.SnapshotPayload
		if err := env.Decode(&snap); err != nil {
			log.Printf("[presence] %s: %v", r.channel, err)
			return
		}
		r.applySnapshot(snap)
	}
}

func (r *Registry) upsert(e domain.PresenceEntry) {
	r.mu.Lock()
	prev, known := r.roster[e.ID]
	if known && prev.entry.JoinedAt.Before(e.JoinedAt) {
		// Keep the earliest join time across re-announces.
		e.JoinedAt = prev.entry.JoinedAt
	}
	r.roster[e.ID] = rosterEntry{entry: e, lastSeen: time.Now()}
	roster := r.rosterLocked()
	fns := r.listenersLocked()
	r.mu.Unlock()

	if !known {
		log.Printf("[presence] %s: %s joined (%s)", r.channel, e.ID, e.Role)
	}
	for _, fn := range fns {
		fn(roster)
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	if _, ok := r.roster[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.roster, id)
	roster := r.rosterLocked()
	fns := r.listenersLocked()
	r.mu.Unlock()

	log.Printf("[presence] %s: %s left", r.channel, id)
	for _, fn := range fns {
		fn(roster)
	}
}

// answerSnapshotRequest replies with the full roster. Only hosts and
// co-hosts answer, so a crowded channel doesn't produce a reply storm.
func (r *Registry) answerSnapshotRequest(to string) {
	r.mu.Lock()
	role := r.self.Role
	entries := r.rosterLocked()
	r.mu.Unlock()

	if role != domain.RoleHost && role != domain.RoleCoHost {
		return
	}
	r.publish(domain.MsgSnapshot, to, domain.SnapshotPayload{Entries: entries})
}

// applySnapshot merges a roster snapshot. Participants already known
// from direct join events keep their local entry, so a participant who
// both joined and appears in the snapshot is never duplicated and
// never regresses to stale flags.
func (r *Registry) applySnapshot(snap domain.SnapshotPayload) {
	r.mu.Lock()
	r.gotSnapshot = true
	for _, e := range snap.Entries {
		if _, known := r.roster[e.ID]; known {
			continue
		}
		r.roster[e.ID] = rosterEntry{entry: e, lastSeen: time.Now()}
	}
	roster := r.rosterLocked()
	fns := r.listenersLocked()
	r.mu.Unlock()

	log.Printf("[presence] %s: snapshot applied, %d participants", r.channel, len(roster))
	for _, fn := range fns {
		fn(roster)
	}
}

// announceLoop re-announces self and sweeps entries that have gone
// silent for three announce intervals.
func (r *Registry) announceLoop() {
	ticker := time.NewTicker(r.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			self := r.self
			cutoff := time.Now().Add(-3 * r.opts.AnnounceInterval)
			var stale []string
			for id, re := range r.roster {
				if id != self.ID && re.lastSeen.Before(cutoff) {
					stale = append(stale, id)
				}
			}
			r.mu.Unlock()

			r.publish(domain.MsgJoin, "", self)
			for _, id := range stale {
				log.Printf("[presence] %s: sweeping silent participant %s", r.channel, id)
				r.remove(id)
			}
		}
	}
}

func (r *Registry) rosterLocked() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(r.roster))
	for _, re := range r.roster {
		out = append(out, re.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) listenersLocked() []func([]domain.PresenceEntry) {
	fns := make([]func([]domain.PresenceEntry), len(r.listeners))
	copy(fns, r.listeners)
	return fns
}

func (r *Registry) publish(t domain.MessageType, to string, payload any) {
	env, err := domain.NewEnvelope(t, r.self.ID, to, r.channel, payload)
	if err != nil {
		log.Printf("[presence] %s: %v", r.channel, err)
		return
	}
	if err := r.transport.Publish(r.channel, env); err != nil {
		log.Printf("[presence] %s: publish %s: %v", r.channel, t, err)
	}
}

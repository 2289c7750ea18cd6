package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/orchardlive/callkit/internal/call"
	"github.com/orchardlive/callkit/internal/config"
	"github.com/orchardlive/callkit/internal/control"
	"github.com/orchardlive/callkit/internal/domain"
	"github.com/orchardlive/callkit/internal/media"
	"github.com/orchardlive/callkit/internal/presence"
	"github.com/orchardlive/callkit/internal/rtc"
	sigclient "github.com/orchardlive/callkit/internal/signal"
	"github.com/orchardlive/callkit/internal/store"
)

const helpText = `callkit - WebRTC calling and live-channel client

Usage:
  callkit [options]

Connects to the signaling relay, answers incoming call requests, and
optionally places a call or joins a live broadcast channel on startup.

Environment Variables:
  CALLKIT_IDENTITY         Signaling identity (required)
  CALLKIT_SIGNAL_URL       Relay websocket URL (default ws://localhost:8080/ws)
  CALLKIT_ICE_SERVERS      Comma-separated STUN/TURN URLs
  CALLKIT_TURN_USERNAME    TURN username, applied to turn:/turns: entries
  CALLKIT_TURN_CREDENTIAL  TURN credential
  CALLKIT_RING_TIMEOUT     Unanswered ring bound (default 35s)
  CALLKIT_RECONNECT_GRACE  Disconnect recovery bound (default 8s)
  CALLKIT_SNAPSHOT_WAIT    Roster snapshot wait (default 2s)
  CALLKIT_REDIS_ADDR       Redis address; in-memory store when unset
  CALLKIT_REDIS_PASSWORD   Redis password
  CALLKIT_CALL_PEER        Identity to call on startup
  CALLKIT_LIVE_CHANNEL     Live channel to join on startup
  CALLKIT_LIVE_ROLE        Role in the live channel: host, co-host,
                           listener (default listener)
  CALLKIT_AUDIO            Capture microphone: true/false (default true)
  CALLKIT_VIDEO            Capture camera: true/false (default false)

Examples:
  # Wait for calls, auto-accepting with audio
  CALLKIT_IDENTITY=alice callkit

  # Call bob with audio and video
  CALLKIT_IDENTITY=alice CALLKIT_CALL_PEER=bob CALLKIT_VIDEO=true callkit

  # Host a live channel
  CALLKIT_IDENTITY=alice CALLKIT_LIVE_CHANNEL=live-1 CALLKIT_LIVE_ROLE=host callkit

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	// Step 1: Signaling transport
	transport, err := sigclient.Dial(cfg.SignalURL, cfg.Identity)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer transport.Close()

	// Step 2: Call record store
	var sessions domain.SessionStore
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		defer rs.Close()
		sessions = rs
		log.Printf("[main] using redis store at %s", cfg.RedisAddr)
	} else {
		sessions = store.NewMemory()
		log.Printf("[main] using in-memory store")
	}

	// Step 3: Media capture and peer connection factory
	src, err := media.NewSource()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	connect := func() (domain.PeerConnection, error) {
		return rtc.NewPeerConnection(cfg.ICEServers, src.Populate)
	}

	// Step 4: Coordinator
	coord := call.New(cfg.Identity, transport, sessions, src, connect, call.Options{
		RingTimeout:    cfg.RingTimeout,
		ReconnectGrace: cfg.ReconnectGrace,
	})
	surface := control.NewSurface(coord)

	constraints := domain.MediaConstraints{
		Audio: getBool("CALLKIT_AUDIO", true),
		Video: getBool("CALLKIT_VIDEO", false),
	}

	coord.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("[main] incoming call %s from %s (video=%v), accepting", ic.CallID, ic.From, ic.Video)
		if _, err := ic.Accept(ctx, constraints); err != nil {
			log.Printf("[main] accept: %v", err)
		}
	})
	coord.OnCallEnded(func(callID string, status domain.CallStatus, reason string) {
		log.Printf("[main] call %s: %s (%s)", callID, status, reason)
	})
	coord.OnInvite(func(inv domain.InvitePayload, from string) {
		log.Printf("[main] %s invited us to %s as %s", from, inv.Channel, inv.Role)
	})

	if err := coord.Start(); err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer coord.Close()

	// Step 5: Optional startup actions
	if peer := os.Getenv("CALLKIT_CALL_PEER"); peer != "" {
		rec, err := coord.StartCall(ctx, peer, constraints)
		if err != nil {
			log.Fatalf("[main] call %s: %v", peer, err)
		}
		log.Printf("[main] calling %s (call %s)", peer, rec.ID)
	}

	if channel := os.Getenv("CALLKIT_LIVE_CHANNEL"); channel != "" {
		reg := presence.NewRegistry(channel, domain.PresenceEntry{
			ID:      cfg.Identity,
			Role:    liveRole(),
			AudioOn: constraints.Audio,
			VideoOn: constraints.Video,
		}, transport, presence.Options{SnapshotWait: cfg.SnapshotWait})
		reg.OnRosterChange(func(entries []domain.PresenceEntry) {
			log.Printf("[main] %s: %d participants, %d viewers", channel, len(entries), reg.ViewerCount())
		})
		if err := reg.Join(); err != nil {
			log.Fatalf("[main] %v", err)
		}
		defer reg.Leave()
		surface.AttachPresence(reg)
	}

	<-ctx.Done()
	log.Printf("[main] done")
}

func liveRole() domain.Role {
	switch os.Getenv("CALLKIT_LIVE_ROLE") {
	case "host":
		return domain.RoleHost
	case "co-host":
		return domain.RoleCoHost
	default:
		return domain.RoleListener
	}
}

func getBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

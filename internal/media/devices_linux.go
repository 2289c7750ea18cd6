//go:build linux && cgo

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"

	"github.com/orchardlive/callkit/internal/domain"
)

// Source captures camera/microphone media through pion/mediadevices
// (V4L2 + malgo on Linux).
type Source struct {
	codec *mediadevices.CodecSelector
}

var _ domain.MediaSource = (*Source)(nil)

// NewSource builds a Source with VP8 and Opus encoders.
func NewSource() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Source{
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the selector's codecs on a media engine. Call
// before building the peer connection that will carry these tracks.
func (s *Source) Populate(engine *pion.MediaEngine) {
	s.codec.Populate(engine)
}

// Acquire opens the requested capture devices. GetUserMedia fails as a
// unit if either requested kind can't be opened, so when both are
// requested the degraded combinations are tried before giving up: a
// busy microphone should not prevent the camera from working.
func (s *Source) Acquire(c domain.MediaConstraints) (domain.MediaStream, error) {
	if !c.Audio && !c.Video {
		return &localStream{}, nil
	}

	attempts := []domain.MediaConstraints{c}
	if c.Audio && c.Video {
		attempts = append(attempts,
			domain.MediaConstraints{Video: true},
			domain.MediaConstraints{Audio: true},
		)
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: s.codec}
		if a.Video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG node with
				// malformed frames that poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.Audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("[media] capture attempt (audio=%v video=%v) failed: %v", a.Audio, a.Video, err)
			lastErr = err
			continue
		}
		return wrapStream(stream), nil
	}

	return nil, fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, lastErr)
}

func wrapStream(stream mediadevices.MediaStream) *localStream {
	out := &localStream{}
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("[media] local track ended: %v", err)
			}
		})
		kind := domain.TrackAudio
		if track.Kind() == pion.RTPCodecTypeVideo {
			kind = domain.TrackVideo
		}
		out.tracks = append(out.tracks, &localTrack{
			kind: kind,
			rtp:  track,
			stop: func() { _ = track.Close() },
		})
	}
	log.Printf("[media] captured %d local tracks", len(out.tracks))
	return out
}

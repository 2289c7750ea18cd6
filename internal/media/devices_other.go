//go:build !(linux && cgo)

package media

import (
	"errors"

	pion "github.com/pion/webrtc/v4"

	"github.com/orchardlive/callkit/internal/domain"
)

// Source is a stub on platforms without a capture driver in this build.
type Source struct{}

var _ domain.MediaSource = (*Source)(nil)

func NewSource() (*Source, error) { return &Source{}, nil }

func (s *Source) Populate(engine *pion.MediaEngine) {}

// Acquire succeeds only for the empty (receive-only) constraint set.
func (s *Source) Acquire(c domain.MediaConstraints) (domain.MediaStream, error) {
	if !c.Audio && !c.Video {
		return &localStream{}, nil
	}
	return nil, errors.New("local media capture is not supported on this platform")
}

//go:build linux && cgo

package media

import (
	"context"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures from the local camera and microphone via
// pion/mediadevices (V4L2 + malgo on Linux), encoding VP8 + Opus.
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
}

// NewDeviceSource builds the codec selector shared by capture and by the
// peer connection's media engine.
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the capture codecs on a WebRTC media engine so
// the acquired tracks can be attached to a peer connection built from it.
func (d *DeviceSource) PopulateEngine(me *webrtc.MediaEngine) error {
	d.codecs.Populate(me)
	return nil
}

// Acquire opens camera and microphone. Any failure is classified and
// reported; there is no internal fallback chain — the caller decides whether
// a retry makes sense.
func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.codecs,
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed frames and poisons the VP8 encoder.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mtc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mtc.Height = prop.IntRanged{Max: c.Height}
			}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Printf("MEDIA: GetUserMedia failed: %v", err)
		return nil, classifyAcquireError(err)
	}

	raw := stream.GetTracks()
	tracks := make([]Track, 0, len(raw))
	for _, t := range raw {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		tracks = append(tracks, &deviceTrack{t: t, enabled: true})
	}

	log.Printf("MEDIA: captured %d local tracks", len(tracks))
	return NewStream(tracks...), nil
}

// deviceTrack adapts a mediadevices track to the Track interface. The
// enabled flag is observational only; mediadevices has no per-track pause,
// so mute is surfaced to the caller and the remote UI rather than enforced
// at the encoder.
// TODO: stop packets on mute without renegotiation by swapping the sender's
// track for nil via RTPSender.ReplaceTrack, once the sender handle is
// plumbed back from the peer connection.
type deviceTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func (d *deviceTrack) Kind() webrtc.RTPCodecType {
	return d.t.Kind()
}

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

func (d *deviceTrack) Local() webrtc.TrackLocal {
	return d.t
}

func (d *deviceTrack) Close() error {
	return d.t.Close()
}

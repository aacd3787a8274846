//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DeviceSource is only wired to real capture hardware on Linux.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (d *DeviceSource) PopulateEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	return nil, fmt.Errorf("%w: device capture not supported on this platform", ErrDeviceUnavailable)
}

package pipeline

import "errors"

var (
	// ErrDeviceUnavailable is returned when a device cannot be opened
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrReadTimeout is returned when a read exceeds the configured timeout
	ErrReadTimeout = errors.New("read timeout")
	// ErrDeviceDisconnected is returned when an open device stops producing data
	ErrDeviceDisconnected = errors.New("device disconnected")
	// ErrFrameGap reports that frames were evicted before they were analyzed
	ErrFrameGap = errors.New("frame gap")
	// ErrMalformedFrame is returned for frames that cannot be decoded or analyzed
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrOutOfOrder is returned when a frame does not advance the sequence
	ErrOutOfOrder = errors.New("frame out of order")
	// ErrUnknownSource is returned for source ids that are not configured
	ErrUnknownSource = errors.New("unknown source")
	// ErrUnknownDriver is returned when no driver is registered under a name
	ErrUnknownDriver = errors.New("unknown driver")
	// ErrSourceFailed is returned when a Failed source is started instead of
	// restarted
	ErrSourceFailed = errors.New("source failed, restart required")
)

// IsDeviceError reports whether err is a device failure the supervisor
// handles by backing off and reopening
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrReadTimeout) ||
		errors.Is(err, ErrDeviceDisconnected)
}

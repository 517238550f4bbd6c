//go:build !linux || novaapi

package hwdec

import "fmt"

// VADevice is not available in this build.
type VADevice struct {
	Device
	VideoProcessor
}

// OpenVAAPI reports ErrUnsupported in this build.
func OpenVAAPI(path string) (*VADevice, error) {
	return nil, fmt.Errorf("vaapi: %w", ErrUnsupported)
}

// IsVAAPIAvailable reports whether libva could be loaded.
func IsVAAPIAvailable() bool { return false }

// Close is a no-op.
func (d *VADevice) Close() error { return nil }

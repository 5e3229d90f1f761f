//go:build !linux

package tun

import "time"

// Device is unavailable on this platform.
type Device struct{}

func Open(Config) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Name() string { return "" }

func (d *Device) ReadPacket([]byte, time.Duration) (int, error) { return 0, ErrUnsupported }

func (d *Device) WritePacket([]byte) error { return ErrUnsupported }

func (d *Device) Interrupt() error { return ErrUnsupported }

func (d *Device) Close() error { return nil }

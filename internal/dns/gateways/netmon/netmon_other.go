//go:build !linux

package netmon

func defaultSource() (Source, error) { return nil, ErrUnsupported }

package parsers

import (
	"errors"
	"strings"
	"testing"

	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanHosts_EmitsParsedHosts(t *testing.T) {
	input := "\uFEFF# header\n0.0.0.0 a.example\n\nB.example\n0.0.0.0 bad line\n::1 c.example # trailing\n"
	var got []string
	n, err := ScanHosts(strings.NewReader(input), "test", log.NewNoopLogger(), func(h string) error {
		got = append(got, h)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, got)
}

func TestScanHosts_BOMStrippedFromFirstLine(t *testing.T) {
	var got []string
	_, err := ScanHosts(strings.NewReader("\uFEFFfirst.example\n"), "test", log.NewNoopLogger(), func(h string) error {
		got = append(got, h)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first.example"}, got)
}

func TestScanHosts_StopsOnEmitError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	n, err := ScanHosts(strings.NewReader("a.example\nb.example\nc.example\n"), "test", log.NewNoopLogger(), func(string) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestScanHosts_LineTooLong(t *testing.T) {
	long := strings.Repeat("a", maxLineSize+10)
	_, err := ScanHosts(strings.NewReader(long), "test", log.NewNoopLogger(), func(string) error { return nil })
	assert.Error(t, err)
}

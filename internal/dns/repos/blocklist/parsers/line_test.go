package parsers

import (
	"testing"

	"github.com/haukened/tunblock/internal/dns/common/utils"
	"github.com/stretchr/testify/assert"
)

func TestParseLine_Valid(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"bare host", "example.com", "example.com"},
		{"uppercase folded", "Ads.Example.COM", "ads.example.com"},
		{"localhost v4", "127.0.0.1 tracker.example", "tracker.example"},
		{"zero address", "0.0.0.0 tracker.example", "tracker.example"},
		{"loopback v6", "::1 tracker.example", "tracker.example"},
		{"tab separated", "0.0.0.0\ttracker.example", "tracker.example"},
		{"many spaces", "0.0.0.0     tracker.example", "tracker.example"},
		{"trailing comment", "0.0.0.0 tracker.example # ads", "tracker.example"},
		{"trailing whitespace", "tracker.example \t\r", "tracker.example"},
		{"comment glued to host", "tracker.example#ads", "tracker.example"},
		{"non-ascii kept as is", "BÜCHER.example", "bÜcher.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine_Rejected(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"whitespace only", "   \t"},
		{"comment only", "# just a comment"},
		{"indented comment", "    # indented"},
		{"multiple hosts", "0.0.0.0 a.example b.example"},
		{"two bare words", "a.example b.example"},
		{"other address", "10.0.0.1 a.example"},
		{"leading whitespace", "  a.example"},
		{"address alone", "0.0.0.0"},
		{"address with trailing space only", "127.0.0.1   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			assert.False(t, ok)
			assert.Empty(t, got)
		})
	}
}

func TestParseLine_AddressNeedsWhitespace(t *testing.T) {
	// without whitespace the prefix is part of the name
	got, ok := ParseLine("0.0.0.0.example")
	assert.True(t, ok)
	assert.Equal(t, "0.0.0.0.example", got)
}

func TestParseLine_RoundTrip(t *testing.T) {
	hosts := []string{"Example.com", "ads.tracker.NET", "x"}
	for _, h := range hosts {
		for _, form := range []string{h, "127.0.0.1 " + h, "0.0.0.0 " + h, "::1 " + h} {
			got, ok := ParseLine(form)
			assert.True(t, ok, form)
			assert.Equal(t, utils.ASCIILower(h), got, form)
		}
	}
}

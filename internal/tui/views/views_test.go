package views

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCellText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "hello", 0, "hello"},
		{"newlines folded", "a\nb\r\n\tc", 0, "a b c"},
		{"skin tone stripped", "ok 👍🏻", 0, "ok 👍"},
		{"truncated", "abcdefgh", 5, "abcd…"},
		{"short enough", "abc", 5, "abc"},
		{"tags escaped", "[red]x", 0, "[red[]x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, cellText(tt.in, tt.max), tt.want)
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.Local)
	assert.Equal(t, formatTimestamp(time.Time{}, now), "")
	assert.Equal(t, formatTimestamp(now.Add(-2*time.Hour), now), "16:00")
	assert.Equal(t, formatTimestamp(now.AddDate(0, 0, -3), now), "03/11")
}

func TestContainsFold(t *testing.T) {
	assert.Equal(t, containsFold("Hello World", "wor"), true)
	assert.Equal(t, containsFold("Hello", "xyz"), false)
	assert.Equal(t, containsFold("anything", ""), true)
}

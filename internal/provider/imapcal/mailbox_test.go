package imapcal

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   Cursor
		wantOK bool
	}{
		{"empty starts over", "", Cursor{}, true},
		{"validity and uid", "1700000000:42", Cursor{Validity: 1700000000, UID: 42}, true},
		{"missing separator", "42", Cursor{}, false},
		{"non numeric uid", "7:abc", Cursor{}, false},
		{"overflowing validity", "99999999999:1", Cursor{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCursor(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{Validity: 3, UID: 1200}
	parsed, ok := ParseCursor(c.String())
	assert.True(t, ok)
	assert.Equal(t, c, parsed)
}

func TestCursor_ResumeResetsOnValidityChange(t *testing.T) {
	c := Cursor{Validity: 5, UID: 90}

	last, reset := c.resume(5)
	assert.Equal(t, imap.UID(90), last)
	assert.False(t, reset)

	last, reset = c.resume(6)
	assert.Equal(t, imap.UID(0), last)
	assert.True(t, reset)

	// a first sync is not a reset
	last, reset = Cursor{}.resume(6)
	assert.Equal(t, imap.UID(0), last)
	assert.False(t, reset)
}

func TestNewerThan(t *testing.T) {
	// "91:*" still matches UID 90 when it is the highest in the mailbox
	assert.Empty(t, newerThan([]imap.UID{90}, 90, 10))

	assert.Equal(t, []imap.UID{91, 95, 120}, newerThan([]imap.UID{120, 91, 95, 12}, 90, 0))
	assert.Equal(t, []imap.UID{91, 95}, newerThan([]imap.UID{120, 91, 95}, 90, 2))
}

func TestProviderID(t *testing.T) {
	assert.Equal(t, "msgid:abc@example.com", providerID("abc@example.com", 7, 12))
	assert.Equal(t, "uid:7:12", providerID("", 7, 12))
}

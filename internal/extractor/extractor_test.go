package extractor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inviteflow/internal/model"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	// Fixtures are stored with LF endings; MIME expects CRLF.
	return []byte(strings.ReplaceAll(string(data), "\n", "\r\n"))
}

func TestParseMessage_InlineCalendar(t *testing.T) {
	parsed, err := ParseMessage(readFixture(t, "invite.eml"))
	require.NoError(t, err)

	assert.Equal(t, "abc123@corp.com", parsed.MessageID)
	assert.Equal(t, "boss@corp.com", parsed.From)
	assert.Equal(t, []string{"me@corp.com", "other@corp.com"}, parsed.To)
	assert.Equal(t, "Invitation: 1:1 Sync", parsed.Subject)
	assert.Contains(t, parsed.Body, "invited")
	assert.NotContains(t, parsed.Body, "<b>")
	require.NotNil(t, parsed.Calendar)
	assert.Contains(t, string(parsed.Calendar), "BEGIN:VEVENT")
}

func TestParseMessage_IcsAttachment(t *testing.T) {
	parsed, err := ParseMessage(readFixture(t, "attachment.eml"))
	require.NoError(t, err)

	assert.Equal(t, "See attached.", parsed.Body)
	require.NotNil(t, parsed.Calendar)
	assert.Contains(t, string(parsed.Calendar), "offsite@corp.com")
}

func TestParseMessage_NoCalendar(t *testing.T) {
	parsed, err := ParseMessage(readFixture(t, "plain.eml"))
	require.NoError(t, err)
	assert.Nil(t, parsed.Calendar)
	assert.Equal(t, "Want to grab lunch?", parsed.Body)
}

func TestParseMessage_UnknownTopLevelEncoding(t *testing.T) {
	raw := []byte("From: a@example.com\r\nSubject: hi\r\nContent-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: x-bogus\r\n\r\nbody\r\n")

	var err error
	assert.NotPanics(t, func() { _, err = ParseMessage(raw) })
	assert.ErrorIs(t, err, model.ErrParse)
}

func TestParseMessage_UnknownTopLevelCharset(t *testing.T) {
	raw := []byte("From: a@example.com\r\nSubject: hi\r\nMessage-ID: <cs@example.com>\r\n" +
		"Content-Type: text/plain; charset=x-no-such-charset\r\n\r\nbody\r\n")

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "cs@example.com", parsed.MessageID)
	assert.Equal(t, "hi", parsed.Subject)
}

func TestExtract_RequestFields(t *testing.T) {
	parsed, err := ParseMessage(readFixture(t, "invite.eml"))
	require.NoError(t, err)

	inv, err := Extract(parsed.Calendar)
	require.NoError(t, err)
	require.NotNil(t, inv)

	assert.Equal(t, "evt-1@corp.com", inv.UID)
	assert.Equal(t, "REQUEST", inv.Method)
	assert.Equal(t, 2, inv.Sequence)
	assert.Equal(t, "boss@corp.com", inv.Organizer)
	assert.Equal(t, "Boss", inv.OrganizerName)
	assert.Equal(t, "1:1 Sync", inv.Summary)
	assert.Equal(t, "Room 4", inv.Location)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), inv.Start)
	assert.Equal(t, 30, inv.DurationMinutes())
	assert.Equal(t, 2, inv.AttendeeCount)
	assert.False(t, inv.Responded)
}

func TestExtract_DurationInsteadOfEnd(t *testing.T) {
	parsed, err := ParseMessage(readFixture(t, "attachment.eml"))
	require.NoError(t, err)

	inv, err := Extract(parsed.Calendar)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, time.Saturday, inv.Start.Weekday())
	assert.Equal(t, 60, inv.DurationMinutes())
}

func TestExtract_NoEvent(t *testing.T) {
	payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//EN\r\nBEGIN:VTODO\r\nUID:t1\r\nDTSTAMP:20240101T000000Z\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"
	inv, err := Extract([]byte(payload))
	assert.NoError(t, err)
	assert.Nil(t, inv)
}

func TestExtract_Malformed(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":        "",
		"garbage":      "this is not a calendar",
		"unterminated": "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:x\r\n",
		"no start":     "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//EN\r\nBEGIN:VEVENT\r\nUID:x\r\nDTSTAMP:20240101T000000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			inv, err := Extract([]byte(payload))
			assert.Nil(t, inv)
			assert.ErrorIs(t, err, model.ErrParse)
		})
	}
}

func TestIsCalendarPart(t *testing.T) {
	assert.True(t, isCalendarPart("text/calendar", ""))
	assert.True(t, isCalendarPart("application/ics", ""))
	assert.True(t, isCalendarPart("application/octet-stream", "Invite.ICS"))
	assert.False(t, isCalendarPart("text/plain", "notes.txt"))
}

package imapcal

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inviteflow/internal/model"
)

func sampleInvite() *model.Invite {
	return &model.Invite{
		ID:            7,
		UID:           "evt-123@example.com",
		Sequence:      2,
		Organizer:     "carol@example.com",
		OrganizerName: "Carol",
		Summary:       "Quarterly planning",
		Location:      "Room 4",
		Start:         time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		End:           time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
	}
}

// replyParts returns the subject, text body and decoded calendar of a reply.
func replyParts(t *testing.T, raw []byte) (string, string, *ical.Calendar) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer mr.Close()

	subject, err := mr.Header.Subject()
	require.NoError(t, err)

	var text string
	var cal *ical.Calendar
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := part.Header.(*mail.InlineHeader)
		require.True(t, ok)
		contentType, params, err := h.ContentType()
		require.NoError(t, err)

		switch contentType {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			text = string(body)
		case "text/calendar":
			assert.Equal(t, "REPLY", params["method"])
			cal, err = ical.NewDecoder(part.Body).Decode()
			require.NoError(t, err)
		}
	}
	require.NotNil(t, cal, "reply has no calendar part")
	return subject, text, cal
}

func TestReply_Build(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	raw, err := Reply{
		Attendee: "me@example.com",
		Invite:   sampleInvite(),
		Status:   model.ResponseDeclined,
		Comment:  "I have a conflicting commitment at this time.",
		Now:      now,
	}.Build()
	require.NoError(t, err)

	subject, text, cal := replyParts(t, raw)
	assert.Equal(t, "Declined: Quarterly planning", subject)
	assert.Contains(t, text, "conflicting commitment")

	method, err := cal.Props.Text(ical.PropMethod)
	require.NoError(t, err)
	assert.Equal(t, "REPLY", method)

	events := cal.Events()
	require.Len(t, events, 1)
	ev := events[0]

	uid, _ := ev.Props.Text(ical.PropUID)
	assert.Equal(t, "evt-123@example.com", uid)
	seq, err := ev.Props.Get(ical.PropSequence).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	attendee := ev.Props.Get(ical.PropAttendee)
	require.NotNil(t, attendee)
	assert.Equal(t, "mailto:me@example.com", attendee.Value)
	assert.Equal(t, "DECLINED", attendee.Params.Get(ical.ParamParticipationStatus))

	organizer := ev.Props.Get(ical.PropOrganizer)
	require.NotNil(t, organizer)
	assert.Equal(t, "mailto:carol@example.com", organizer.Value)

	start, err := ev.DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(sampleInvite().Start))
}

func TestReply_BuildStatuses(t *testing.T) {
	for status, want := range map[model.ResponseStatus]string{
		model.ResponseAccepted:  "ACCEPTED",
		model.ResponseTentative: "TENTATIVE",
	} {
		raw, err := Reply{Attendee: "me@example.com", Invite: sampleInvite(), Status: status, Now: time.Now()}.Build()
		require.NoError(t, err)

		subject, _, cal := replyParts(t, raw)
		assert.True(t, strings.HasPrefix(subject, subjectPrefixes[status]+":"))
		assert.Equal(t, want, cal.Events()[0].Props.Get(ical.PropAttendee).Params.Get(ical.ParamParticipationStatus))
	}
}

func TestReply_BuildRejectsIncompleteInvite(t *testing.T) {
	inv := sampleInvite()
	inv.Organizer = ""
	_, err := Reply{Attendee: "me@example.com", Invite: inv, Status: model.ResponseAccepted, Now: time.Now()}.Build()
	assert.ErrorIs(t, err, model.ErrParse)

	_, err = Reply{Attendee: "me@example.com", Invite: sampleInvite(), Status: "maybe", Now: time.Now()}.Build()
	assert.Error(t, err)
}

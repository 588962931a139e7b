package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"inviteflow/internal/model"
)

// Extract maps the first VEVENT of payload to an Invite. It returns nil, nil
// when the calendar has no event, and an error wrapping model.ErrParse when
// the payload cannot be parsed. User, account and message ids are left to
// the caller.
func Extract(payload []byte) (*model.Invite, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty calendar payload", model.ErrParse)
		}
		return nil, fmt.Errorf("%w: decoding calendar: %w", model.ErrParse, err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return nil, nil
	}
	ev := events[0]

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: DTSTART: %w", model.ErrParse, err)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: event has no DTSTART", model.ErrParse)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: DTEND: %w", model.ErrParse, err)
	}
	if end.IsZero() || end.Before(start) {
		end = start
	}

	method, _ := cal.Props.Text(ical.PropMethod)
	uid, _ := ev.Props.Text(ical.PropUID)
	summary, _ := ev.Props.Text(ical.PropSummary)
	location, _ := ev.Props.Text(ical.PropLocation)

	inv := &model.Invite{
		UID:           uid,
		Method:        strings.ToUpper(method),
		Summary:       summary,
		Location:      location,
		Start:         start.UTC(),
		End:           end.UTC(),
		AttendeeCount: len(ev.Props.Values(ical.PropAttendee)),
		RawPayload:    string(payload),
	}

	if seq := ev.Props.Get(ical.PropSequence); seq != nil {
		if n, err := seq.Int(); err == nil {
			inv.Sequence = n
		}
	}
	if org := ev.Props.Get(ical.PropOrganizer); org != nil {
		inv.Organizer = addressOf(org.Value)
		inv.OrganizerName = org.Params.Get(ical.ParamCommonName)
	}

	return inv, nil
}

// addressOf strips the mailto: scheme from a CAL-ADDRESS value.
func addressOf(calAddress string) string {
	addr := strings.TrimSpace(calAddress)
	if len(addr) >= len("mailto:") && strings.EqualFold(addr[:len("mailto:")], "mailto:") {
		addr = addr[len("mailto:"):]
	}
	return strings.ToLower(addr)
}

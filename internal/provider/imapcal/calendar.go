package imapcal

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
)

func (s *session) CalendarEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	if s.dav == nil {
		return nil, provider.ErrUnsupported
	}
	calendarPath, err := s.calendar(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start, End: end}},
		},
	}
	objects, err := s.dav.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", calendarPath, err)
	}

	var events []model.CalendarEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		evs, err := EventsFromCalendar(obj.Data, s.adapter.account.Email, start, end)
		if err != nil {
			s.adapter.logger.Warn("Skipping unreadable calendar object", zap.String("path", obj.Path), zap.Error(err))
			continue
		}
		events = append(events, evs...)
	}
	return events, nil
}

// AddEvent stores inv on the account calendar with the account's own
// participation status.
func (s *session) AddEvent(ctx context.Context, inv *model.Invite, status model.ResponseStatus) error {
	if s.dav == nil {
		return provider.ErrUnsupported
	}
	calendarPath, err := s.calendar(ctx)
	if err != nil {
		return err
	}

	cal, err := EventCalendar(inv, s.adapter.account.Email, status, s.adapter.now())
	if err != nil {
		return err
	}
	objectPath := path.Join(calendarPath, url.PathEscape(inv.UID)+".ics")
	if _, err := s.dav.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return fmt.Errorf("writing %s: %w", objectPath, err)
	}
	return nil
}

// calendar returns the configured calendar path, discovering the first
// event calendar of the current principal when none is set.
func (s *session) calendar(ctx context.Context) (string, error) {
	if s.calendarPath != "" {
		return s.calendarPath, nil
	}

	principal, err := s.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("finding principal: %w", err)
	}
	home, err := s.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("finding calendar home of %s: %w", principal, err)
	}
	calendars, err := s.dav.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("listing calendars in %s: %w", home, err)
	}
	for _, c := range calendars {
		if len(c.SupportedComponentSet) == 0 || slices.Contains(c.SupportedComponentSet, ical.CompEvent) {
			s.calendarPath = c.Path
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("%w: no event calendar under %s", model.ErrConfiguration, home)
}

// EventsFromCalendar maps the VEVENTs of cal to calendar events, reading
// self's participation status from the matching ATTENDEE. Recurring masters
// are expanded to the occurrences that overlap [start, end); instances
// overridden by a RECURRENCE-ID component are taken from the override. A zero
// window maps masters as stored.
func EventsFromCalendar(cal *ical.Calendar, self string, start, end time.Time) ([]model.CalendarEvent, error) {
	overridden := make(map[string]map[int64]bool)
	for _, ev := range cal.Events() {
		if ev.Props.Get(ical.PropRecurrenceID) == nil {
			continue
		}
		rid, err := ev.Props.DateTime(ical.PropRecurrenceID, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: RECURRENCE-ID: %w", model.ErrParse, err)
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		if overridden[uid] == nil {
			overridden[uid] = make(map[int64]bool)
		}
		overridden[uid][rid.Unix()] = true
	}

	expand := !start.IsZero() && end.After(start)
	var out []model.CalendarEvent
	for _, ev := range cal.Events() {
		base, err := eventFromComponent(ev, self)
		if err != nil {
			return nil, err
		}
		if !expand || ev.Props.Get(ical.PropRecurrenceID) != nil {
			out = append(out, base)
			continue
		}

		set, err := ev.RecurrenceSet(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: RRULE: %w", model.ErrParse, err)
		}
		if set == nil {
			out = append(out, base)
			continue
		}

		length := base.End.Sub(base.Start)
		for _, occ := range set.Between(start.Add(-length), end, true) {
			occ = occ.UTC()
			if overridden[base.UID][occ.Unix()] {
				continue
			}
			instance := base
			instance.Start = occ
			instance.End = occ.Add(length)
			out = append(out, instance)
		}
	}
	return out, nil
}

func eventFromComponent(ev ical.Event, self string) (model.CalendarEvent, error) {
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("%w: DTSTART: %w", model.ErrParse, err)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("%w: DTEND: %w", model.ErrParse, err)
	}
	if end.IsZero() || !end.After(start) {
		if isDate(ev.Props.Get(ical.PropDateTimeStart)) {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}

	uid, _ := ev.Props.Text(ical.PropUID)
	summary, _ := ev.Props.Text(ical.PropSummary)
	status, _ := ev.Props.Text(ical.PropStatus)

	return model.CalendarEvent{
		UID:            uid,
		Summary:        summary,
		Start:          start.UTC(),
		End:            end.UTC(),
		ResponseStatus: ownStatus(ev.Props.Values(ical.PropAttendee), self),
		Cancelled:      strings.EqualFold(status, "CANCELLED"),
	}, nil
}

func isDate(prop *ical.Prop) bool {
	return prop != nil && prop.ValueType() == ical.ValueDate
}

func ownStatus(attendees []ical.Prop, self string) model.ResponseStatus {
	for _, a := range attendees {
		if !strings.EqualFold(strings.TrimPrefix(strings.ToLower(a.Value), "mailto:"), self) {
			continue
		}
		for status, partstat := range partstats {
			if strings.EqualFold(a.Params.Get(ical.ParamParticipationStatus), partstat) {
				return status
			}
		}
		return ""
	}
	return ""
}

// EventCalendar renders inv as a stored calendar object (no iTIP method).
func EventCalendar(inv *model.Invite, self string, status model.ResponseStatus, now time.Time) (*ical.Calendar, error) {
	partstat, ok := partstats[status]
	if !ok {
		return nil, fmt.Errorf("invalid response status %q", status)
	}
	if inv.UID == "" {
		return nil, fmt.Errorf("%w: invite %d has no UID", model.ErrParse, inv.ID)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, inv.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, inv.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, inv.End.UTC())
	if inv.Summary != "" {
		event.Props.SetText(ical.PropSummary, inv.Summary)
	}
	if inv.Location != "" {
		event.Props.SetText(ical.PropLocation, inv.Location)
	}
	if status == model.ResponseTentative {
		event.Props.SetText(ical.PropStatus, "TENTATIVE")
	} else {
		event.Props.SetText(ical.PropStatus, "CONFIRMED")
	}

	if inv.Organizer != "" {
		organizer := ical.NewProp(ical.PropOrganizer)
		organizer.Value = "mailto:" + inv.Organizer
		if inv.OrganizerName != "" {
			organizer.Params.Set(ical.ParamCommonName, inv.OrganizerName)
		}
		event.Props.Set(organizer)
	}
	attendee := ical.NewProp(ical.PropAttendee)
	attendee.Value = "mailto:" + self
	attendee.Params.Set(ical.ParamParticipationStatus, partstat)
	event.Props.Set(attendee)

	cal.Children = append(cal.Children, event.Component)
	return cal, nil
}

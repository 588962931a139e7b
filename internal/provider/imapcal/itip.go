package imapcal

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
)

const productID = "-//inviteflow//RSVP//EN"

var partstats = map[model.ResponseStatus]string{
	model.ResponseAccepted:  "ACCEPTED",
	model.ResponseDeclined:  "DECLINED",
	model.ResponseTentative: "TENTATIVE",
}

var subjectPrefixes = map[model.ResponseStatus]string{
	model.ResponseAccepted:  "Accepted",
	model.ResponseDeclined:  "Declined",
	model.ResponseTentative: "Tentative",
}

// Reply is an iTIP REPLY from attendee to the organizer of inv.
type Reply struct {
	Attendee string
	Invite   *model.Invite
	Status   model.ResponseStatus
	Comment  string
	Now      time.Time
}

// Build renders the reply as a multipart/alternative message with a
// text/calendar; method=REPLY part.
func (r Reply) Build() ([]byte, error) {
	inv := r.Invite
	partstat, ok := partstats[r.Status]
	if !ok {
		return nil, fmt.Errorf("invalid response status %q", r.Status)
	}
	if inv.UID == "" || inv.Organizer == "" {
		return nil, fmt.Errorf("%w: invite %d has no UID or organizer", model.ErrParse, inv.ID)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropMethod, "REPLY")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, inv.UID)
	event.Props.SetText(ical.PropSequence, strconv.Itoa(inv.Sequence))
	event.Props.SetDateTime(ical.PropDateTimeStamp, r.Now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, inv.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, inv.End.UTC())
	if inv.Summary != "" {
		event.Props.SetText(ical.PropSummary, inv.Summary)
	}
	if r.Comment != "" {
		event.Props.SetText(ical.PropComment, r.Comment)
	}

	organizer := ical.NewProp(ical.PropOrganizer)
	organizer.Value = "mailto:" + inv.Organizer
	if inv.OrganizerName != "" {
		organizer.Params.Set(ical.ParamCommonName, inv.OrganizerName)
	}
	event.Props.Set(organizer)

	attendee := ical.NewProp(ical.PropAttendee)
	attendee.Value = "mailto:" + r.Attendee
	attendee.Params.Set(ical.ParamParticipationStatus, partstat)
	event.Props.Set(attendee)

	cal.Children = append(cal.Children, event.Component)

	var calBuf bytes.Buffer
	if err := ical.NewEncoder(&calBuf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encoding REPLY for %s: %w", inv.UID, err)
	}

	var h mail.Header
	h.SetDate(r.Now)
	h.SetAddressList("From", []*mail.Address{{Address: r.Attendee}})
	h.SetAddressList("To", []*mail.Address{{Name: inv.OrganizerName, Address: inv.Organizer}})
	h.SetSubject(subjectPrefixes[r.Status] + ": " + inv.Summary)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating Message-Id: %w", err)
	}

	var out bytes.Buffer
	mw, err := mail.CreateWriter(&out, h)
	if err != nil {
		return nil, fmt.Errorf("creating reply message: %w", err)
	}
	alt, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating reply body: %w", err)
	}

	text := fmt.Sprintf("%s has %s the invitation %q.", r.Attendee, r.Status, inv.Summary)
	if r.Comment != "" {
		text += "\n\n" + r.Comment
	}
	if err := writePart(alt, "text/plain", nil, []byte(text+"\n")); err != nil {
		return nil, err
	}
	if err := writePart(alt, "text/calendar", map[string]string{"method": "REPLY"}, calBuf.Bytes()); err != nil {
		return nil, err
	}

	if err := alt.Close(); err != nil {
		return nil, fmt.Errorf("closing reply body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing reply message: %w", err)
	}
	return out.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType string, params map[string]string, body []byte) error {
	if params == nil {
		params = map[string]string{}
	}
	params["charset"] = "utf-8"

	var h mail.InlineHeader
	h.SetContentType(contentType, params)
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := pw.Write(body); err != nil {
		_ = pw.Close()
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return pw.Close()
}

// RespondToInvite mails an iTIP REPLY to the organizer.
func (s *session) RespondToInvite(ctx context.Context, inv *model.Invite, status model.ResponseStatus, comment string) error {
	a := s.adapter
	if !a.caps.StructuredRSVP {
		return provider.ErrUnsupported
	}

	msg, err := Reply{
		Attendee: a.account.Email,
		Invite:   inv,
		Status:   status,
		Comment:  comment,
		Now:      a.now(),
	}.Build()
	if err != nil {
		return err
	}
	return a.send(ctx, inv.Organizer, bytes.NewReader(msg))
}

func (a *Adapter) send(ctx context.Context, to string, msg io.Reader) error {
	addr := a.account.Settings.SMTPAddr
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: smtp address %q: %w", model.ErrConfiguration, addr, err)
	}
	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	var c *smtp.Client
	if a.account.Settings.TLS {
		c, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		return provider.Transient("smtp connect", err)
	}
	defer c.Close()
	defer context.AfterFunc(ctx, func() { _ = c.Close() })()

	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(sasl.NewPlainClient("", a.username, a.password)); err != nil {
			return fmt.Errorf("%w: smtp auth as %s: %w", model.ErrConfiguration, a.username, err)
		}
	}

	if err := c.SendMail(a.account.Email, []string{to}, msg); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && !smtpErr.Temporary() {
			return fmt.Errorf("sending reply to %s: %w", to, err)
		}
		return provider.Transient("smtp send", err)
	}
	// the reply is accepted once DATA completes
	_ = c.Quit()
	return nil
}

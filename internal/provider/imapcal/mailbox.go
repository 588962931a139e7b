package imapcal

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
)

// archiveFallbacks are tried after the configured archive mailbox.
var archiveFallbacks = []string{"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive"}

// Cursor is the sync position in one mailbox: the UIDVALIDITY it was taken
// under and the highest UID already fetched.
type Cursor struct {
	Validity uint32
	UID      imap.UID
}

// ParseCursor reads "<uidvalidity>:<uid>". Empty or malformed cursors
// return the zero Cursor, which starts from the beginning of the mailbox.
func ParseCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, true
	}
	validity, uid, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, false
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return Cursor{}, false
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Validity: uint32(v), UID: imap.UID(u)}, true
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.Validity, c.UID)
}

// resume returns the last UID already fetched under validity. A changed
// UIDVALIDITY invalidates every UID, so the mailbox is rescanned from the
// start and the message upsert key absorbs the duplicates.
func (c Cursor) resume(validity uint32) (imap.UID, bool) {
	if c.Validity != validity {
		return 0, c.Validity != 0
	}
	return c.UID, false
}

// newerThan returns the UIDs above last in ascending order, at most limit.
// UID ranges ending in * always match the highest message, even below last.
func newerThan(uids []imap.UID, last imap.UID, limit int) []imap.UID {
	out := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if uid > last {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// providerID keys a message by its Message-ID so a UIDVALIDITY reset does
// not store it twice. Messages without one fall back to their UID.
func providerID(messageID string, validity uint32, uid imap.UID) string {
	if messageID != "" {
		return "msgid:" + messageID
	}
	return fmt.Sprintf("uid:%d:%d", validity, uid)
}

func (s *session) mailbox() string {
	if m := s.adapter.account.Settings.Mailbox; m != "" {
		return m
	}
	return defaultMailbox
}

func (s *session) selectMailbox() (uint32, error) {
	data, err := s.imap.Select(s.mailbox(), nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", s.mailbox(), err)
	}
	return data.UIDValidity, nil
}

func (s *session) FetchSince(ctx context.Context, cursor string, limit int) (*provider.FetchResult, error) {
	if s.imap == nil {
		return nil, provider.ErrUnsupported
	}
	defer s.abortOnCancel(ctx)()

	validity, err := s.selectMailbox()
	if err != nil {
		return nil, err
	}

	pos, ok := ParseCursor(cursor)
	if !ok {
		s.adapter.logger.Warn("Malformed sync cursor, rescanning mailbox", zap.String("cursor", cursor))
	}
	last, reset := pos.resume(validity)
	if reset {
		s.adapter.logger.Info("UIDVALIDITY changed, rescanning mailbox",
			zap.Uint32("old_validity", pos.Validity),
			zap.Uint32("new_validity", validity))
	}

	var set imap.UIDSet
	set.AddRange(last+1, 0)
	found, err := s.imap.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", s.mailbox(), err)
	}

	uids := newerThan(found.AllUIDs(), last, limit)
	result := &provider.FetchResult{Cursor: Cursor{Validity: validity, UID: last}.String()}
	if len(uids) == 0 {
		return result, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	buffers, err := s.imap.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching %d messages: %w", len(uids), err)
	}
	slices.SortFunc(buffers, func(a, b *imapclient.FetchMessageBuffer) int {
		return cmp.Compare(a.UID, b.UID)
	})

	for _, buf := range buffers {
		raw := buf.FindBodySection(section)
		if raw == nil {
			// expunged between search and fetch
			continue
		}
		var messageID string
		if buf.Envelope != nil {
			messageID = buf.Envelope.MessageID
		}
		flags := make([]string, 0, len(buf.Flags))
		for _, f := range buf.Flags {
			flags = append(flags, string(f))
		}
		result.Messages = append(result.Messages, provider.RawMessage{
			ProviderID: providerID(messageID, validity, buf.UID),
			Raw:        raw,
			Flags:      flags,
			ReceivedAt: buf.InternalDate,
		})
	}

	result.Cursor = Cursor{Validity: validity, UID: uids[len(uids)-1]}.String()
	return result, nil
}

// locate resolves a provider message id to its current UID.
func (s *session) locate(id string, validity uint32) (imap.UID, error) {
	if rest, ok := strings.CutPrefix(id, "uid:"); ok {
		c, ok := ParseCursor(rest)
		if !ok {
			return 0, fmt.Errorf("%w: provider message id %q", model.ErrParse, id)
		}
		if c.Validity != validity {
			return 0, fmt.Errorf("%w: %s predates UIDVALIDITY %d", model.ErrMessageNotFound, id, validity)
		}
		return c.UID, nil
	}

	messageID := strings.TrimPrefix(id, "msgid:")
	found, err := s.imap.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching for %s: %w", messageID, err)
	}
	uids := found.AllUIDs()
	if len(uids) == 0 {
		return 0, fmt.Errorf("%w: %s not in %s", model.ErrMessageNotFound, messageID, s.mailbox())
	}
	return uids[0], nil
}

// Archive moves the message to the archive mailbox, falling back to
// flagging it deleted when no archive mailbox accepts it.
func (s *session) Archive(ctx context.Context, providerMessageID string) error {
	if s.imap == nil {
		return provider.ErrUnsupported
	}
	defer s.abortOnCancel(ctx)()

	validity, err := s.selectMailbox()
	if err != nil {
		return err
	}
	uid, err := s.locate(providerMessageID, validity)
	if err != nil {
		return err
	}
	set := imap.UIDSetNum(uid)

	targets := archiveFallbacks
	if m := s.adapter.account.Settings.ArchiveMailbox; m != "" {
		targets = append([]string{m}, archiveFallbacks...)
	}
	for _, target := range targets {
		if _, err := s.imap.Move(set, target).Wait(); err == nil {
			return nil
		}
	}

	s.adapter.logger.Warn("No archive mailbox accepted the message, flagging deleted", zap.Uint32("uid", uint32(uid)))
	return s.imap.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
}

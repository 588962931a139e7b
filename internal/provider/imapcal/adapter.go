// Package imapcal is the provider adapter for standard-protocol accounts:
// mail over IMAP, RSVP replies as iTIP over SMTP, calendar over CalDAV.
package imapcal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"go.uber.org/zap"

	"inviteflow/internal/credential"
	"inviteflow/internal/model"
	"inviteflow/internal/provider"
)

const defaultMailbox = "INBOX"

// Adapter connects to one account.
type Adapter struct {
	account  *model.Account
	username string
	password string
	caps     provider.Capabilities
	logger   *zap.Logger
	now      func() time.Time
}

// NewFactory returns the provider.Factory registered for ProviderIMAPCalDAV
// and ProviderIMAP accounts.
func NewFactory(logger *zap.Logger) provider.Factory {
	return func(account *model.Account, creds credential.Credentials) (provider.Adapter, error) {
		return New(account, creds, logger)
	}
}

// New validates the account settings and returns its adapter.
func New(account *model.Account, creds credential.Credentials, logger *zap.Logger) (*Adapter, error) {
	s := account.Settings
	if s.IMAPAddr == "" && s.SMTPAddr == "" && s.CalDAVURL == "" {
		return nil, fmt.Errorf("%w: account %d has no server configured", model.ErrConfiguration, account.ID)
	}

	username := creds.Username
	if username == "" {
		username = s.Username
	}
	if username == "" {
		username = account.Email
	}

	return &Adapter{
		account:  account,
		username: username,
		password: creds.Password,
		caps: provider.Capabilities{
			Mailbox:        s.IMAPAddr != "",
			Archive:        s.IMAPAddr != "",
			StructuredRSVP: s.SMTPAddr != "",
			Calendar:       account.Provider == model.ProviderIMAPCalDAV && s.CalDAVURL != "",
		},
		logger: logger.With(zap.Int64("account_id", account.ID), zap.String("provider", string(account.Provider))),
		now:    time.Now,
	}, nil
}

func (a *Adapter) Kind() model.ProviderKind            { return a.account.Provider }
func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

// Connect logs in to IMAP when the account has a mailbox and prepares the
// CalDAV client. SMTP connections are opened per reply.
func (a *Adapter) Connect(ctx context.Context) (provider.Session, error) {
	s := &session{adapter: a}

	if a.caps.Calendar {
		httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{}, a.username, a.password)
		dav, err := caldav.NewClient(httpClient, a.account.Settings.CalDAVURL)
		if err != nil {
			return nil, fmt.Errorf("%w: caldav endpoint %q: %w", model.ErrConfiguration, a.account.Settings.CalDAVURL, err)
		}
		s.dav = dav
		s.calendarPath = a.account.Settings.CalendarPath
	}

	if a.caps.Mailbox {
		client, err := a.dialIMAP(ctx)
		if err != nil {
			return nil, err
		}
		s.imap = client
	}

	return s, nil
}

func (a *Adapter) dialIMAP(ctx context.Context) (*imapclient.Client, error) {
	addr := a.account.Settings.IMAPAddr
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: imap address %q: %w", model.ErrConfiguration, addr, err)
	}
	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	var client *imapclient.Client
	if a.account.Settings.TLS {
		dialer := tls.Dialer{Config: tlsConfig}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client = imapclient.New(conn, nil)
	} else {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starting TLS with IMAP %s: %w", addr, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	err = client.Login(a.username, a.password).Wait()
	if !stop() {
		return nil, fmt.Errorf("logging in to IMAP %s: %w", addr, ctx.Err())
	}
	if err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, fmt.Errorf("%w: IMAP login as %s rejected: %w", model.ErrConfiguration, a.username, err)
		}
		return nil, fmt.Errorf("logging in to IMAP %s: %w", addr, err)
	}
	return client, nil
}

// session is owned by one worker for one sync or execution cycle.
type session struct {
	adapter *Adapter
	imap    *imapclient.Client
	dav     *caldav.Client

	calendarPath string
}

func (s *session) Close() error {
	if s.imap == nil {
		return nil
	}
	err := s.imap.Logout().Wait()
	if closeErr := s.imap.Close(); err == nil {
		err = closeErr
	}
	s.imap = nil
	return err
}

// abortOnCancel closes the IMAP connection when ctx ends, unblocking any
// pending command. The returned func detaches the hook.
func (s *session) abortOnCancel(ctx context.Context) func() bool {
	client := s.imap
	return context.AfterFunc(ctx, func() { _ = client.Close() })
}

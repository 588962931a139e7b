// Package provider defines the uniform adapter over a mail/calendar account.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inviteflow/internal/credential"
	"inviteflow/internal/model"
)

// ErrUnsupported is returned by operations outside an adapter's capabilities.
var ErrUnsupported = errors.New("operation not supported by provider")

// Capabilities tells callers which optional operations an adapter performs.
type Capabilities struct {
	Mailbox        bool
	Calendar       bool
	StructuredRSVP bool
	Archive        bool
}

// RawMessage is a fetched message before parsing.
type RawMessage struct {
	ProviderID string
	Raw        []byte
	Flags      []string
	ReceivedAt time.Time
}

// FetchResult is one batch of messages, oldest first, and the cursor after it.
type FetchResult struct {
	Messages []RawMessage
	Cursor   string
}

// Session is a connected, stateful handle on one account. Not safe for
// concurrent use; owned by the worker that opened it.
type Session interface {
	// FetchSince returns up to limit messages newer than cursor. An empty
	// cursor starts from the beginning of the mailbox.
	FetchSince(ctx context.Context, cursor string, limit int) (*FetchResult, error)
	// CalendarEvents returns events intersecting [start,end).
	CalendarEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error)
	// RespondToInvite sends a structured RSVP for inv.
	RespondToInvite(ctx context.Context, inv *model.Invite, status model.ResponseStatus, comment string) error
	// Archive moves the message out of the inbox.
	Archive(ctx context.Context, providerMessageID string) error
	// AddEvent writes inv to the account calendar.
	AddEvent(ctx context.Context, inv *model.Invite, status model.ResponseStatus) error
	Close() error
}

// Adapter builds sessions for one account.
type Adapter interface {
	Kind() model.ProviderKind
	Capabilities() Capabilities
	Connect(ctx context.Context) (Session, error)
}

// Factory builds an Adapter for an account of its kind.
type Factory func(account *model.Account, creds credential.Credentials) (Adapter, error)

// Registry maps provider kinds to factories and resolves credentials.
type Registry struct {
	mu          sync.RWMutex
	factories   map[model.ProviderKind]Factory
	credentials credential.Resolver
}

func NewRegistry(credentials credential.Resolver) *Registry {
	return &Registry{
		factories:   make(map[model.ProviderKind]Factory),
		credentials: credentials,
	}
}

// Register installs f for kind, replacing any previous factory.
func (r *Registry) Register(kind model.ProviderKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// For returns the adapter for account.
func (r *Registry) For(account *model.Account) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[account.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %q", model.ErrConfiguration, account.Provider)
	}

	creds, err := r.credentials.Resolve(account.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for account %d: %w", account.ID, err)
	}

	adapter, err := f(account, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for account %d: %w", account.ID, err)
	}
	return adapter, nil
}

// WithSession connects, runs fn and always closes the session.
func WithSession(ctx context.Context, adapter Adapter, fn func(Session) error) (err error) {
	session, err := adapter.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close session: %w", closeErr)
		}
	}()
	return fn(session)
}

// Transient marks err as a transient provider failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrTransientProvider, err)
}

// BoundConnect returns adapter with Connect limited to timeout. Connect
// failures other than configuration errors are marked transient.
func BoundConnect(adapter Adapter, timeout time.Duration) Adapter {
	return boundAdapter{Adapter: adapter, timeout: timeout}
}

type boundAdapter struct {
	Adapter
	timeout time.Duration
}

func (a boundAdapter) Connect(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	session, err := a.Adapter.Connect(ctx)
	if err != nil {
		if errors.Is(err, model.ErrConfiguration) {
			return nil, err
		}
		return nil, Transient("connect", err)
	}
	return session, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventRecorder receives authentication events. Implementations must not
// block and must not fail the calling operation.
type EventRecorder interface {
	Record(ctx context.Context, ev AuthEvent)
}

// Session is the result of a successful login or refresh.
type Session struct {
	User   User
	Tokens TokenPair
}

// Sessions implements login, refresh and logout on top of the token issuer.
type Sessions struct {
	users  UserStore
	tokens *TokenIssuer
	hasher PasswordHasher
	events EventRecorder
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithPasswordHasher overrides the default bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) SessionsOption {
	return func(s *Sessions) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithSessionClock overrides the time source stamped on auth events.
func WithSessionClock(fn func() time.Time) SessionsOption {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessions constructs Sessions.
func NewSessions(users UserStore, tokens *TokenIssuer, events EventRecorder, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		users:  users,
		tokens: tokens,
		hasher: BcryptHasher{},
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates email and password and issues a token pair. Every
// failure returns ErrInvalidCredentials; the specific reason is only
// recorded in the auth event log.
func (s *Sessions) Login(ctx context.Context, in LoginInput) (Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateInput(in); err != nil {
		s.record(ctx, EventLogin, in.Email, "", in.Client, false, FailReasonUnknownEmail)
		return Session{}, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.burnPasswordCheck(in.Password)
			s.record(ctx, EventLogin, in.Email, "", in.Client, false, FailReasonUnknownEmail)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, EventLogin, user.Email, user.ID, in.Client, false, FailReasonInactive)
		return Session{}, ErrInvalidCredentials
	}
	if err := s.hasher.Verify(user.PasswordHash, in.Password); err != nil {
		s.record(ctx, EventLogin, user.Email, user.ID, in.Client, false, FailReasonWrongPassword)
		return Session{}, ErrInvalidCredentials
	}

	pair, err := s.tokens.IssuePair(ctx, user, in.Client)
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, EventLogin, user.Email, user.ID, in.Client, true, "")
	return Session{User: user, Tokens: pair}, nil
}

// Refresh rotates a refresh credential into a new token pair. The presented
// credential is revoked even when the pair cannot be issued.
func (s *Sessions) Refresh(ctx context.Context, in RefreshInput) (Session, error) {
	in.RefreshToken = strings.TrimSpace(in.RefreshToken)
	if err := validateInput(in); err != nil {
		s.record(ctx, EventRefresh, "", "", in.Client, false, FailReasonInvalidToken)
		return Session{}, ErrInvalidToken
	}
	userID, err := s.tokens.RotateRefreshCredential(ctx, in.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			s.record(ctx, EventRefresh, "", "", in.Client, false, FailReasonInvalidToken)
		}
		return Session{}, err
	}

	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, EventRefresh, "", userID, in.Client, false, FailReasonUnknownEmail)
			return Session{}, ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, EventRefresh, user.Email, user.ID, in.Client, false, FailReasonInactive)
		return Session{}, ErrInvalidToken
	}

	pair, err := s.tokens.IssuePair(ctx, user, in.Client)
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, EventRefresh, user.Email, user.ID, in.Client, true, "")
	return Session{User: user, Tokens: pair}, nil
}

// Logout revokes one refresh credential of the caller. A blank, unknown,
// already revoked or foreign token is a successful no-op and records no
// event.
func (s *Sessions) Logout(ctx context.Context, caller User, refreshToken string, client ClientInfo) error {
	revoked, err := s.tokens.Revoke(ctx, caller.ID, refreshToken)
	if err != nil {
		return err
	}
	if revoked {
		s.record(ctx, EventLogout, caller.Email, caller.ID, client, true, "")
	}
	return nil
}

// LogoutAll revokes every refresh credential of the caller.
func (s *Sessions) LogoutAll(ctx context.Context, caller User, client ClientInfo) error {
	if _, err := s.tokens.RevokeAll(ctx, caller.ID); err != nil {
		return err
	}
	s.record(ctx, EventLogoutAll, caller.Email, caller.ID, client, true, "")
	return nil
}

func (s *Sessions) record(ctx context.Context, event, email, userID string, client ClientInfo, success bool, reason string) {
	if s.events == nil {
		return
	}
	if success {
		reason = ""
	}
	s.events.Record(ctx, AuthEvent{
		Event:      event,
		Email:      email,
		UserID:     userID,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		Success:    success,
		FailReason: reason,
		CreatedAt:  s.now().UTC(),
	})
}

// burnPasswordCheck spends one hash comparison so unknown emails take about
// as long as wrong passwords.
func (s *Sessions) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("condohub-unknown-account")
	})
	if s.dummyHash != "" {
		_ = s.hasher.Verify(s.dummyHash, password)
	}
}

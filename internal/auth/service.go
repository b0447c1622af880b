package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pliu/relaychat/internal/email"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/otp"
	"github.com/pliu/relaychat/internal/store"
)

var (
	ErrBadRequest = errors.New("missing required field")
	ErrInvalidOTP = errors.New("invalid otp")
	ErrExpiredOTP = errors.New("otp expired")
)

var tracer = otel.Tracer("github.com/pliu/relaychat/internal/auth")

// Notifier delivers an issued code out of band. Implementations must not
// block the caller.
type Notifier interface {
	Notify(ctx context.Context, n email.OTPNotice)
}

// Session is the result of a successful OTP verification.
type Session struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type Service struct {
	Store    store.Store
	Codes    *otp.Store
	Issuer   *Issuer
	Notifier Notifier
	Logger   logging.Logger

	// LogCodes writes every issued code to the log, for development.
	LogCodes bool
}

// RequestOTP issues a code for addr and hands it to the notifier. It
// succeeds once the code is stored, whatever happens to the notification.
func (s *Service) RequestOTP(ctx context.Context, addr, name string) error {
	ctx, span := tracer.Start(ctx, "auth.RequestOTP")
	defer span.End()

	addr, name = strings.TrimSpace(addr), strings.TrimSpace(name)
	if addr == "" || name == "" {
		return ErrBadRequest
	}

	code, err := s.Codes.Issue(ctx, addr)
	if err != nil {
		return spanError(span, fmt.Errorf("issue otp: %w", err))
	}

	if s.LogCodes {
		s.Logger.Info(ctx, "otp issued", "email", addr, "code", code)
	} else {
		s.Logger.Info(ctx, "otp issued", "email", addr)
	}

	if s.Notifier != nil {
		s.Notifier.Notify(ctx, email.OTPNotice{
			Email: addr,
			Name:  name,
			Code:  code,
			TTL:   s.Codes.TTL(),
		})
	}
	return nil
}

// VerifyOTP consumes the code for addr, records the user and issues a
// session token. The directory is left untouched when the code is rejected.
func (s *Service) VerifyOTP(ctx context.Context, addr, name, code string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "auth.VerifyOTP")
	defer span.End()

	addr, name, code = strings.TrimSpace(addr), strings.TrimSpace(name), strings.TrimSpace(code)
	if addr == "" || name == "" || code == "" {
		return nil, ErrBadRequest
	}

	switch err := s.Codes.Verify(ctx, addr, code); {
	case errors.Is(err, otp.ErrInvalidCode):
		return nil, ErrInvalidOTP
	case errors.Is(err, otp.ErrExpired):
		return nil, ErrExpiredOTP
	case err != nil:
		return nil, spanError(span, fmt.Errorf("verify otp: %w", err))
	}

	user, err := s.Store.UpsertUser(ctx, addr, name)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("upsert user: %w", err))
	}

	token, err := s.Issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("issue token: %w", err))
	}

	s.Logger.Info(ctx, "user signed in", "user_id", user.ID)
	return &Session{Token: token, User: user}, nil
}

// ListUsers returns every user except selfID.
func (s *Service) ListUsers(ctx context.Context, selfID string) ([]models.User, error) {
	users, err := s.Store.ListUsersExcluding(ctx, selfID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

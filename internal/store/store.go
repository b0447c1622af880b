package store

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/relaychat/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// User operations
	UpsertUser(ctx context.Context, email, name string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsersExcluding(ctx context.Context, id string) ([]models.User, error)

	// OTP operations
	PutOTP(ctx context.Context, otp models.OTP) error
	GetOTP(ctx context.Context, email string) (*models.OTP, error)
	DeleteOTP(ctx context.Context, email string) error
	DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

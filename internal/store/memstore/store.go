// Package memstore is an in-process store.Store. Nothing survives a restart.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/store"
)

type MemStore struct {
	mu sync.RWMutex

	// users holds records in insertion order; byEmail and byID index into it.
	users   []*models.User
	byEmail map[string]*models.User
	byID    map[string]*models.User
	nextID  int

	otps map[string]models.OTP
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		byEmail: make(map[string]*models.User),
		byID:    make(map[string]*models.User),
		nextID:  1,
		otps:    make(map[string]models.OTP),
	}
}

func (s *MemStore) UpsertUser(_ context.Context, email, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.byEmail[email]; ok {
		user.Name = name
		u := *user
		return &u, nil
	}

	user := &models.User{ID: strconv.Itoa(s.nextID), Email: email, Name: name}
	s.nextID++
	s.users = append(s.users, user)
	s.byEmail[email] = user
	s.byID[user.ID] = user

	u := *user
	return &u, nil
}

func (s *MemStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *user
	return &u, nil
}

func (s *MemStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byEmail[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *user
	return &u, nil
}

func (s *MemStore) ListUsersExcluding(_ context.Context, id string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.users))
	for _, user := range s.users {
		if user.ID != id {
			users = append(users, *user)
		}
	}
	return users, nil
}

func (s *MemStore) PutOTP(_ context.Context, otp models.OTP) error {
	s.mu.Lock()
	s.otps[otp.Email] = otp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetOTP(_ context.Context, email string) (*models.OTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	otp, ok := s.otps[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &otp, nil
}

func (s *MemStore) DeleteOTP(_ context.Context, email string) error {
	s.mu.Lock()
	delete(s.otps, email)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) DeleteExpiredOTPs(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for email, otp := range s.otps {
		if otp.Expired(now) {
			delete(s.otps, email)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Close() error { return nil }

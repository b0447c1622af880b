package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every new sqlite connection to ":memory:" opens a fresh database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS otps (
		email TEXT PRIMARY KEY,
		code_hash TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// UpsertUser renames the user with email, or creates one. Only an insert draws
// from the id sequence, so ids stay gapless.
func (s *SQLStore) UpsertUser(ctx context.Context, email, name string) (*models.User, error) {
	user, err := s.upsertUser(ctx, email, name)
	if err != nil {
		// A concurrent insert for the same email won the race; the row exists now.
		if user, rerr := s.renameUser(ctx, s.db, email, name); rerr == nil {
			return user, nil
		}
		return nil, err
	}
	return user, nil
}

func (s *SQLStore) upsertUser(ctx context.Context, email, name string) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user, err := s.renameUser(ctx, tx, email, name)
	if errors.Is(err, sql.ErrNoRows) {
		user, err = scanUser(tx.QueryRowContext(ctx,
			s.rebind("INSERT INTO users (email, name) VALUES (?, ?) RETURNING id, email, name"), email, name))
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return user, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) renameUser(ctx context.Context, q queryRower, email, name string) (*models.User, error) {
	return scanUser(q.QueryRowContext(ctx,
		s.rebind("UPDATE users SET name = ? WHERE email = ? RETURNING id, email, name"), name, email))
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		id   int64
		user models.User
	)
	if err := row.Scan(&id, &user.Email, &user.Name); err != nil {
		return nil, err
	}
	user.ID = strconv.FormatInt(id, 10)
	return &user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, store.ErrNotFound
	}
	return s.getUser(ctx, "SELECT id, email, name FROM users WHERE id = ?", n)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "SELECT id, email, name FROM users WHERE email = ?", email)
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return user, err
}

func (s *SQLStore) ListUsersExcluding(ctx context.Context, id string) ([]models.User, error) {
	// An id that is not a number matches no row, so nobody is excluded.
	exclude, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		exclude = -1
	}

	query := s.rebind("SELECT id, email, name FROM users WHERE id <> ? ORDER BY id")
	rows, err := s.db.QueryContext(ctx, query, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var (
			uid  int64
			user models.User
		)
		if err := rows.Scan(&uid, &user.Email, &user.Name); err != nil {
			return nil, err
		}
		user.ID = strconv.FormatInt(uid, 10)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLStore) PutOTP(ctx context.Context, otp models.OTP) error {
	query := s.rebind(`
		INSERT INTO otps (email, code_hash, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET code_hash = excluded.code_hash, expires_at = excluded.expires_at
	`)
	_, err := s.db.ExecContext(ctx, query, otp.Email, string(otp.CodeHash), otp.ExpiresAt.UnixNano())
	return err
}

func (s *SQLStore) GetOTP(ctx context.Context, email string) (*models.OTP, error) {
	var (
		hash      string
		expiresAt int64
	)
	query := s.rebind("SELECT code_hash, expires_at FROM otps WHERE email = ?")
	err := s.db.QueryRowContext(ctx, query, email).Scan(&hash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.OTP{
		Email:     email,
		CodeHash:  []byte(hash),
		ExpiresAt: time.Unix(0, expiresAt),
	}, nil
}

func (s *SQLStore) DeleteOTP(ctx context.Context, email string) error {
	query := s.rebind("DELETE FROM otps WHERE email = ?")
	_, err := s.db.ExecContext(ctx, query, email)
	return err
}

func (s *SQLStore) DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error) {
	query := s.rebind("DELETE FROM otps WHERE expires_at < ?")
	result, err := s.db.ExecContext(ctx, query, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

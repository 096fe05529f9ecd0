package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), credits, plan_id, created_at, updated_at`

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// FindByTelegramID returns nil when the chat user has not been seen yet.
func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// Create inserts a user with a zero balance; credits only ever arrive through the ledger.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, credits)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 0)`
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.LastName)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	user.Credits = 0
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, firstName, lastName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure finds or creates the user behind a Telegram account.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		if user.Username != username || user.FirstName != firstName || user.LastName != lastName {
			if err := r.UpdateProfile(ctx, user.ID, username, firstName, lastName); err != nil {
				return nil, false, err
			}
			user.Username, user.FirstName, user.LastName = username, firstName, lastName
		}
		return user, false, nil
	}
	tgID := telegramID
	created, err := r.Create(ctx, &models.User{
		TelegramID: &tgID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
	})
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// SetPlan records the subscription plan; nil clears it.
func (r *UserRepository) SetPlan(ctx context.Context, userID int64, planID *int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET plan_id = ?, updated_at = NOW() WHERE id = ?`, planID, userID)
	if err != nil {
		return fmt.Errorf("set user plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user plan rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u          models.User
		telegramID sql.NullInt64
		planID     sql.NullInt64
	)
	if err := row.Scan(&u.ID, &telegramID, &u.Username, &u.FirstName, &u.LastName, &u.Credits, &planID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if telegramID.Valid {
		v := telegramID.Int64
		u.TelegramID = &v
	}
	if planID.Valid {
		v := planID.Int64
		u.PlanID = &v
	}
	return &u, nil
}

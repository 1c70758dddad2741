package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

const accountColumns = `id, platform, email, encrypted_password, proxy, login_mode, cookies,
	access_token, device_id, user_agent, token_status, token_captured_at, token_expires_at,
	credits_remaining, credits_last_checked, credits_reset_at, last_used, created_at`

func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.Platform, acc.Email, acc.EncryptedPassword, acc.Proxy,
		acc.LoginMode, encodeCookies(acc.Cookies), acc.AccessToken, acc.DeviceID,
		acc.UserAgent, string(acc.TokenStatus), acc.TokenCapturedAt, acc.TokenExpiresAt,
		acc.CreditsRemaining, acc.CreditsLastChecked, acc.CreditsResetAt,
		acc.LastUsed, acc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return acc, err
}

func (s *Store) ListAccounts(ctx context.Context, platform string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if platform != "" {
		query += ` WHERE platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryAccounts(ctx, query, args...)
}

// ListUsableAccounts returns accounts whose credits are unknown or positive,
// least-recently-used first (NULL last_used sorts first: never used).
func (s *Store) ListUsableAccounts(ctx context.Context, platform string) ([]*domain.Account, error) {
	return s.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE platform = ? AND (credits_remaining IS NULL OR credits_remaining > 0)
		ORDER BY last_used IS NOT NULL, last_used ASC`, platform)
}

func (s *Store) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET platform = ?, email = ?, encrypted_password = ?, proxy = ?,
			login_mode = ?, cookies = ?, access_token = ?, device_id = ?, user_agent = ?,
			token_status = ?, token_captured_at = ?, token_expires_at = ?,
			credits_remaining = ?, credits_last_checked = ?, credits_reset_at = ?, last_used = ?
		WHERE id = ?`,
		acc.Platform, acc.Email, acc.EncryptedPassword, acc.Proxy, acc.LoginMode,
		encodeCookies(acc.Cookies), acc.AccessToken, acc.DeviceID, acc.UserAgent,
		string(acc.TokenStatus), acc.TokenCapturedAt, acc.TokenExpiresAt,
		acc.CreditsRemaining, acc.CreditsLastChecked, acc.CreditsResetAt, acc.LastUsed,
		acc.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateAccountCredits(ctx context.Context, id string, credits *int, resetAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET credits_remaining = ?, credits_last_checked = ?, credits_reset_at = ?
		WHERE id = ?`,
		credits, time.Now().UTC(), resetAt, id,
	)
	if err != nil {
		return fmt.Errorf("update account credits: %w", err)
	}
	return requireRow(res)
}

func (s *Store) TouchAccountLastUsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_used = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acc         domain.Account
		cookies     string
		tokenStatus string
	)
	err := row.Scan(
		&acc.ID, &acc.Platform, &acc.Email, &acc.EncryptedPassword, &acc.Proxy,
		&acc.LoginMode, &cookies, &acc.AccessToken, &acc.DeviceID, &acc.UserAgent,
		&tokenStatus, &acc.TokenCapturedAt, &acc.TokenExpiresAt,
		&acc.CreditsRemaining, &acc.CreditsLastChecked, &acc.CreditsResetAt,
		&acc.LastUsed, &acc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.TokenStatus = domain.TokenStatus(tokenStatus)
	if cookies != "" {
		_ = json.Unmarshal([]byte(cookies), &acc.Cookies)
	}
	return &acc, nil
}

func encodeCookies(cookies []domain.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	b, err := json.Marshal(cookies)
	if err != nil {
		return ""
	}
	return string(b)
}

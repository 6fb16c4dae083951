package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrEthical07/tenantAuth/identity"
)

var _ identity.Users = (*Users)(nil)

const uniqueViolation = "23505"

const userColumns = `id, email, phone_cc, phone_number, phone_full, password_hash,
	active, blocked, verified, admin, two_factor, two_factor_enabled_at, two_factor_disabled_at,
	created_at, password_changed_at, activated_at, deactivated_at`

// Users implements identity.Users. Ids are allocated per tenant from
// user_sequences so they stay dense, which capacity checks rely on.
type Users struct {
	db  *Connection
	now func() time.Time
}

func NewUsers(db *Connection, now func() time.Time) *Users {
	if now == nil {
		now = time.Now
	}
	return &Users{db: db, now: now}
}

func tenant(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

func (r *Users) Create(ctx context.Context, tenantID string, u identity.User, capacity uint64) (identity.User, error) {
	tenantID = tenant(tenantID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return identity.User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taken bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM users
			WHERE tenant_id = $1 AND ((email <> '' AND email = $2) OR (phone_full <> '' AND phone_full = $3)))`,
		tenantID, u.Email, u.Phone.Full,
	).Scan(&taken)
	if err != nil {
		return identity.User{}, fmt.Errorf("check identifiers: %w", err)
	}
	if taken {
		return identity.User{}, identity.ErrDuplicate
	}

	if _, err := tx.Exec(ctx, `INSERT INTO user_sequences (tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`, tenantID); err != nil {
		return identity.User{}, fmt.Errorf("init sequence: %w", err)
	}
	var last uint64
	if err := tx.QueryRow(ctx, `SELECT last_id FROM user_sequences WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&last); err != nil {
		return identity.User{}, fmt.Errorf("lock sequence: %w", err)
	}
	if capacity > 0 && last+1 > capacity {
		return identity.User{}, identity.ErrCapacity
	}
	u.ID = last + 1

	_, err = tx.Exec(ctx, `INSERT INTO users (tenant_id, `+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		tenantID, u.ID, u.Email, u.Phone.CountryCode, u.Phone.Number, u.Phone.Full, u.PasswordHash,
		u.Active, u.Blocked, u.Verified, u.Admin, u.TwoFactorEnabled,
		nullTime(u.TwoFactorEnabledAt), nullTime(u.TwoFactorDisabledAt),
		u.CreatedAt, nullTime(u.PasswordChangedAt), nullTime(u.ActivatedAt), nullTime(u.DeactivatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return identity.User{}, identity.ErrDuplicate
		}
		return identity.User{}, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE user_sequences SET last_id = $2 WHERE tenant_id = $1`, tenantID, u.ID); err != nil {
		return identity.User{}, fmt.Errorf("advance sequence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return identity.User{}, fmt.Errorf("commit create user: %w", err)
	}
	return u, nil
}

func (r *Users) ByID(ctx context.Context, tenantID string, id uint64) (identity.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenant(tenantID), id)
}

func (r *Users) ByEmail(ctx context.Context, tenantID, email string) (identity.User, error) {
	if email == "" {
		return identity.User{}, identity.ErrNotFound
	}
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND email = $2`, tenant(tenantID), strings.ToLower(email))
}

func (r *Users) ByPhone(ctx context.Context, tenantID, full string) (identity.User, error) {
	if full == "" {
		return identity.User{}, identity.ErrNotFound
	}
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND phone_full = $2`, tenant(tenantID), full)
}

func (r *Users) one(ctx context.Context, query string, args ...any) (identity.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Update applies p in one statement. The expectations are part of the WHERE
// clause, so a miss is told apart from a conflict with a second lookup.
func (r *Users) Update(ctx context.Context, tenantID string, id uint64, p identity.UserPatch) (identity.User, error) {
	tenantID = tenant(tenantID)
	query, args := buildUpdate(tenantID, id, p)

	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return identity.User{}, fmt.Errorf("update user: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1 AND id = $2)`, tenantID, id).Scan(&exists); err != nil {
		return identity.User{}, fmt.Errorf("update user: %w", err)
	}
	if !exists {
		return identity.User{}, identity.ErrNotFound
	}
	return identity.User{}, identity.ErrConflict
}

func buildUpdate(tenantID string, id uint64, p identity.UserPatch) (string, []any) {
	args := []any{tenantID, id}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var set []string
	assign := func(col string, v any) { set = append(set, col+" = "+arg(v)) }
	if p.PasswordHash != nil {
		assign("password_hash", *p.PasswordHash)
	}
	if p.Active != nil {
		assign("active", *p.Active)
	}
	if p.Blocked != nil {
		assign("blocked", *p.Blocked)
	}
	if p.Verified != nil {
		assign("verified", *p.Verified)
	}
	if p.TwoFactorEnabled != nil {
		assign("two_factor", *p.TwoFactorEnabled)
	}
	if p.TwoFactorEnabledAt != nil {
		assign("two_factor_enabled_at", nullTime(*p.TwoFactorEnabledAt))
	}
	if p.TwoFactorDisabledAt != nil {
		assign("two_factor_disabled_at", nullTime(*p.TwoFactorDisabledAt))
	}
	if p.PasswordChangedAt != nil {
		assign("password_changed_at", nullTime(*p.PasswordChangedAt))
	}
	if p.ActivatedAt != nil {
		assign("activated_at", nullTime(*p.ActivatedAt))
	}
	if p.DeactivatedAt != nil {
		assign("deactivated_at", nullTime(*p.DeactivatedAt))
	}
	if len(set) == 0 {
		set = append(set, "id = id")
	}

	where := []string{"tenant_id = $1", "id = $2"}
	expect := func(col string, v any) { where = append(where, col+" = "+arg(v)) }
	if p.ExpectActive != nil {
		expect("active", *p.ExpectActive)
	}
	if p.ExpectBlocked != nil {
		expect("blocked", *p.ExpectBlocked)
	}
	if p.ExpectTwoFactor != nil {
		expect("two_factor", *p.ExpectTwoFactor)
	}
	if p.ExpectPasswordHash != nil {
		expect("password_hash", *p.ExpectPasswordHash)
	}

	query := "UPDATE users SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + userColumns
	return query, args
}

func (r *Users) DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]identity.Ref, error) {
	rows, err := r.db.Query(ctx, `DELETE FROM users
		WHERE active = FALSE AND deactivated_at IS NOT NULL AND deactivated_at <= $1
		RETURNING tenant_id, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete deactivated users: %w", err)
	}
	defer rows.Close()

	var deleted []identity.Ref
	for rows.Next() {
		var ref identity.Ref
		if err := rows.Scan(&ref.TenantID, &ref.UserID); err != nil {
			return deleted, fmt.Errorf("scan deleted user: %w", err)
		}
		deleted = append(deleted, ref)
	}
	if err := rows.Err(); err != nil {
		return deleted, fmt.Errorf("delete deactivated users: %w", err)
	}
	return deleted, nil
}

func scanUser(row pgx.Row) (identity.User, error) {
	var (
		u                                          identity.User
		tfaOn, tfaOff, pwChanged, activated, deact *time.Time
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.Phone.CountryCode, &u.Phone.Number, &u.Phone.Full, &u.PasswordHash,
		&u.Active, &u.Blocked, &u.Verified, &u.Admin, &u.TwoFactorEnabled, &tfaOn, &tfaOff,
		&u.CreatedAt, &pwChanged, &activated, &deact,
	)
	if err != nil {
		return identity.User{}, err
	}
	u.TwoFactorEnabledAt = derefTime(tfaOn)
	u.TwoFactorDisabledAt = derefTime(tfaOff)
	u.PasswordChangedAt = derefTime(pwChanged)
	u.ActivatedAt = derefTime(activated)
	u.DeactivatedAt = derefTime(deact)
	return u, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

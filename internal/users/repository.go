package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

const uniqueViolation = "23505"

// fieldColumns maps payload field names to columns. Only fields the
// allowlists can emit appear here.
var fieldColumns = map[string]string{
	FieldUsername:         "username",
	FieldEmail:            "email",
	FieldRole:             "role",
	FieldStatus:           "status",
	FieldLicenseNumber:    "license_number",
	FieldOrganizationName: "organization_name",
	FieldPhone:            "phone",
	FieldAddress:          "address",
	FieldPreferences:      "preferences",
	"failed_login_attempts": "failed_login_attempts",
	"locked_until":          "locked_until",
}

var sortColumns = map[string]string{
	"username":   "username",
	"email":      "email",
	"role":       "role",
	"status":     "status",
	"created_at": "created_at",
}

const userColumns = `id, username, email, role, status, license_number, organization_name, phone, address, preferences, failed_login_attempts, locked_until, password_hash, created_at, updated_at`

// Repository provides PostgreSQL backed persistence. It implements the
// engine's Store interface for reads and applies authorized mutations
// with a compare-and-swap on the snapshot values the decision was made
// against.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByID returns a user snapshot.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindByEmail returns a user snapshot by unique email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

// List returns a filtered page plus the unpaged total.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]User, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if role, ok := rbac.ParseRole(filters.Role); filters.Role != "" && ok {
		args = append(args, string(role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if status := Status(filters.Status); filters.Status != "" && status.Valid() {
		args = append(args, string(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	order := sortColumns["created_at"]
	if col, ok := sortColumns[filters.SortBy]; ok {
		order = col
	}
	dir := "ASC"
	if strings.EqualFold(filters.SortDir, "desc") {
		dir = "DESC"
	}
	pagination := shared.NewPagination(filters.Page, filters.PerPage, 0)
	pageArgs := append(append([]any{}, args...), pagination.PerPage, pagination.Offset())
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		userColumns, clause, order, dir, len(pageArgs)-1, len(pageArgs))

	var (
		total int
		list  []User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.pool.QueryRow(gctx, `SELECT count(*) FROM users`+clause, args...).Scan(&total)
	})
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, query, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		list, err = collectUsers(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Search matches username, email and organization case-insensitively.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]User, error) {
	folded := cases.Fold().String(strings.TrimSpace(query))
	if folded == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(folded) + "%"
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
WHERE lower(username) LIKE $1 OR lower(email) LIKE $1 OR lower(organization_name) LIKE $1
ORDER BY username LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// Insert persists a new user. A duplicate email maps to ErrConflict.
func (r *Repository) Insert(ctx context.Context, user *User, passwordHash string) error {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		user.ID, user.Username, user.Email, string(user.Role), string(user.Status),
		user.LicenseNumber, user.OrganizationName, user.Phone, user.Address, prefs,
		user.FailedLoginAttempts, user.LockedUntil, passwordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: email already registered", shared.ErrConflict)
		}
		return err
	}
	return nil
}

// ApplyUpdate writes a filtered field set.
func (r *Repository) ApplyUpdate(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	sets, args, err := buildSets(fields)
	if err != nil {
		return err
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s, updated_at = now() WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: email already registered", shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ApplyRoleChange writes a role mutation, compare-and-swapping on the
// role the decision was evaluated against so that at most one of two
// racing changes commits.
func (r *Repository) ApplyRoleChange(ctx context.Context, id uuid.UUID, newRole, expected rbac.Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $1, updated_at = now() WHERE id = $2 AND role = $3`,
		string(newRole), id, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role changed concurrently", shared.ErrConflict)
	}
	return nil
}

// ApplyStatusChange writes a lifecycle mutation with a CAS on the
// status the guard evaluated.
func (r *Repository) ApplyStatusChange(ctx context.Context, id uuid.UUID, fields map[string]any, expected Status) error {
	sets, args, err := buildSets(fields)
	if err != nil {
		return err
	}
	args = append(args, id, string(expected))
	query := fmt.Sprintf(`UPDATE users SET %s, updated_at = now() WHERE id = $%d AND status = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: status changed concurrently", shared.ErrConflict)
	}
	return nil
}

// RecordLoginFailure bumps the failed-attempt counter and optionally
// locks the account.
func (r *Repository) RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockUntil *time.Time) error {
	if lockUntil != nil {
		_, err := r.pool.Exec(ctx, `UPDATE users SET failed_login_attempts = $1, status = $2, locked_until = $3, updated_at = now() WHERE id = $4`,
			attempts, string(StatusLocked), lockUntil, id)
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE users SET failed_login_attempts = $1, updated_at = now() WHERE id = $2`, attempts, id)
	return err
}

// ResetLoginFailures clears the counter after a successful login.
func (r *Repository) ResetLoginFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET failed_login_attempts = 0, updated_at = now() WHERE id = $1`, id)
	return err
}

func buildSets(fields map[string]any) ([]string, []any, error) {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for name, value := range fields {
		column, ok := fieldColumns[name]
		if !ok {
			return nil, nil, fmt.Errorf("users: field %q has no column mapping", name)
		}
		if name == FieldPreferences {
			data, err := json.Marshal(value)
			if err != nil {
				return nil, nil, err
			}
			value = data
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	return sets, args, nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	var list []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	var role, status string
	var prefs []byte
	err := row.Scan(&user.ID, &user.Username, &user.Email, &role, &status,
		&user.LicenseNumber, &user.OrganizationName, &user.Phone, &user.Address, &prefs,
		&user.FailedLoginAttempts, &user.LockedUntil, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	user.Role = rbac.Role(role)
	user.Status = Status(status)
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &user.Preferences); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

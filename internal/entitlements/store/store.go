// internal/entitlements/store/store.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/models"

	"github.com/redis/go-redis/v9"
)

var (
	ErrPermissionNotFound = errors.New("PERMISSION_NOT_FOUND")
	ErrOwnerNotFound      = errors.New("OWNER_NOT_FOUND")
	ErrGrantNotActive     = errors.New("GRANT_NOT_ACTIVE")
	ErrStoreQuery         = errors.New("STORE_QUERY_FAILED")
	ErrStoreWrite         = errors.New("STORE_WRITE_FAILED")
)

// Store reads and updates entitlement records in PostgreSQL. Permission
// definitions are static reference data and pass through a Redis cache.
type Store struct {
	db       *sql.DB
	redis    *redis.Client
	cacheTTL time.Duration
	logger   logger.Logger
}

func New(db *sql.DB, redisClient *redis.Client, cacheTTL time.Duration, log logger.Logger) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Store{
		db:       db,
		redis:    redisClient,
		cacheTTL: cacheTTL,
		logger:   log.WithFields(map[string]interface{}{"component": "entitlement-store"}),
	}
}

// PermissionBySlug resolves a permission definition by its slug. Cache misses
// fall through to PostgreSQL; cache errors are ignored.
func (s *Store) PermissionBySlug(ctx context.Context, slug string) (*models.PermissionDefinition, error) {
	cacheKey := "perm:" + slug
	if s.redis != nil {
		if val, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var def models.PermissionDefinition
			if err := json.Unmarshal([]byte(val), &def); err == nil {
				return &def, nil
			}
		}
	}

	var def models.PermissionDefinition
	query := `SELECT id, slug, display_name FROM permission_definitions WHERE slug = $1`
	err := s.db.QueryRowContext(ctx, query, slug).Scan(&def.ID, &def.Slug, &def.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}

	if s.redis != nil {
		if data, err := json.Marshal(def); err == nil {
			s.redis.Set(ctx, cacheKey, data, s.cacheTTL)
		}
	}

	return &def, nil
}

// OwnerByEmail looks up an owner profile by contact email.
func (s *Store) OwnerByEmail(ctx context.Context, email string) (*models.OwnerProfile, error) {
	var owner models.OwnerProfile
	query := `SELECT id, email FROM owner_profiles WHERE lower(email) = lower($1)`
	err := s.db.QueryRowContext(ctx, query, email).Scan(&owner.ID, &owner.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	return &owner, nil
}

// OwnerByID looks up an owner profile by id.
func (s *Store) OwnerByID(ctx context.Context, ownerID string) (*models.OwnerProfile, error) {
	var owner models.OwnerProfile
	query := `SELECT id, email FROM owner_profiles WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&owner.ID, &owner.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	return &owner, nil
}

// ActiveGrantsByOwner lists the owner's active grants joined with their
// permission slugs. Expiry filtering is left to the caller, which evaluates
// effectiveness against a single instant.
func (s *Store) ActiveGrantsByOwner(ctx context.Context, ownerID string) ([]models.EntitlementGrant, error) {
	query := `
		SELECT g.id, g.owner_id, g.permission_id, p.slug, g.is_active, g.expires_at, g.discord_user_id
		FROM entitlement_grants g
		JOIN permission_definitions p ON p.id = g.permission_id
		WHERE g.owner_id = $1 AND g.is_active = TRUE`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	defer rows.Close()

	grants, err := scanGrants(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	return grants, nil
}

// ActiveExpiredGrants lists grants for a permission that are still marked
// active but whose expiry has passed. Grants without an expiry never appear.
func (s *Store) ActiveExpiredGrants(ctx context.Context, permissionID string, now time.Time) ([]models.EntitlementGrant, error) {
	query := `
		SELECT g.id, g.owner_id, g.permission_id, p.slug, g.is_active, g.expires_at, g.discord_user_id
		FROM entitlement_grants g
		JOIN permission_definitions p ON p.id = g.permission_id
		WHERE g.permission_id = $1
		  AND g.is_active = TRUE
		  AND g.expires_at IS NOT NULL
		  AND g.expires_at <= $2`
	rows, err := s.db.QueryContext(ctx, query, permissionID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	defer rows.Close()

	grants, err := scanGrants(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreQuery, err)
	}
	return grants, nil
}

// DeactivateGrant flips an active grant to inactive. The is_active guard makes
// the update conditional, so a grant deactivated concurrently surfaces as
// ErrGrantNotActive instead of a silent double write.
func (s *Store) DeactivateGrant(ctx context.Context, grantID string) error {
	query := `UPDATE entitlement_grants SET is_active = FALSE, deactivated_at = NOW() WHERE id = $1 AND is_active = TRUE`
	res, err := s.db.ExecContext(ctx, query, grantID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		return ErrGrantNotActive
	}
	return nil
}

// LinkDiscordIdentity records the Discord account a grant was synchronized to.
// The linkage is set once and kept even after the grant is deactivated.
func (s *Store) LinkDiscordIdentity(ctx context.Context, grantID, discordUserID string) error {
	query := `UPDATE entitlement_grants SET discord_user_id = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, grantID, discordUserID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: grant %s not found", ErrStoreWrite, grantID)
	}
	return nil
}

func scanGrants(rows *sql.Rows) ([]models.EntitlementGrant, error) {
	var grants []models.EntitlementGrant
	for rows.Next() {
		var g models.EntitlementGrant
		var expiresAt sql.NullTime
		var discordUserID sql.NullString
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.PermissionID, &g.PermissionSlug,
			&g.IsActive, &expiresAt, &discordUserID); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		if discordUserID.Valid {
			id := discordUserID.String
			g.DiscordUserID = &id
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

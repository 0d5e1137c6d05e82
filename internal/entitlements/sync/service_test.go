// internal/entitlements/sync/service_test.go
package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	stderrors "trinity-bot/internal/common/errors"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/bindings"
	"trinity-bot/internal/entitlements/store"
	"trinity-bot/internal/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID = "900000000000000001"
	citizenRole = "111111111111111111"
	founderRole = "222222222222222222"
	testUserID  = "discord-user-1"
	testOwnerID = "owner-1"
	testEmail   = "alice@example.com"
)

// ==========================
// Fakes
// ==========================

type fakeStore struct {
	owner        *models.OwnerProfile
	ownerErr     error
	grants       []models.EntitlementGrant
	grantsErr    error
	linkErr      error
	linkedGrants map[string]string
}

func (f *fakeStore) OwnerByEmail(_ context.Context, _ string) (*models.OwnerProfile, error) {
	if f.ownerErr != nil {
		return nil, f.ownerErr
	}
	return f.owner, nil
}

func (f *fakeStore) ActiveGrantsByOwner(_ context.Context, _ string) ([]models.EntitlementGrant, error) {
	if f.grantsErr != nil {
		return nil, f.grantsErr
	}
	return f.grants, nil
}

func (f *fakeStore) LinkDiscordIdentity(_ context.Context, grantID, discordUserID string) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	if f.linkedGrants == nil {
		f.linkedGrants = make(map[string]string)
	}
	f.linkedGrants[grantID] = discordUserID
	return nil
}

type fakeDirectory struct {
	roles      []discord.Role
	rolesErr   error
	member     *discord.Member
	memberErr  error
	addErr     map[string]error
	addedRoles []string
}

func (f *fakeDirectory) GuildRoles(_ context.Context, _ string) ([]discord.Role, error) {
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	return f.roles, nil
}

func (f *fakeDirectory) GuildMember(_ context.Context, _, _ string) (*discord.Member, error) {
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return f.member, nil
}

func (f *fakeDirectory) AddMemberRole(_ context.Context, _, _, roleID string) error {
	if err, ok := f.addErr[roleID]; ok {
		return err
	}
	f.addedRoles = append(f.addedRoles, roleID)
	return nil
}

// ==========================
// Test Helper Functions
// ==========================

func testBindings(t *testing.T) *bindings.Bindings {
	b, err := bindings.Parse([]byte(`{"bindings": [
		{"slug": "citizen", "roleId": "` + citizenRole + `"},
		{"slug": "founder", "roleId": "` + founderRole + `"}
	]}`))
	require.NoError(t, err)
	return b
}

func createSynchronizer(t *testing.T, st *fakeStore, dir *fakeDirectory) *Synchronizer {
	return New(st, dir, testBindings(t), nil, nil, nil, testGuildID, logger.NewTestLogger(t))
}

func effectiveGrant(id, slug string) models.EntitlementGrant {
	expiry := time.Now().Add(24 * time.Hour)
	return models.EntitlementGrant{
		ID:             id,
		OwnerID:        testOwnerID,
		PermissionID:   "perm-" + slug,
		PermissionSlug: slug,
		IsActive:       true,
		ExpiresAt:      &expiry,
	}
}

func perpetualGrant(id, slug string) models.EntitlementGrant {
	g := effectiveGrant(id, slug)
	g.ExpiresAt = nil
	return g
}

func guildRoles(ids ...string) []discord.Role {
	roles := make([]discord.Role, 0, len(ids))
	for _, id := range ids {
		roles = append(roles, discord.Role{ID: id})
	}
	return roles
}

// ==========================
// Core Functionality Tests
// ==========================

func TestSynchronizer_VerifyAndSync_Grants(t *testing.T) {
	t.Run("single effective grant is granted and linked", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole, founderRole),
			member: &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		require.Len(t, result.Granted, 1)
		assert.Empty(t, result.Failed)
		assert.Empty(t, result.Skipped)
		assert.Equal(t, "grant-1", result.Granted[0].GrantID)
		assert.Equal(t, citizenRole, result.Granted[0].RoleID)
		assert.Equal(t, []string{citizenRole}, dir.addedRoles)
		assert.Equal(t, testUserID, st.linkedGrants["grant-1"])
		assert.NotEmpty(t, result.OperationID)
	})

	t.Run("perpetual grant is effective", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{perpetualGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
	})

	t.Run("linkage persist failure does not fail the grant", func(t *testing.T) {
		st := &fakeStore{
			owner:   &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants:  []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
			linkErr: errors.New("write timeout"),
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
		assert.Empty(t, result.Failed)
	})
}

// ==========================
// Lookup Error Tests
// ==========================

func TestSynchronizer_VerifyAndSync_LookupErrors(t *testing.T) {
	tests := []struct {
		name         string
		st           *fakeStore
		expectedCode stderrors.ErrorCode
	}{
		{
			name:         "unknown email",
			st:           &fakeStore{ownerErr: store.ErrOwnerNotFound},
			expectedCode: stderrors.ErrCodeOwnerNotFound,
		},
		{
			name:         "owner lookup store failure",
			st:           &fakeStore{ownerErr: errors.New("connection refused")},
			expectedCode: stderrors.ErrCodeStoreQueryFailed,
		},
		{
			name: "grant query store failure",
			st: &fakeStore{
				owner:     &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
				grantsErr: errors.New("connection refused"),
			},
			expectedCode: stderrors.ErrCodeStoreQueryFailed,
		},
		{
			name: "no grants at all",
			st: &fakeStore{
				owner: &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			},
			expectedCode: stderrors.ErrCodeNoEffectiveGrants,
		},
		{
			name: "only expired grants",
			st: &fakeStore{
				owner: &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
				grants: func() []models.EntitlementGrant {
					g := effectiveGrant("grant-1", "citizen")
					past := time.Now().Add(-time.Hour)
					g.ExpiresAt = &past
					return []models.EntitlementGrant{g}
				}(),
			},
			expectedCode: stderrors.ErrCodeNoEffectiveGrants,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &fakeDirectory{roles: guildRoles(citizenRole)}
			s := createSynchronizer(t, tt.st, dir)

			result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

			assert.Nil(t, result)
			require.Error(t, err)
			var stdErr *stderrors.StandardError
			require.True(t, errors.As(err, &stdErr))
			assert.Equal(t, tt.expectedCode, stdErr.Code)
			assert.Empty(t, dir.addedRoles)
		})
	}
}

// ==========================
// Per-Grant Classification Tests
// ==========================

func TestSynchronizer_VerifyAndSync_Classification(t *testing.T) {
	t.Run("unbound slug is skipped, never failed", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "unmapped-slug")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Empty(t, result.Granted)
		assert.Empty(t, result.Failed)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, ReasonUnbound, result.Skipped[0].Reason)
		assert.Empty(t, dir.addedRoles)
	})

	t.Run("stale role fails that grant only", func(t *testing.T) {
		st := &fakeStore{
			owner: &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{
				effectiveGrant("grant-1", "citizen"),
				effectiveGrant("grant-2", "founder"),
			},
		}
		// The founder role was deleted from the guild.
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		require.Len(t, result.Granted, 1)
		assert.Equal(t, "grant-1", result.Granted[0].GrantID)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, "grant-2", result.Failed[0].GrantID)
		assert.Equal(t, ReasonStaleRole, result.Failed[0].Reason)
		assert.Equal(t, []string{citizenRole}, dir.addedRoles)
	})

	t.Run("already-held role is skipped on second run", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{citizenRole}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Empty(t, result.Granted)
		assert.Empty(t, result.Failed)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, ReasonAlreadyHeld, result.Skipped[0].Reason)
		assert.Empty(t, dir.addedRoles)
	})

	t.Run("add-role error fails the grant", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
			addErr: map[string]error{citizenRole: errors.New("missing permissions")},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Empty(t, result.Granted)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, ReasonAddFailed, result.Failed[0].Reason)
		assert.Empty(t, st.linkedGrants)
	})

	t.Run("role snapshot failure degrades staleness check instead of aborting", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			rolesErr: errors.New("rate limited"),
			member:   &discord.Member{Roles: []string{}},
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
	})

	t.Run("member fetch failure skips already-held check", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:     guildRoles(citizenRole),
			memberErr: discord.ErrMemberNotFound,
		}

		s := createSynchronizer(t, st, dir)
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
	})
}

// ==========================
// Idempotence Test
// ==========================

func TestSynchronizer_VerifyAndSync_Idempotent(t *testing.T) {
	st := &fakeStore{
		owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
		grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
	}
	dir := &fakeDirectory{
		roles:  guildRoles(citizenRole),
		member: &discord.Member{Roles: []string{}},
	}

	s := createSynchronizer(t, st, dir)

	first, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)
	require.NoError(t, err)
	require.Len(t, first.Granted, 1)

	// The member now holds the role.
	dir.member = &discord.Member{Roles: []string{citizenRole}}

	second, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)
	require.NoError(t, err)
	assert.Empty(t, second.Granted)
	require.Len(t, second.Skipped, 1)
	assert.Equal(t, ReasonAlreadyHeld, second.Skipped[0].Reason)

	// Only the first run touched the platform.
	assert.Equal(t, []string{citizenRole}, dir.addedRoles)
}

// ==========================
// In-Flight Lock Tests
// ==========================

func TestSynchronizer_VerifyAndSync_InFlightLock(t *testing.T) {
	t.Run("concurrent verification for the same owner is rejected", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{roles: guildRoles(citizenRole)}

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectSetNX("verify:inflight:"+testOwnerID, "1", inFlightTTL).SetVal(false)

		s := New(st, dir, testBindings(t), redisClient, nil, nil, testGuildID, logger.NewTestLogger(t))
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		assert.Nil(t, result)
		assert.True(t, errors.Is(err, ErrVerificationInFlight))
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("lock acquired and released around the pass", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectSetNX("verify:inflight:"+testOwnerID, "1", inFlightTTL).SetVal(true)
		redisMock.ExpectDel("verify:inflight:" + testOwnerID).SetVal(1)

		s := New(st, dir, testBindings(t), redisClient, nil, nil, testGuildID, logger.NewTestLogger(t))
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("redis outage does not block verification", func(t *testing.T) {
		st := &fakeStore{
			owner:  &models.OwnerProfile{ID: testOwnerID, Email: testEmail},
			grants: []models.EntitlementGrant{effectiveGrant("grant-1", "citizen")},
		}
		dir := &fakeDirectory{
			roles:  guildRoles(citizenRole),
			member: &discord.Member{Roles: []string{}},
		}

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectSetNX("verify:inflight:"+testOwnerID, "1", inFlightTTL).
			SetErr(errors.New("connection refused"))

		s := New(st, dir, testBindings(t), redisClient, nil, nil, testGuildID, logger.NewTestLogger(t))
		result, err := s.VerifyAndSync(context.Background(), testEmail, testUserID)

		require.NoError(t, err)
		assert.Len(t, result.Granted, 1)
	})
}

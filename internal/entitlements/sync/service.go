// internal/entitlements/sync/service.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	stderrors "trinity-bot/internal/common/errors"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/common/metrics"
	"trinity-bot/internal/common/observability"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/audit"
	"trinity-bot/internal/entitlements/bindings"
	"trinity-bot/internal/entitlements/store"
	"trinity-bot/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrVerificationInFlight is returned when a concurrent verification for the
// same owner is already running.
var ErrVerificationInFlight = errors.New("VERIFICATION_IN_FLIGHT")

// inFlightTTL bounds how long a verification lock can linger after a crash.
const inFlightTTL = 30 * time.Second

// Store is the slice of the entitlement store the synchronizer reads.
type Store interface {
	OwnerByEmail(ctx context.Context, email string) (*models.OwnerProfile, error)
	ActiveGrantsByOwner(ctx context.Context, ownerID string) ([]models.EntitlementGrant, error)
	LinkDiscordIdentity(ctx context.Context, grantID, discordUserID string) error
}

// Directory is the slice of the Discord API the synchronizer calls.
type Directory interface {
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
	GuildMember(ctx context.Context, guildID, userID string) (*discord.Member, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// Synchronizer converts an owner's effective entitlement grants into Discord
// roles. Re-running it for the same owner is safe: roles already held are
// skipped, not re-granted.
type Synchronizer struct {
	store     Store
	directory Directory
	bindings  *bindings.Bindings
	redis     *redis.Client
	audit     audit.Recorder
	tracing   *observability.Tracing
	guildID   string
	logger    logger.Logger
	now       func() time.Time
}

func New(store Store, directory Directory, b *bindings.Bindings, redisClient *redis.Client,
	recorder audit.Recorder, tracing *observability.Tracing, guildID string, log logger.Logger) *Synchronizer {
	if recorder == nil {
		recorder = audit.NoOpRecorder{}
	}
	if tracing == nil {
		tracing = observability.NewTracing("role-synchronizer", "")
	}
	return &Synchronizer{
		store:     store,
		directory: directory,
		bindings:  b,
		redis:     redisClient,
		audit:     recorder,
		tracing:   tracing,
		guildID:   guildID,
		logger:    log.WithFields(map[string]interface{}{"component": "role-synchronizer"}),
		now:       time.Now,
	}
}

// VerifyAndSync looks up the owner for a verified email and synchronizes the
// owner's effective grants onto the given Discord account. Every grant gets an
// individual verdict; one bad grant never aborts the others.
func (s *Synchronizer) VerifyAndSync(ctx context.Context, email, discordUserID string) (*Result, error) {
	ctx, span := s.tracing.StartSpan(ctx, "synchronizer.verify")
	defer span.End()

	owner, err := s.store.OwnerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrOwnerNotFound) {
			recordOutcome(span, "owner_not_found")
			return nil, stderrors.NewOwnerNotFoundError(fmt.Sprintf("email lookup: %v", err))
		}
		recordOutcome(span, "store_error")
		return nil, stderrors.NewStoreQueryFailedError("OwnerByEmail", err)
	}

	release, err := s.acquireInFlight(ctx, owner.ID)
	if err != nil {
		recordOutcome(span, "in_flight")
		return nil, err
	}
	defer release()

	grants, err := s.store.ActiveGrantsByOwner(ctx, owner.ID)
	if err != nil {
		recordOutcome(span, "store_error")
		return nil, stderrors.NewStoreQueryFailedError("ActiveGrantsByOwner", err)
	}

	now := s.now()
	var effective []models.EntitlementGrant
	for _, g := range grants {
		if g.Effective(now) {
			effective = append(effective, g)
		}
	}
	if len(effective) == 0 {
		recordOutcome(span, "no_effective_grants")
		return nil, stderrors.NewNoEffectiveGrantsError(owner.ID)
	}

	result := &Result{
		OperationID:   uuid.NewString(),
		OwnerID:       owner.ID,
		DiscordUserID: discordUserID,
	}

	log := s.logger.WithFields(map[string]interface{}{
		"operationId":   result.OperationID,
		"ownerId":       owner.ID,
		"discordUserId": discordUserID,
	})
	log.Info("starting role synchronization", map[string]interface{}{
		"effectiveGrants": len(effective),
	})

	guildRoles, member := s.snapshotGuild(ctx, discordUserID, log)

	for _, grant := range effective {
		outcome := s.syncGrant(ctx, grant, discordUserID, guildRoles, member, result.OperationID, log)
		switch outcome.Reason {
		case "":
			result.Granted = append(result.Granted, outcome)
		case ReasonUnbound, ReasonAlreadyHeld:
			result.Skipped = append(result.Skipped, outcome)
		default:
			result.Failed = append(result.Failed, outcome)
		}
	}

	log.Info("role synchronization complete", map[string]interface{}{
		"granted": len(result.Granted),
		"failed":  len(result.Failed),
		"skipped": len(result.Skipped),
	})
	recordOutcome(span, "completed")
	span.SetAttributes(
		attribute.String("verify.operationId", result.OperationID),
		attribute.Int("verify.granted", len(result.Granted)),
		attribute.Int("verify.failed", len(result.Failed)),
		attribute.Int("verify.skipped", len(result.Skipped)),
	)

	return result, nil
}

func recordOutcome(span trace.Span, outcome string) {
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("verify.outcome", outcome))
}

// syncGrant applies one grant. Verdict precedence: unbound slugs are skipped
// before anything else, then stale roles fail, then roles already held are
// skipped, then the add call decides.
func (s *Synchronizer) syncGrant(ctx context.Context, grant models.EntitlementGrant, discordUserID string,
	guildRoles map[string]bool, member *discord.Member, operationID string, log logger.Logger) GrantOutcome {

	outcome := GrantOutcome{GrantID: grant.ID, Slug: grant.PermissionSlug}

	roleID, bound := s.bindings.RoleFor(grant.PermissionSlug)
	if !bound {
		log.Info("permission slug has no role binding, skipping", map[string]interface{}{
			"grantId": grant.ID,
			"slug":    grant.PermissionSlug,
		})
		outcome.Reason = ReasonUnbound
		return outcome
	}
	outcome.RoleID = roleID

	if guildRoles != nil && !guildRoles[roleID] {
		log.Warn("bound role no longer exists on guild", map[string]interface{}{
			"grantId": grant.ID,
			"slug":    grant.PermissionSlug,
			"roleId":  roleID,
		})
		outcome.Reason = ReasonStaleRole
		return outcome
	}

	if member != nil && member.HasRole(roleID) {
		outcome.Reason = ReasonAlreadyHeld
		return outcome
	}

	if err := s.directory.AddMemberRole(ctx, s.guildID, discordUserID, roleID); err != nil {
		log.Error("failed to add role", map[string]interface{}{
			"grantId": grant.ID,
			"roleId":  roleID,
			"error":   err.Error(),
		})
		outcome.Reason = ReasonAddFailed
		return outcome
	}

	metrics.RolesGranted.Inc()
	s.audit.Record(ctx, audit.Event{
		Type:          audit.EventRoleGranted,
		GrantID:       grant.ID,
		OwnerID:       grant.OwnerID,
		DiscordUserID: discordUserID,
		Slug:          grant.PermissionSlug,
		RoleID:        roleID,
		OperationID:   operationID,
	})

	// Linkage is fire-and-forget: the role is already on the member, so a
	// failed write only costs the reconciler a lookup later.
	if err := s.store.LinkDiscordIdentity(ctx, grant.ID, discordUserID); err != nil {
		log.Warn("failed to persist discord linkage", map[string]interface{}{
			"grantId": grant.ID,
			"error":   err.Error(),
		})
	}

	return outcome
}

// snapshotGuild fetches the guild role list and the target member once per
// sync. Either fetch failing degrades the checks it feeds rather than
// aborting the pass: a nil role set skips staleness checks, a nil member
// skips the already-held check.
func (s *Synchronizer) snapshotGuild(ctx context.Context, discordUserID string, log logger.Logger) (map[string]bool, *discord.Member) {
	var roleSet map[string]bool
	roles, err := s.directory.GuildRoles(ctx, s.guildID)
	if err != nil {
		log.Warn("failed to list guild roles, staleness checks disabled for this pass", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		roleSet = make(map[string]bool, len(roles))
		for _, r := range roles {
			roleSet[r.ID] = true
		}
	}

	member, err := s.directory.GuildMember(ctx, s.guildID, discordUserID)
	if err != nil {
		if errors.Is(err, discord.ErrMemberNotFound) {
			log.Warn("user is not a guild member", map[string]interface{}{
				"discordUserId": discordUserID,
			})
		} else {
			log.Warn("failed to fetch guild member", map[string]interface{}{
				"error": err.Error(),
			})
		}
		member = nil
	}

	return roleSet, member
}

// acquireInFlight takes a short-lived per-owner lock in Redis so two
// concurrent verifications for the same owner cannot interleave. Without
// Redis the lock degrades to a no-op.
func (s *Synchronizer) acquireInFlight(ctx context.Context, ownerID string) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}
	key := "verify:inflight:" + ownerID
	ok, err := s.redis.SetNX(ctx, key, "1", inFlightTTL).Result()
	if err != nil {
		// A cache outage should not block verification.
		s.logger.Warn("in-flight lock unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return func() {}, nil
	}
	if !ok {
		return nil, ErrVerificationInFlight
	}
	return func() {
		s.redis.Del(context.WithoutCancel(ctx), key)
	}, nil
}

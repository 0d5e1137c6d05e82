// internal/entitlements/reconciler/service.go
package reconciler

import (
	"context"
	"errors"
	"time"

	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/common/metrics"
	"trinity-bot/internal/common/observability"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/audit"
	"trinity-bot/internal/entitlements/bindings"
	"trinity-bot/internal/entitlements/store"
	"trinity-bot/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the slice of the entitlement store the reconciler uses.
type Store interface {
	PermissionBySlug(ctx context.Context, slug string) (*models.PermissionDefinition, error)
	ActiveExpiredGrants(ctx context.Context, permissionID string, now time.Time) ([]models.EntitlementGrant, error)
	DeactivateGrant(ctx context.Context, grantID string) error
	OwnerByID(ctx context.Context, ownerID string) (*models.OwnerProfile, error)
}

// Directory is the slice of the Discord API the reconciler calls.
type Directory interface {
	BotGuilds(ctx context.Context) ([]discord.Guild, error)
	GuildMember(ctx context.Context, guildID, userID string) (*discord.Member, error)
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// Notifier delivers expiry notices and stuck-grant alerts.
type Notifier interface {
	SendExpiryNotice(ctx context.Context, discordUserID, contactEmail, displayName string) error
	AlertStuckGrant(ctx context.Context, grantID, ownerID, slug string)
}

// Per-grant sweep results, used as metric labels and summary counters.
const (
	resultRevoked    = "revoked"
	resultUnlinked   = "unlinked"
	resultNoRole     = "no_role_held"
	resultStoreError = "store_error"
	resultRaced      = "raced"
)

// Summary counts one sweep's outcomes.
type Summary struct {
	SweepID     string
	Processed   int
	Revoked     int
	Unlinked    int
	NoRoleHeld  int
	StoreErrors int
	Raced       int
}

// Reconciler sweeps managed permission slugs for grants that are still active
// past their expiry, deactivates them, and removes the matching Discord role.
// The store write always lands before any platform call so a crash mid-grant
// leaves the store conservative rather than the platform.
type Reconciler struct {
	store     Store
	directory Directory
	bindings  *bindings.Bindings
	notifier  Notifier
	audit     audit.Recorder
	obs       *observability.Observability
	tracing   *observability.Tracing
	slugs     []string
	logger    logger.Logger
	now       func() time.Time
}

func New(st Store, directory Directory, b *bindings.Bindings, notifier Notifier,
	recorder audit.Recorder, obs *observability.Observability, tracing *observability.Tracing,
	managedSlugs []string, log logger.Logger) *Reconciler {
	if recorder == nil {
		recorder = audit.NoOpRecorder{}
	}
	if tracing == nil {
		tracing = observability.NewTracing("expiry-reconciler", "")
	}
	return &Reconciler{
		store:     st,
		directory: directory,
		bindings:  b,
		notifier:  notifier,
		audit:     recorder,
		obs:       obs,
		tracing:   tracing,
		slugs:     managedSlugs,
		logger:    log.WithFields(map[string]interface{}{"component": "expiry-reconciler"}),
		now:       time.Now,
	}
}

// Sweep runs one full reconciliation pass. A panic anywhere inside is
// recovered and logged; the scheduler keeps the cadence either way.
func (r *Reconciler) Sweep(ctx context.Context) {
	sweepID := uuid.NewString()
	log := r.logger.WithFields(map[string]interface{}{"sweepId": sweepID})

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("sweep panicked", map[string]interface{}{
				"panic": rec,
			})
			metrics.SweepsTotal.WithLabelValues("panic").Inc()
			if r.obs != nil {
				r.obs.RecordSweep(ctx, "panic")
			}
		}
	}()

	ctx, span := r.tracing.StartSpan(ctx, "reconciler.sweep")
	span.SetAttributes(attribute.String("sweep.id", sweepID))
	defer span.End()

	start := r.now()
	summary := r.sweep(ctx, sweepID, log)
	elapsed := time.Since(start)

	metrics.SweepsTotal.WithLabelValues("completed").Inc()
	metrics.SweepDuration.Observe(elapsed.Seconds())
	if r.obs != nil {
		r.obs.RecordSweep(ctx, "completed")
		r.obs.RecordSweepDuration(ctx, elapsed, "completed")
	}
	span.SetAttributes(
		attribute.Int("sweep.processed", summary.Processed),
		attribute.Int("sweep.revoked", summary.Revoked),
	)

	log.Info("sweep complete", map[string]interface{}{
		"processed":   summary.Processed,
		"revoked":     summary.Revoked,
		"unlinked":    summary.Unlinked,
		"noRoleHeld":  summary.NoRoleHeld,
		"storeErrors": summary.StoreErrors,
		"raced":       summary.Raced,
		"durationMs":  elapsed.Milliseconds(),
	})
}

func (r *Reconciler) sweep(ctx context.Context, sweepID string, log logger.Logger) *Summary {
	summary := &Summary{SweepID: sweepID}
	now := r.now()

	for _, slug := range r.slugs {
		def, err := r.store.PermissionBySlug(ctx, slug)
		if err != nil {
			log.Error("failed to resolve managed slug", map[string]interface{}{
				"slug":  slug,
				"error": err.Error(),
			})
			continue
		}

		grants, err := r.store.ActiveExpiredGrants(ctx, def.ID, now)
		if err != nil {
			log.Error("failed to list expired grants", map[string]interface{}{
				"slug":  slug,
				"error": err.Error(),
			})
			continue
		}
		if len(grants) == 0 {
			continue
		}

		log.Info("processing expired grants", map[string]interface{}{
			"slug":  slug,
			"count": len(grants),
		})

		for _, grant := range grants {
			result := r.reconcileGrant(ctx, grant, def, sweepID, log)
			summary.Processed++
			metrics.ExpiredGrantsProcessed.WithLabelValues(result).Inc()
			switch result {
			case resultRevoked:
				summary.Revoked++
			case resultUnlinked:
				summary.Unlinked++
			case resultNoRole:
				summary.NoRoleHeld++
			case resultStoreError:
				summary.StoreErrors++
			case resultRaced:
				summary.Raced++
			}
		}
	}

	return summary
}

// reconcileGrant handles one expired grant in isolation. Any failure is
// contained to this grant; the sweep moves on.
func (r *Reconciler) reconcileGrant(ctx context.Context, grant models.EntitlementGrant,
	def *models.PermissionDefinition, sweepID string, log logger.Logger) string {

	grantLog := log.WithFields(map[string]interface{}{
		"grantId": grant.ID,
		"ownerId": grant.OwnerID,
		"slug":    grant.PermissionSlug,
	})

	// Deactivate before touching the platform. Zero rows means something
	// else flipped the grant since the query, most likely a concurrent
	// verification pass; that grant is no longer ours to reconcile.
	if err := r.store.DeactivateGrant(ctx, grant.ID); err != nil {
		if errors.Is(err, store.ErrGrantNotActive) {
			grantLog.Info("grant deactivated concurrently, skipping", nil)
			return resultRaced
		}
		grantLog.Error("failed to deactivate grant, leaving platform untouched", map[string]interface{}{
			"error": err.Error(),
		})
		return resultStoreError
	}

	r.audit.Record(ctx, audit.Event{
		Type:        audit.EventGrantDeactivated,
		GrantID:     grant.ID,
		OwnerID:     grant.OwnerID,
		Slug:        grant.PermissionSlug,
		OperationID: sweepID,
	})

	if grant.DiscordUserID == nil {
		grantLog.Warn("expired grant has no linked discord identity", nil)
		r.notifier.AlertStuckGrant(ctx, grant.ID, grant.OwnerID, grant.PermissionSlug)
		return resultUnlinked
	}
	discordUserID := *grant.DiscordUserID

	roleID, bound := r.bindings.RoleFor(grant.PermissionSlug)
	if !bound {
		grantLog.Info("slug has no role binding, nothing to revoke", nil)
		return resultNoRole
	}

	removed := r.removeRoleWhereHeld(ctx, discordUserID, roleID, grantLog)
	if !removed {
		return resultNoRole
	}

	metrics.RolesRevoked.Inc()
	r.audit.Record(ctx, audit.Event{
		Type:          audit.EventRoleRevoked,
		GrantID:       grant.ID,
		OwnerID:       grant.OwnerID,
		DiscordUserID: discordUserID,
		Slug:          grant.PermissionSlug,
		RoleID:        roleID,
		OperationID:   sweepID,
	})

	contactEmail := r.contactEmail(ctx, grant.OwnerID, grantLog)
	if err := r.notifier.SendExpiryNotice(ctx, discordUserID, contactEmail, def.DisplayName); err != nil {
		grantLog.Warn("expiry notice undeliverable", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return resultRevoked
}

// removeRoleWhereHeld walks the bot's guilds and strips the role from the
// first guild where the member actually holds it.
func (r *Reconciler) removeRoleWhereHeld(ctx context.Context, discordUserID, roleID string, log logger.Logger) bool {
	guilds, err := r.directory.BotGuilds(ctx)
	if err != nil {
		log.Error("failed to list bot guilds", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}

	for _, guild := range guilds {
		member, err := r.directory.GuildMember(ctx, guild.ID, discordUserID)
		if err != nil {
			if !errors.Is(err, discord.ErrMemberNotFound) {
				log.Warn("failed to fetch member", map[string]interface{}{
					"guildId": guild.ID,
					"error":   err.Error(),
				})
			}
			continue
		}
		if !member.HasRole(roleID) {
			continue
		}

		if err := r.directory.RemoveMemberRole(ctx, guild.ID, discordUserID, roleID); err != nil {
			log.Error("failed to remove role", map[string]interface{}{
				"guildId": guild.ID,
				"roleId":  roleID,
				"error":   err.Error(),
			})
			return false
		}

		log.Info("role removed", map[string]interface{}{
			"guildId": guild.ID,
			"roleId":  roleID,
		})
		return true
	}

	log.Info("member holds the role in no guild, nothing to revoke", nil)
	return false
}

func (r *Reconciler) contactEmail(ctx context.Context, ownerID string, log logger.Logger) string {
	owner, err := r.store.OwnerByID(ctx, ownerID)
	if err != nil {
		log.Warn("failed to resolve owner contact email", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return owner.Email
}

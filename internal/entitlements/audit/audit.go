// internal/entitlements/audit/audit.go
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trinity-bot/internal/common/logger"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
)

// Event types recorded to the audit trail.
const (
	EventRoleGranted      = "role_granted"
	EventRoleRevoked      = "role_revoked"
	EventGrantDeactivated = "grant_deactivated"
)

// Event is one entry in the entitlement audit trail.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	GrantID       string    `json:"grantId"`
	OwnerID       string    `json:"ownerId,omitempty"`
	DiscordUserID string    `json:"discordUserId,omitempty"`
	Slug          string    `json:"slug,omitempty"`
	RoleID        string    `json:"roleId,omitempty"`
	OperationID   string    `json:"operationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Recorder persists audit events. Recording is best-effort; implementations
// must not let audit failures affect the operation being audited.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// ESRecorder writes one document per event to a daily Elasticsearch index.
type ESRecorder struct {
	client      *elasticsearch.Client
	indexPrefix string
	logger      logger.Logger
}

func NewESRecorder(client *elasticsearch.Client, indexPrefix string, log logger.Logger) *ESRecorder {
	if indexPrefix == "" {
		indexPrefix = "entitlement-audit"
	}
	return &ESRecorder{
		client:      client,
		indexPrefix: indexPrefix,
		logger:      log.WithFields(map[string]interface{}{"component": "audit-recorder"}),
	}
}

// Record indexes the event into <prefix>-YYYY.MM.DD. Failures are logged and
// swallowed.
func (r *ESRecorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to marshal audit event", map[string]interface{}{
			"eventType": event.Type,
			"error":     err.Error(),
		})
		return
	}

	index := fmt.Sprintf("%s-%s", r.indexPrefix, event.Timestamp.Format("2006.01.02"))
	res, err := r.client.Index(index, bytes.NewReader(body),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(event.ID),
	)
	if err != nil {
		r.logger.Warn("failed to index audit event", map[string]interface{}{
			"index":     index,
			"eventType": event.Type,
			"error":     err.Error(),
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		r.logger.Warn("audit index request rejected", map[string]interface{}{
			"index":  index,
			"status": res.StatusCode,
		})
	}
}

// NoOpRecorder discards events. Used when Elasticsearch is not configured.
type NoOpRecorder struct{}

func (NoOpRecorder) Record(context.Context, Event) {}

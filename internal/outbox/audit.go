package outbox

import (
	"context"
	"encoding/json"

	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	"gorm.io/gorm"
)

// EnqueueAudit schedules an audit line for delivery after tx commits.
func (w *Writer) EnqueueAudit(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	return w.Enqueue(ctx, tx, TopicAudit, entry)
}

// DeferAudit adds an audit line to the batch carried by ctx.
func DeferAudit(ctx context.Context, entry auditdomain.Entry) bool {
	return Defer(ctx, TopicAudit, entry)
}

type AuditHandler struct {
	audit auditdomain.Service
}

func NewAuditHandler(audit auditdomain.Service) *AuditHandler {
	return &AuditHandler{audit: audit}
}

func (h *AuditHandler) Topic() string { return TopicAudit }

func (h *AuditHandler) Handle(ctx context.Context, body json.RawMessage) error {
	var entry auditdomain.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return err
	}
	return h.audit.Record(ctx, entry)
}

// Package audit persists one record per API request/response and per
// system-originated order event. Writes are best effort and never fail the caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/metrics"
	"order-gateway-go/internal/models"
)

const (
	redacted        = `"[REDACTED]"`
	truncatedSuffix = "...(truncated)"
	apiKeyName      = "apikey"
)

// apiKeyField matches the field the way encoding/json does, ignoring case.
var apiKeyField = regexp.MustCompile(`(?i)("apikey"\s*:\s*)"(?:[^"\\]|\\.)*"`)

// Entry is the information captured for one audited event.
type Entry struct {
	CorrelationID string
	AccountID     *uint
	OrderID       string
	Endpoint      string
	Method        string
	OutcomeCode   int
	RemoteAddr    string
	UserAgent     string
	Request       []byte
	Response      []byte
	// Secrets are removed from both payloads wherever they appear.
	Secrets []string
}

// Recorder writes audit records on its own database handle.
type Recorder struct {
	db      *gorm.DB
	timeout time.Duration
	limit   int
	alerter alert.Alerter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecorder creates a Recorder. db must not be a transaction handle.
func NewRecorder(db *gorm.DB, cfg config.Audit, alerter alert.Alerter, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Recorder{
		db:      db,
		timeout: cfg.Timeout,
		limit:   cfg.PayloadLimit,
		alerter: alerter,
		metrics: m,
		logger:  logger.Named("audit"),
	}
}

// Record persists e. The write outlives cancellation of ctx but is bounded by
// the configured timeout. Failures are logged, counted and alerted.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	rec := models.AuditRecord{
		CorrelationID:   models.CleanText(e.CorrelationID, 64),
		AccountID:       e.AccountID,
		OrderID:         models.CleanText(e.OrderID, 32),
		Endpoint:        models.CleanText(e.Endpoint, 100),
		Method:          models.CleanText(e.Method, 10),
		OutcomeCode:     e.OutcomeCode,
		RemoteAddr:      models.CleanText(e.RemoteAddr, 64),
		UserAgent:       models.CleanText(e.UserAgent, 255),
		RequestPayload:  r.sanitize(e.Request, e.Secrets...),
		ResponsePayload: r.sanitize(e.Response, e.Secrets...),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		r.metrics.AuditFailure()
		r.logger.Error("Failed to write audit record",
			zap.Error(err),
			zap.String("correlation_id", e.CorrelationID),
			zap.String("endpoint", e.Endpoint),
			zap.Int("outcome_code", e.OutcomeCode))
		if r.alerter == nil {
			return
		}
		aerr := r.alerter.Alert(ctx, alert.Event{
			Kind:          alert.KindAuditWriteFailed,
			Message:       "audit record could not be persisted",
			CorrelationID: e.CorrelationID,
			OrderID:       e.OrderID,
			Error:         err.Error(),
			Time:          time.Now().UTC(),
		})
		if aerr != nil {
			r.logger.Error("Failed to deliver audit alert", zap.Error(aerr))
		}
	}
}

// sanitize redacts API keys from payload and makes it storable within the
// configured limit.
func (r *Recorder) sanitize(payload []byte, secrets ...string) string {
	if len(payload) == 0 {
		return ""
	}
	s := models.CleanText(string(payload), 0)
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[REDACTED]")
		}
	}
	s = apiKeyField.ReplaceAllString(s, "${1}"+redacted)
	s = redactEscapedKeys(s)
	if r.limit > 0 && len(s) > r.limit {
		return models.CutText(s, r.limit) + truncatedSuffix
	}
	return s
}

// redactEscapedKeys catches API key fields the pattern cannot see, such as a
// name spelled with \u escapes. The object is re-encoded only in that case.
func redactEscapedKeys(s string) string {
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(s), &fields) != nil {
		return s
	}
	changed := false
	for name, value := range fields {
		if strings.EqualFold(name, apiKeyName) && string(value) != redacted {
			fields[name] = json.RawMessage(redacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return s
	}
	return string(out)
}

// Filter narrows List.
type Filter struct {
	AccountID *uint
	OrderID   string
	AfterSeq  uint64
	Limit     int
}

// List returns records in seq order.
func (r *Recorder) List(ctx context.Context, f Filter) ([]models.AuditRecord, error) {
	q := r.db.WithContext(ctx).Where("seq > ?", f.AfterSeq)
	if f.AccountID != nil {
		q = q.Where("account_id = ?", *f.AccountID)
	}
	if f.OrderID != "" {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []models.AuditRecord
	if err := q.Order("seq").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return recs, nil
}

// Tail returns the most recent n records, still in seq order.
func (r *Recorder) Tail(ctx context.Context, n int) ([]models.AuditRecord, error) {
	var recs []models.AuditRecord
	if err := r.db.WithContext(ctx).Order("seq DESC").Limit(n).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("tail audit records: %w", err)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

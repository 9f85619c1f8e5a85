// Package audit records completed hold state transitions and announces them
// to downstream consumers. Audit failures are surfaced to the caller's log
// but never fail the money path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

// Entry is a single audit event.
type Entry struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
}

// Sink records audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// StoreSink persists audit entries to the audit_logs table.
type StoreSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStoreSink migrates the audit table and returns a database-backed sink.
func NewStoreSink(db *gorm.DB, logger *zap.Logger) (*StoreSink, error) {
	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		return nil, errors.Internal(err, "migrate audit table")
	}
	return &StoreSink{db: db, logger: logger.Named("audit")}, nil
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return errors.Internal(err, "encode audit details for %s", e.Action)
	}
	row := &models.AuditLog{
		ID:           uuid.New(),
		UserID:       e.UserID,
		ActorType:    "system",
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      string(details),
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Internal(err, "write audit log for %s", e.Action)
	}
	return nil
}

// NopSink discards audit entries. Used in tests and memory mode.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(ctx context.Context, e Entry) error { return nil }

// MemorySink keeps entries in memory for assertions in tests.
type MemorySink struct {
	mu      sync.Mutex
	Entries []Entry
}

// Record implements Sink.
func (s *MemorySink) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, e)
	return nil
}

// store.go implements the durable operation mirror on the embedded sqlite
// database. Saves use an upsert keyed by operation id so a restore followed
// by a re-enqueue cannot produce duplicate rows.

package queue

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gluk-w/tunnelcore/internal/database"
)

// GormStore persists operations through a gorm DB handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store over db. Pass database.DB after Init.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save upserts the durable mirror row for op.
func (s *GormStore) Save(op Operation) error {
	headers := "{}"
	if len(op.Headers) > 0 {
		data, err := json.Marshal(op.Headers)
		if err != nil {
			return fmt.Errorf("encode headers for %s: %w", op.ID, err)
		}
		headers = string(data)
	}

	row := database.PersistedOperation{
		OpID:          op.ID,
		Identity:      op.Identity,
		Priority:      int(op.Priority),
		Payload:       op.Payload,
		Headers:       headers,
		Deadline:      op.Deadline,
		EnqueuedAt:    op.EnqueuedAt,
		RetryCount:    op.RetryCount,
		CorrelationID: op.CorrelationID,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "op_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// Delete removes the mirror row for an operation id. Missing rows are not
// an error: restore is idempotent.
func (s *GormStore) Delete(id string) error {
	err := s.db.Where("op_id = ?", id).Delete(&database.PersistedOperation{}).Error
	if err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// Load returns all mirrored operations, oldest first.
func (s *GormStore) Load() ([]Operation, error) {
	var rows []database.PersistedOperation
	if err := s.db.Order("enqueued_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}

	ops := make([]Operation, 0, len(rows))
	for _, row := range rows {
		op := Operation{
			ID:            row.OpID,
			Identity:      row.Identity,
			Priority:      Priority(row.Priority),
			Payload:       row.Payload,
			Deadline:      row.Deadline,
			EnqueuedAt:    row.EnqueuedAt,
			RetryCount:    row.RetryCount,
			CorrelationID: row.CorrelationID,
		}
		if row.Headers != "" && row.Headers != "{}" {
			if err := json.Unmarshal([]byte(row.Headers), &op.Headers); err != nil {
				return nil, fmt.Errorf("decode headers for %s: %w", row.OpID, err)
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

package database

import "time"

// PersistedOperation mirrors one high-priority queue entry. Rows are written
// synchronously on enqueue and deleted on dequeue; anything left after a
// restart belongs to a crashed run and is restored.
type PersistedOperation struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	OpID          string    `gorm:"uniqueIndex;not null"`
	Identity      string    `gorm:"index;not null"`
	Priority      int       `gorm:"not null"`
	Payload       []byte    `gorm:"type:blob"`
	Headers       string    `gorm:"type:text;default:'{}'"` // JSON map
	Deadline      time.Time
	EnqueuedAt    time.Time `gorm:"not null"`
	RetryCount    int       `gorm:"not null;default:0"`
	CorrelationID string
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Ledger records which user messages have already been escalated.
type Ledger interface {
	// Claim records messageID and reports whether this call was the first.
	Claim(ctx context.Context, sessionID, roomID, messageID string) (bool, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Claim(_ context.Context, _, _, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return false, nil
	}
	l.seen[messageID] = struct{}{}
	return true, nil
}

// EscalationEvent is one escalated user message. The unique message id makes
// a repeated claim a no-op insert.
type EscalationEvent struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID string    `gorm:"size:64;not null;uniqueIndex"`
	RoomID    string    `gorm:"size:128;not null;index"`
	SessionID string    `gorm:"size:128;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// GormLedger persists claims in a SQL table.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates the events table and returns a ledger over db.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&EscalationEvent{}); err != nil {
		return nil, fmt.Errorf("migrate escalation events: %w", err)
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) Claim(ctx context.Context, sessionID, roomID, messageID string) (bool, error) {
	event := EscalationEvent{MessageID: messageID, RoomID: roomID, SessionID: sessionID}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OpenLedgerDB opens the ledger database for driver "sqlite" or "postgres".
func OpenLedgerDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	return db, nil
}

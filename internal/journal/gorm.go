package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type roundRow struct {
	Key       string `gorm:"primaryKey;type:varchar(128)"`
	RoundID   uint64 `gorm:"not null"`
	Phase     string `gorm:"type:varchar(16);not null"`
	Bets      []byte `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (roundRow) TableName() string { return "round_checkpoints" }

type settlementRow struct {
	Key       string `gorm:"primaryKey;type:varchar(128)"`
	RoundID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Report    []byte `gorm:"type:jsonb"`
	Completed bool   `gorm:"not null;default:false"`
	SettledAt time.Time
}

func (settlementRow) TableName() string { return "round_settlements" }

type pendingCreditRow struct {
	Ref           string `gorm:"primaryKey;type:varchar(191)"`
	ParticipantID string `gorm:"index;type:varchar(128);not null"`
	ConnectionID  string `gorm:"type:varchar(64)"`
	Amount        int64  `gorm:"not null"`
	Reason        string `gorm:"type:varchar(32)"`
	Attempts      int
	CreatedAt     time.Time
}

func (pendingCreditRow) TableName() string { return "pending_credits" }

// GormJournal stores the journal in Postgres.
type GormJournal struct {
	db *gorm.DB
}

// OpenGormJournal connects to dsn and migrates the journal tables.
func OpenGormJournal(dsn string) (*GormJournal, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	return NewGormJournal(db)
}

// NewGormJournal wraps an open database handle and migrates the tables.
func NewGormJournal(db *gorm.DB) (*GormJournal, error) {
	if err := db.AutoMigrate(&roundRow{}, &settlementRow{}, &pendingCreditRow{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &GormJournal{db: db}, nil
}

func (j *GormJournal) SaveRound(ctx context.Context, cp RoundCheckpoint) error {
	bets, err := json.Marshal(cp.Bets)
	if err != nil {
		return fmt.Errorf("journal: encode bets: %w", err)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	row := roundRow{Key: cp.Key, RoundID: cp.RoundID, Phase: cp.Phase, Bets: bets, UpdatedAt: cp.UpdatedAt}
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (j *GormJournal) Rounds(ctx context.Context) ([]RoundCheckpoint, error) {
	var rows []roundRow
	if err := j.db.WithContext(ctx).Order("key").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RoundCheckpoint, 0, len(rows))
	for _, row := range rows {
		cp := RoundCheckpoint{Key: row.Key, RoundID: row.RoundID, Phase: row.Phase, UpdatedAt: row.UpdatedAt}
		if len(row.Bets) > 0 {
			if err := json.Unmarshal(row.Bets, &cp.Bets); err != nil {
				return nil, fmt.Errorf("journal: decode bets for %s: %w", row.Key, err)
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

func (j *GormJournal) BeginSettlement(ctx context.Context, key string, roundID uint64, credits []PendingCredit) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing settlementRow
		err := tx.Where("key = ? AND round_id = ?", key, roundID).First(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, settlementKey(key, roundID))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()
		if err := tx.Create(&settlementRow{Key: key, RoundID: roundID, SettledAt: now}).Error; err != nil {
			return err
		}
		for _, c := range credits {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			row := pendingRow(c)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *GormJournal) CompleteSettlement(ctx context.Context, key string, roundID uint64, report []byte) error {
	res := j.db.WithContext(ctx).Model(&settlementRow{}).
		Where("key = ? AND round_id = ?", key, roundID).
		Updates(map[string]any{"report": report, "completed": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("journal: no settlement begun for %s", settlementKey(key, roundID))
	}
	return nil
}

func (j *GormJournal) Settlement(ctx context.Context, key string, roundID uint64) (SettlementRecord, bool, error) {
	var row settlementRow
	err := j.db.WithContext(ctx).Where("key = ? AND round_id = ?", key, roundID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SettlementRecord{}, false, nil
	}
	if err != nil {
		return SettlementRecord{}, false, err
	}
	return SettlementRecord{
		Key:       row.Key,
		RoundID:   row.RoundID,
		Report:    row.Report,
		Completed: row.Completed,
		SettledAt: row.SettledAt,
	}, true, nil
}

func (j *GormJournal) AddPendingCredit(ctx context.Context, credit PendingCredit) error {
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = time.Now()
	}
	row := pendingRow(credit)
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (j *GormJournal) ResolveCredit(ctx context.Context, ref string) error {
	return j.db.WithContext(ctx).Delete(&pendingCreditRow{}, "ref = ?", ref).Error
}

func (j *GormJournal) PendingCredits(ctx context.Context) ([]PendingCredit, error) {
	var rows []pendingCreditRow
	if err := j.db.WithContext(ctx).Order("created_at, ref").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PendingCredit, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingCredit{
			Ref:           row.Ref,
			ParticipantID: row.ParticipantID,
			ConnectionID:  row.ConnectionID,
			Amount:        row.Amount,
			Reason:        row.Reason,
			Attempts:      row.Attempts,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out, nil
}

func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func pendingRow(c PendingCredit) pendingCreditRow {
	return pendingCreditRow{
		Ref:           c.Ref,
		ParticipantID: c.ParticipantID,
		ConnectionID:  c.ConnectionID,
		Amount:        c.Amount,
		Reason:        c.Reason,
		Attempts:      c.Attempts,
		CreatedAt:     c.CreatedAt,
	}
}

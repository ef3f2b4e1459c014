package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Row models. Lines, price overrides and code lists are JSONB columns.

type snapshotModel struct {
	ID            string         `gorm:"primaryKey;type:text"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_billing_snapshots_period,priority:3"`
	GuardianID    string         `gorm:"type:text;not null"`
	StudentID     string         `gorm:"type:text;not null"`
	Year          int            `gorm:"not null;index:idx_billing_snapshots_period,priority:1"`
	Month         int            `gorm:"not null;index:idx_billing_snapshots_period,priority:2"`
	SchemaVersion int            `gorm:"not null;default:1"`
	Items         datatypes.JSON `gorm:"type:jsonb;not null"`
	Discounts     datatypes.JSON `gorm:"type:jsonb;not null"`
	Subtotal      int64          `gorm:"not null"`
	DiscountTotal int64          `gorm:"not null"`
	CarryOver     int64          `gorm:"not null;default:0"`
	Total         int64          `gorm:"not null"`
	Locked        bool           `gorm:"not null;default:false"`
	CreatedAt     time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime:false"`
	DeletedAt     *time.Time
}

func (snapshotModel) TableName() string { return "billing_snapshots" }

type entryModel struct {
	ID             string    `gorm:"primaryKey;type:text"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index:idx_account_entries_guardian,priority:1"`
	GuardianID     string    `gorm:"type:text;not null;index:idx_account_entries_guardian,priority:2"`
	Year           int       `gorm:"not null"`
	Month          int       `gorm:"not null"`
	EntryType      string    `gorm:"type:text;not null"`
	Delta          int64     `gorm:"not null"`
	SnapshotID     *string   `gorm:"type:text"`
	IdempotencyKey *string   `gorm:"type:text;uniqueIndex"`
	Reason         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (entryModel) TableName() string { return "account_entries" }

type instrumentModel struct {
	ID          string    `gorm:"primaryKey;type:text"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind        string    `gorm:"type:text;not null"`
	GuardianID  string    `gorm:"type:text;not null;index"`
	StudentID   string    `gorm:"type:text;not null;default:''"`
	Name        string    `gorm:"type:text"`
	ValidFrom   *string   `gorm:"type:text"`
	ValidUntil  *string   `gorm:"type:text"`
	Status      string    `gorm:"type:text;not null;default:'active'"`
	Calc        string    `gorm:"type:text;not null;default:'fixed'"`
	Value       *string   `gorm:"type:numeric"`
	UsedPeriod  *string   `gorm:"type:text"`
	ProductCode string    `gorm:"type:text"`
}

func (instrumentModel) TableName() string { return "discount_instruments" }

type productModel struct {
	Code            string `gorm:"primaryKey;type:text"`
	Name            string `gorm:"type:text;not null"`
	ItemType        string `gorm:"type:text;not null"`
	Price           int64  `gorm:"not null"`
	EnrollmentPrice *int64
	MonthlyPrices   datatypes.JSON `gorm:"type:jsonb"`
	Mile            int            `gorm:"not null;default:0"`
	DiscountMax     int64          `gorm:"not null;default:0"`
	AvailableMonths datatypes.JSON `gorm:"type:jsonb"`
}

func (productModel) TableName() string { return "products" }

type courseModel struct {
	Code        string         `gorm:"primaryKey;type:text"`
	Name        string         `gorm:"type:text;not null"`
	Promotional bool           `gorm:"not null;default:false"`
	Items       datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (courseModel) TableName() string { return "courses" }

type packModel struct {
	Code        string         `gorm:"primaryKey;type:text"`
	Name        string         `gorm:"type:text;not null"`
	Promotional bool           `gorm:"not null;default:false"`
	Items       datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (packModel) TableName() string { return "packs" }

type contractModel struct {
	ID              string         `gorm:"primaryKey;type:text"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_contracts_tenant_student,priority:1"`
	StudentID       string         `gorm:"type:text;not null;index:idx_contracts_tenant_student,priority:2"`
	CourseCode      string         `gorm:"type:text"`
	PackCode        string         `gorm:"type:text"`
	TicketCodes     datatypes.JSON `gorm:"type:jsonb"`
	TextbookCodes   datatypes.JSON `gorm:"type:jsonb"`
	EnrollmentMonth *string        `gorm:"type:text"`
	StartMonth      string         `gorm:"type:text;not null"`
	EndMonth        *string        `gorm:"type:text"`
	Status          string         `gorm:"type:text;not null;default:'active'"`
}

func (contractModel) TableName() string { return "contracts" }

type guardianModel struct {
	ID       string    `gorm:"primaryKey;type:text"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index"`
	Name     string    `gorm:"type:text;not null"`
	Email    string    `gorm:"type:text"`
}

func (guardianModel) TableName() string { return "guardians" }

type studentModel struct {
	ID         string    `gorm:"primaryKey;type:text"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index"`
	GuardianID string    `gorm:"type:text;not null;index"`
	Name       string    `gorm:"type:text;not null"`
}

func (studentModel) TableName() string { return "students" }

type runModel struct {
	ID          string     `gorm:"primaryKey;type:text"`
	Kind        string     `gorm:"type:text;not null;index:idx_billing_runs_kind_period,priority:1"`
	TenantID    *uuid.UUID `gorm:"type:uuid"`
	Year        *int       `gorm:"index:idx_billing_runs_kind_period,priority:2"`
	Month       *int       `gorm:"index:idx_billing_runs_kind_period,priority:3"`
	DryRun      bool       `gorm:"not null;default:false"`
	ForceRun    bool       `gorm:"not null;default:false"`
	Kinds       string     `gorm:"type:text"`
	Status      string     `gorm:"type:text;not null"`
	Total       int
	Updated     int
	Skipped     int
	Previewed   int
	Failed      int
	NotFound    int
	Malformed   int
	Error       string    `gorm:"type:text"`
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
}

func (runModel) TableName() string { return "billing_runs" }

package warehouse

import (
	"math"
	"time"
)

// TenantStatus is the account status of a tenant.
type TenantStatus string

// Tenant statuses. Only active and trial tenants are dispatched.
const (
	TenantActive    TenantStatus = "active"
	TenantTrial     TenantStatus = "trial"
	TenantSuspended TenantStatus = "suspended"
	TenantChurned   TenantStatus = "churned"
)

// Eligible reports whether the dispatcher should consider the tenant.
func (s TenantStatus) Eligible() bool {
	return s == TenantActive || s == TenantTrial
}

// Tenant is an isolated customer account.
type Tenant struct {
	ID        string       `gorm:"primaryKey" json:"id"`
	Name      string       `json:"name"`
	Status    TenantStatus `gorm:"not null;index" json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TableName returns the GORM table name.
func (Tenant) TableName() string { return "tenants" }

// TenantDataStats summarizes the transaction stream of a tenant. It is
// maintained by ingestion and read by the readiness classifier and the
// new-data trigger.
type TenantDataStats struct {
	TenantID           string     `gorm:"primaryKey" json:"tenant_id"`
	RowCount           int64      `json:"row_count"`
	FirstTransactionAt *time.Time `json:"first_transaction_at,omitempty"`
	LastTransactionAt  *time.Time `json:"last_transaction_at,omitempty"`
	Ingestions         int64      `json:"ingestions"`
	LastIngestedAt     *time.Time `json:"last_ingested_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the GORM table name.
func (TenantDataStats) TableName() string { return "tenant_data_stats" }

// DaysOfHistory returns the whole days spanned by the stream up to now.
func (s *TenantDataStats) DaysOfHistory(now time.Time) int {
	if s.FirstTransactionAt == nil {
		return 0
	}

	d := now.Sub(*s.FirstTransactionAt)
	if d <= 0 {
		return 0
	}

	return int(math.Floor(d.Hours() / 24))
}

// Ingestion is one completed load of transactions for a tenant.
type Ingestion struct {
	TenantID           string    `json:"tenant_id"`
	Rows               int64     `json:"rows"`
	FirstTransactionAt time.Time `json:"first_transaction_at"`
	LastTransactionAt  time.Time `json:"last_transaction_at"`
}

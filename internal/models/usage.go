package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"
)

// UsageEvent is a single metered provider request. Events are immutable once
// published; the event ID is the idempotent identity for ledger inserts.
type UsageEvent struct {
	EventID      uuid.UUID       `json:"event_id"`
	WorkspaceID  uuid.UUID       `json:"workspace_id"`
	ProjectID    uuid.UUID       `json:"project_id,omitempty"`
	CardID       uuid.UUID       `json:"card_id,omitempty"`
	AgentID      uuid.UUID       `json:"agent_id,omitempty"`
	RunID        uuid.UUID       `json:"run_id,omitempty"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

var (
	ErrMissingWorkspace = errors.New("usage event missing workspace id")
	ErrMissingTimestamp = errors.New("usage event missing timestamp")
	ErrNegativeTokens   = errors.New("usage event has negative token counts")
	ErrNegativeAmount   = errors.New("usage event has negative cost or price")
)

// Validate reports whether the event is well-formed enough to meter.
// Malformed events are skipped by the processor, never fatal.
func (e UsageEvent) Validate() error {
	if e.WorkspaceID == uuid.Nil {
		return ErrMissingWorkspace
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 {
		return ErrNegativeTokens
	}
	if e.Cost.IsNegative() || e.Price.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

// TotalTokens returns input plus output tokens.
func (e UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// Day returns the event's UTC calendar day.
func (e UsageEvent) Day() time.Time {
	ts := e.Timestamp.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// BucketTotals accumulates cost/price/token/request counts for one grouping key.
type BucketTotals struct {
	Cost     decimal.Decimal `json:"cost"`
	Price    decimal.Decimal `json:"price"`
	Tokens   int64           `json:"tokens"`
	Requests int64           `json:"requests"`
}

// Add folds the other totals into the receiver.
func (b *BucketTotals) Add(other BucketTotals) {
	b.Cost = b.Cost.Add(other.Cost)
	b.Price = b.Price.Add(other.Price)
	b.Tokens += other.Tokens
	b.Requests += other.Requests
}

// AddEvent folds a single event into the receiver.
func (b *BucketTotals) AddEvent(event UsageEvent) {
	b.Cost = b.Cost.Add(event.Cost)
	b.Price = b.Price.Add(event.Price)
	b.Tokens += event.TotalTokens()
	b.Requests++
}

// MergeBuckets merges src into dst key-wise.
func MergeBuckets(dst, src map[string]BucketTotals) {
	for key, totals := range src {
		existing := dst[key]
		existing.Add(totals)
		dst[key] = existing
	}
}

// UsageDelta is the per-day accumulation the processor derives from one batch
// partition before incrementing the daily aggregate store.
type UsageDelta struct {
	Cost       decimal.Decimal         `json:"cost"`
	Price      decimal.Decimal         `json:"price"`
	Tokens     int64                   `json:"tokens"`
	Requests   int64                   `json:"requests"`
	ByProvider map[string]BucketTotals `json:"by_provider"`
	ByModel    map[string]BucketTotals `json:"by_model"`
}

// NewUsageDelta returns an empty delta with initialized maps.
func NewUsageDelta() UsageDelta {
	return UsageDelta{
		ByProvider: make(map[string]BucketTotals),
		ByModel:    make(map[string]BucketTotals),
	}
}

// AddEvent folds an event into the delta's scalars and grouping maps.
func (d *UsageDelta) AddEvent(event UsageEvent) {
	d.Cost = d.Cost.Add(event.Cost)
	d.Price = d.Price.Add(event.Price)
	d.Tokens += event.TotalTokens()
	d.Requests++

	provider := d.ByProvider[event.Provider]
	provider.AddEvent(event)
	d.ByProvider[event.Provider] = provider

	model := d.ByModel[event.Model]
	model.AddEvent(event)
	d.ByModel[event.Model] = model
}

// DailyAggregate is the per-workspace, per-day running total. Counters are
// monotonically non-decreasing within the aggregate's retention window.
type DailyAggregate struct {
	WorkspaceID  uuid.UUID               `json:"workspace_id"`
	Date         string                  `json:"date"`
	TotalCost    decimal.Decimal         `json:"total_cost"`
	TotalPrice   decimal.Decimal         `json:"total_price"`
	TotalTokens  int64                   `json:"total_tokens"`
	RequestCount int64                   `json:"request_count"`
	ByProvider   map[string]BucketTotals `json:"by_provider"`
	ByModel      map[string]BucketTotals `json:"by_model"`
	LastUpdated  time.Time               `json:"last_updated"`
}

// Apply adds the delta's scalars and merges its grouping maps.
func (a *DailyAggregate) Apply(delta UsageDelta, now time.Time) {
	a.TotalCost = a.TotalCost.Add(delta.Cost)
	a.TotalPrice = a.TotalPrice.Add(delta.Price)
	a.TotalTokens += delta.Tokens
	a.RequestCount += delta.Requests
	if a.ByProvider == nil {
		a.ByProvider = make(map[string]BucketTotals)
	}
	if a.ByModel == nil {
		a.ByModel = make(map[string]BucketTotals)
	}
	MergeBuckets(a.ByProvider, delta.ByProvider)
	MergeBuckets(a.ByModel, delta.ByModel)
	a.LastUpdated = now.UTC()
}

// SummaryPeriod describes the rolling window a summary covers.
type SummaryPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

// WorkspaceBillingSummary is the cached rollup over a rolling window. Derived,
// never authoritative; always reproducible from the ledger or daily aggregates.
type WorkspaceBillingSummary struct {
	WorkspaceID    uuid.UUID               `json:"workspace_id"`
	Period         SummaryPeriod           `json:"period"`
	TotalCost      decimal.Decimal         `json:"total_cost"`
	TotalPrice     decimal.Decimal         `json:"total_price"`
	TotalTokens    int64                   `json:"total_tokens"`
	RequestCount   int64                   `json:"request_count"`
	ByProvider     map[string]BucketTotals `json:"by_provider"`
	ByModel        map[string]BucketTotals `json:"by_model"`
	DailyBreakdown map[string]BucketTotals `json:"daily_breakdown"`
	CachedAt       time.Time               `json:"cached_at"`
}

// BillingPeriod is an explicit [start, end) computation window.
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BillingReport is a point-in-time, ledger-exact computation for a period.
// Generated on demand and never persisted.
type BillingReport struct {
	WorkspaceID   uuid.UUID               `json:"workspace_id"`
	WorkspaceName string                  `json:"workspace_name"`
	OwnerID       uuid.UUID               `json:"owner_id"`
	OwnerEmail    string                  `json:"owner_email,omitempty"`
	ProjectCount  int64                   `json:"project_count"`
	MemberCount   int64                   `json:"member_count"`
	Period        BillingPeriod           `json:"period"`
	TotalCost     decimal.Decimal         `json:"total_cost"`
	TotalPrice    decimal.Decimal         `json:"total_price"`
	RoundedPrice  decimal.Decimal         `json:"rounded_price"`
	TotalTokens   int64                   `json:"total_tokens"`
	RequestCount  int64                   `json:"request_count"`
	ByProvider    map[string]BucketTotals `json:"by_provider"`
	ByProject     map[string]BucketTotals `json:"by_project"`
	ByDay         map[string]BucketTotals `json:"by_day"`
}

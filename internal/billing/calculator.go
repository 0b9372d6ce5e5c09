package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/timeutil"
	"github.com/ncecere/usage_meter/internal/workspaces"
)

// EventSource provides ledger-exact event rows for a workspace and period.
type EventSource interface {
	EventsInRange(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.UsageEvent, error)
}

// MetadataSource looks up workspace metadata for report generation.
type MetadataSource interface {
	GetMetadata(ctx context.Context, workspaceID uuid.UUID) (workspaces.Metadata, error)
}

// Calculator derives invoice-ready totals straight from the ledger. It never
// reads caches: invoices require ledger truth.
type Calculator struct {
	events    EventSource
	metadata  MetadataSource
	increment decimal.Decimal
}

func NewCalculator(events EventSource, metadata MetadataSource, increment decimal.Decimal) *Calculator {
	if !increment.IsPositive() {
		increment = decimal.RequireFromString("0.25")
	}
	return &Calculator{events: events, metadata: metadata, increment: increment}
}

// RoundPriceUp rounds the total up to the next multiple of the increment.
// Totals already on a boundary are unchanged; the result never undercharges.
func RoundPriceUp(total, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return total
	}
	if !total.IsPositive() {
		return decimal.Zero
	}
	return total.Div(increment).Ceil().Mul(increment)
}

// CalculateWorkspaceBilling computes totals plus groupings by provider,
// project, and day for events in [period.Start, period.End). Prices are summed
// exactly; rounding is applied only to the final total.
func (c *Calculator) CalculateWorkspaceBilling(ctx context.Context, workspaceID uuid.UUID, period models.BillingPeriod) (models.BillingReport, error) {
	if c == nil || c.events == nil {
		return models.BillingReport{}, fmt.Errorf("billing calculator not initialized")
	}
	if err := timeutil.ValidateRange(period.Start, period.End); err != nil {
		return models.BillingReport{}, err
	}

	events, err := c.events.EventsInRange(ctx, workspaceID, period.Start, period.End)
	if err != nil {
		return models.BillingReport{}, fmt.Errorf("load ledger events: %w", err)
	}

	report := models.BillingReport{
		WorkspaceID: workspaceID,
		Period:      period,
		ByProvider:  make(map[string]models.BucketTotals),
		ByProject:   make(map[string]models.BucketTotals),
		ByDay:       make(map[string]models.BucketTotals),
	}

	for _, event := range events {
		report.TotalCost = report.TotalCost.Add(event.Cost)
		report.TotalPrice = report.TotalPrice.Add(event.Price)
		report.TotalTokens += event.TotalTokens()
		report.RequestCount++

		provider := report.ByProvider[event.Provider]
		provider.AddEvent(event)
		report.ByProvider[event.Provider] = provider

		projectKey := ""
		if event.ProjectID != uuid.Nil {
			projectKey = event.ProjectID.String()
		}
		project := report.ByProject[projectKey]
		project.AddEvent(event)
		report.ByProject[projectKey] = project

		dayKey := timeutil.DayKey(event.Timestamp)
		day := report.ByDay[dayKey]
		day.AddEvent(event)
		report.ByDay[dayKey] = day
	}

	report.RoundedPrice = RoundPriceUp(report.TotalPrice, c.increment)
	return report, nil
}

// GenerateBillingReport wraps the ledger computation with workspace metadata,
// producing a self-contained report suitable for display or export.
func (c *Calculator) GenerateBillingReport(ctx context.Context, workspaceID uuid.UUID, period models.BillingPeriod) (models.BillingReport, error) {
	report, err := c.CalculateWorkspaceBilling(ctx, workspaceID, period)
	if err != nil {
		return models.BillingReport{}, err
	}
	if c.metadata == nil {
		return report, nil
	}

	meta, err := c.metadata.GetMetadata(ctx, workspaceID)
	if err != nil {
		return models.BillingReport{}, fmt.Errorf("load workspace metadata: %w", err)
	}
	report.WorkspaceName = meta.Name
	report.OwnerID = meta.OwnerID
	report.OwnerEmail = meta.OwnerEmail
	report.ProjectCount = meta.ProjectCount
	report.MemberCount = meta.MemberCount
	return report, nil
}

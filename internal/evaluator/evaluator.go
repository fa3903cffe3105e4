// Package evaluator derives campaign progress and threshold status from a snapshot.
package evaluator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/groupbuy/internal/model"
)

const day = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

type Snapshot struct {
	CurrentAmount   decimal.Decimal
	MinThreshold    decimal.Decimal
	CurrentQuantity int
	TargetQuantity  int
	ExpiresAt       time.Time
	Status          model.CampaignStatus
}

type Result struct {
	Status             model.CampaignStatus `json:"status"`
	ProgressPercentage float64              `json:"progress_percentage"`
	QuantityPercentage float64              `json:"quantity_percentage"`
	TimeRemainingDays  int64                `json:"time_remaining_days"`
}

func SnapshotOf(c model.Campaign) Snapshot {
	return Snapshot{
		CurrentAmount:   c.CurrentAmount,
		MinThreshold:    c.MinThreshold,
		CurrentQuantity: c.CurrentQuantity,
		TargetQuantity:  c.TargetQuantity,
		ExpiresAt:       c.ExpiresAt,
		Status:          c.Status,
	}
}

// Evaluate is pure: identical inputs give identical results.
func Evaluate(s Snapshot, now time.Time) Result {
	return Result{
		Status:             deriveStatus(s, now),
		ProgressPercentage: percentage(s.CurrentAmount, s.MinThreshold),
		QuantityPercentage: percentage(decimal.NewFromInt(int64(s.CurrentQuantity)), decimal.NewFromInt(int64(s.TargetQuantity))),
		TimeRemainingDays:  remainingDays(s.ExpiresAt, now),
	}
}

func deriveStatus(s Snapshot, now time.Time) model.CampaignStatus {
	switch s.Status {
	case model.CampaignStatusOrdered, model.CampaignStatusShipped,
		model.CampaignStatusDelivered, model.CampaignStatusCancelled:
		// переходы администратора, не пересчитываются
		return s.Status
	}
	if now.After(s.ExpiresAt) {
		return model.CampaignStatusExpired
	}
	if s.CurrentAmount.GreaterThanOrEqual(s.MinThreshold) {
		return model.CampaignStatusThresholdMet
	}
	return model.CampaignStatusCollecting
}

// percentage clamps current/limit*100 to [0, 100], rounded to 2 places. A zero limit gives 0.
func percentage(current, limit decimal.Decimal) float64 {
	if !limit.IsPositive() {
		return 0
	}
	p := current.Div(limit).Mul(hundred)
	if p.IsNegative() {
		return 0
	}
	if p.GreaterThan(hundred) {
		p = hundred
	}
	return p.Round(2).InexactFloat64()
}

// remainingDays rounds any part of a day up.
func remainingDays(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	days := d / day
	if d%day != 0 {
		days++
	}
	return int64(days)
}

package evaluator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/groupbuy/internal/model"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func snapshot(current, threshold int64, status model.CampaignStatus, expiresIn time.Duration) Snapshot {
	return Snapshot{
		CurrentAmount:   decimal.NewFromInt(current),
		MinThreshold:    decimal.NewFromInt(threshold),
		CurrentQuantity: 6,
		TargetQuantity:  10,
		ExpiresAt:       now.Add(expiresIn),
		Status:          status,
	}
}

func TestEvaluateStatus(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want model.CampaignStatus
	}{
		{"below threshold", snapshot(600, 1000, model.CampaignStatusCollecting, 48*time.Hour), model.CampaignStatusCollecting},
		{"exactly threshold", snapshot(1000, 1000, model.CampaignStatusCollecting, time.Hour), model.CampaignStatusThresholdMet},
		{"above threshold", snapshot(1100, 1000, model.CampaignStatusCollecting, time.Hour), model.CampaignStatusThresholdMet},
		{"expired wins over threshold", snapshot(1100, 1000, model.CampaignStatusCollecting, -time.Minute), model.CampaignStatusExpired},
		{"expired but not swept", snapshot(100, 1000, model.CampaignStatusCollecting, -time.Hour), model.CampaignStatusExpired},
		{"expiry instant is still open", snapshot(100, 1000, model.CampaignStatusCollecting, 0), model.CampaignStatusCollecting},
		{"ordered passes through", snapshot(0, 1000, model.CampaignStatusOrdered, -time.Hour), model.CampaignStatusOrdered},
		{"shipped passes through", snapshot(0, 1000, model.CampaignStatusShipped, time.Hour), model.CampaignStatusShipped},
		{"delivered passes through", snapshot(5000, 1000, model.CampaignStatusDelivered, -time.Hour), model.CampaignStatusDelivered},
		{"cancelled passes through", snapshot(5000, 1000, model.CampaignStatusCancelled, time.Hour), model.CampaignStatusCancelled},
		{"threshold met below threshold derives collecting", snapshot(500, 1000, model.CampaignStatusThresholdMet, time.Hour), model.CampaignStatusCollecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Evaluate(tt.snap, now).Status)
		})
	}
}

func TestEvaluateProgress(t *testing.T) {
	tests := []struct {
		current, threshold int64
		want               float64
	}{
		{600, 1000, 60},
		{1100, 1000, 100},
		{0, 1000, 0},
		{-50, 1000, 0},
		{500, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
	}
	for _, tt := range tests {
		r := Evaluate(snapshot(tt.current, tt.threshold, model.CampaignStatusCollecting, time.Hour), now)
		assert.Equal(t, tt.want, r.ProgressPercentage, "%d/%d", tt.current, tt.threshold)
	}
}

func TestEvaluateQuantityProgress(t *testing.T) {
	s := snapshot(0, 1000, model.CampaignStatusCollecting, time.Hour)
	require.Equal(t, 60.0, Evaluate(s, now).QuantityPercentage)

	s.TargetQuantity = 0
	require.Equal(t, 0.0, Evaluate(s, now).QuantityPercentage)
}

func TestEvaluateTimeRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{-time.Hour, 0},
		{0, 0},
		{time.Millisecond, 1},
		{24 * time.Hour, 1},
		{24*time.Hour + time.Millisecond, 2},
		// доли миллисекунды тоже округляются вверх
		{time.Nanosecond, 1},
		{24*time.Hour + 400*time.Microsecond, 2},
		{72 * time.Hour, 3},
	}
	for _, tt := range tests {
		r := Evaluate(snapshot(0, 1000, model.CampaignStatusCollecting, tt.in), now)
		assert.Equal(t, tt.want, r.TimeRemainingDays, "expires in %s", tt.in)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	s := snapshot(1100, 1000, model.CampaignStatusCollecting, 36*time.Hour)
	before := s

	first := Evaluate(s, now)
	second := Evaluate(s, now)

	require.Equal(t, first, second)
	require.Equal(t, before, s)
}

func TestSnapshotOf(t *testing.T) {
	c := model.Campaign{
		CurrentAmount:   decimal.NewFromInt(600),
		MinThreshold:    decimal.NewFromInt(1000),
		CurrentQuantity: 6,
		TargetQuantity:  10,
		ExpiresAt:       now,
		Status:          model.CampaignStatusCollecting,
	}
	s := SnapshotOf(c)
	require.True(t, s.CurrentAmount.Equal(c.CurrentAmount))
	require.Equal(t, c.Status, s.Status)
	require.Equal(t, c.ExpiresAt, s.ExpiresAt)
}

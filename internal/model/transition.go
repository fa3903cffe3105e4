package model

// Переходы статусов закупки, выполняемые администратором.
// COLLECTING -> EXPIRED выполняется только часовым механизмом (sweep / ленивое чтение).
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusCollecting:   {CampaignStatusThresholdMet, CampaignStatusCancelled},
	CampaignStatusThresholdMet: {CampaignStatusOrdered, CampaignStatusCancelled},
	CampaignStatusOrdered:      {CampaignStatusShipped, CampaignStatusCancelled},
	CampaignStatusShipped:      {CampaignStatusDelivered, CampaignStatusCancelled},
	CampaignStatusExpired:      {CampaignStatusCancelled},
}

// Переходы статусов заказа участника. Отмена идёт отдельным путём (Cancel).
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed},
	OrderStatusConfirmed:  {OrderStatusProcessing},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusCollecting, CampaignStatusThresholdMet, CampaignStatusOrdered,
		CampaignStatusShipped, CampaignStatusDelivered, CampaignStatusCancelled, CampaignStatusExpired:
		return true
	}
	return false
}

func (s CampaignStatus) CanTransitionTo(target CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

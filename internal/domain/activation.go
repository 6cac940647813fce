package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivationState is the persisted state of a ScheduledActivation.
type ActivationState string

const (
	ActivationPending   ActivationState = "pending"
	ActivationFired     ActivationState = "fired"
	ActivationCancelled ActivationState = "cancelled"
)

// ScheduledActivation is a durable request to (re)subscribe to a market at or
// after FireAt. At most one Pending activation exists per market id.
type ScheduledActivation struct {
	ID          uuid.UUID
	MarketID    string
	FireAt      time.Time
	State       ActivationState
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
	FiredAt     *time.Time
	CompletedAt *time.Time
}

// Market decodes the activation payload.
func (a ScheduledActivation) Market() (Market, error) {
	var m Market
	if err := json.Unmarshal(a.Payload, &m); err != nil {
		return Market{}, fmt.Errorf("decode activation %s payload: %w", a.ID, err)
	}
	if m.ID == "" {
		m.ID = a.MarketID
	}
	return m, nil
}

// MarketPayload encodes a market as an activation payload.
func MarketPayload(m Market) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode market %s payload: %w", m.ID, err)
	}
	return data, nil
}

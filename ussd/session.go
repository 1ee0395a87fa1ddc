package ussd

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// State is a menu state in the session machine
type State string

const (
	// StateMenu - the root menu
	StateMenu State = "menu"
	// StateAwaitingPIN - waiting for the subscriber pin
	StateAwaitingPIN State = "awaiting_pin"
	// StateTransferRecipient - waiting for the transfer recipient msisdn
	StateTransferRecipient State = "transfer_recipient"
	// StateTransferAmount - waiting for the transfer amount
	StateTransferAmount State = "transfer_amount"
	// StateTransferConfirm - waiting for the transfer confirmation
	StateTransferConfirm State = "transfer_confirm"
	// StateRechargeAmount - waiting for the recharge amount
	StateRechargeAmount State = "recharge_amount"
	// StateWithdrawalAmount - waiting for the withdrawal amount
	StateWithdrawalAmount State = "withdrawal_amount"
	// StatePinResetNew - waiting for the new pin
	StatePinResetNew State = "pin_reset_new"
	// StatePinResetConfirm - waiting for the new pin confirmation
	StatePinResetConfirm State = "pin_reset_confirm"
)

// next actions dispatched after a successful pin entry
const (
	actionBalance    = "balance"
	actionTransfer   = "transfer"
	actionWithdrawal = "withdrawal"
)

// Scratch carries the in-flight dialogue values. It is serialized to
// JSON and stored opaque so new fields remain forward compatible.
type Scratch struct {
	NextAction string          `json:"next_action,omitempty"`
	Recipient  string          `json:"recipient,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	NewPIN     string          `json:"new_pin,omitempty"`
}

// Session is one live ussd dialogue, keyed by the gateway session id
type Session struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	Country           string    `json:"country"`
	State             State     `json:"state"`
	Scratch           Scratch   `json:"scratch"`
	PinAttempts       int       `json:"pin_attempts"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
}

func newSession(id, phone, country string) *Session {
	return &Session{
		ID:                id,
		Phone:             phone,
		Country:           country,
		State:             StateMenu,
		LastInteractionAt: time.Now(),
	}
}

func (s *Session) marshal() ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSession(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

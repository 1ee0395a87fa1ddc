package ussd

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	errorutils "github.com/sunupay/sunupay/utils/errors"
	"github.com/sunupay/sunupay/utils/logging"
	"github.com/sunupay/sunupay/utils/validators"
)

// Request is one gateway turn
type Request struct {
	SessionID string `json:"session_id" valid:"required"`
	MSISDN    string `json:"msisdn" valid:"required"`
	Text      string `json:"text"`
	Country   string `json:"country"`
}

// Response is what the gateway renders back to the handset
type Response struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
}

// Handle advances the session one turn. Sessions are per-session
// single threaded by convention; the gateway funnels a session to one
// turn at a time.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	logging.AddSessionIDToContext(ctx, req.SessionID)

	if !validators.IsPhone(req.MSISDN) {
		return &Response{Text: s.text(ctx, req, "invalid_phone", nil), End: true}, nil
	}
	phone := validators.NormalizePhone(req.MSISDN)
	if req.Country == "" {
		req.Country = "SN"
	}

	subscriber, err := s.Datastore.GetSubscriber(ctx, phone)
	if err != nil {
		return nil, errorutils.Wrap(err, "subscriber lookup failed")
	}
	if subscriber == nil {
		return &Response{Text: s.text(ctx, req, "unknown_subscriber", nil), End: true}, nil
	}
	if subscriber.Locked(time.Now()) {
		return &Response{Text: s.text(ctx, req, "pin_locked", nil), End: true}, nil
	}

	session, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	// expired or brand new dialogues restart at the root menu
	if session == nil || time.Since(session.LastInteractionAt) > s.cfg.SessionTimeout {
		if session != nil {
			_ = s.sessions.Delete(ctx, session.ID)
		}
		session = newSession(req.SessionID, phone, req.Country)
	}
	session.LastInteractionAt = time.Now()

	input := lastSegment(req.Text)
	resp, err := s.step(ctx, req, session, subscriber, input)
	if err != nil {
		return nil, err
	}

	if resp.End {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("session delete failed")
		}
	} else {
		if err := s.sessions.Save(ctx, session); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// step dispatches one input against the current state
func (s *Service) step(ctx context.Context, req Request, session *Session, subscriber *Subscriber, input string) (*Response, error) {
	switch session.State {
	case StateMenu:
		return s.stepMenu(ctx, req, session, input), nil
	case StateAwaitingPIN:
		return s.stepAwaitingPIN(ctx, req, session, subscriber, input)
	case StateTransferRecipient:
		return s.stepTransferRecipient(ctx, req, session, input), nil
	case StateTransferAmount:
		return s.stepTransferAmount(ctx, req, session, input), nil
	case StateTransferConfirm:
		return s.stepTransferConfirm(ctx, req, session, input), nil
	case StateRechargeAmount:
		return s.stepRechargeAmount(ctx, req, session, input), nil
	case StateWithdrawalAmount:
		return s.stepWithdrawalAmount(ctx, req, session, subscriber, input), nil
	case StatePinResetNew:
		return s.stepPinResetNew(ctx, req, session, input), nil
	case StatePinResetConfirm:
		return s.stepPinResetConfirm(ctx, req, session, input)
	default:
		session.State = StateMenu
		return &Response{Text: s.text(ctx, req, "main_menu", nil)}, nil
	}
}

func (s *Service) stepMenu(ctx context.Context, req Request, session *Session, input string) *Response {
	switch input {
	case "1":
		session.State = StateAwaitingPIN
		session.Scratch = Scratch{NextAction: actionBalance}
		return &Response{Text: s.text(ctx, req, "pin_prompt", nil)}
	case "2":
		session.State = StateRechargeAmount
		session.Scratch = Scratch{}
		return &Response{Text: s.text(ctx, req, "recharge_amount_prompt", nil)}
	case "3":
		session.State = StateAwaitingPIN
		session.Scratch = Scratch{NextAction: actionTransfer}
		return &Response{Text: s.text(ctx, req, "pin_prompt", nil)}
	case "4":
		session.State = StateAwaitingPIN
		session.Scratch = Scratch{NextAction: actionWithdrawal}
		return &Response{Text: s.text(ctx, req, "pin_prompt", nil)}
	case "99":
		session.State = StatePinResetNew
		session.Scratch = Scratch{}
		return &Response{Text: s.text(ctx, req, "pin_reset_new_prompt", nil)}
	default:
		return &Response{Text: s.text(ctx, req, "main_menu", nil)}
	}
}

func (s *Service) stepAwaitingPIN(ctx context.Context, req Request, session *Session, subscriber *Subscriber, input string) (*Response, error) {
	if validators.IsPIN(input) &&
		bcrypt.CompareHashAndPassword([]byte(subscriber.PINHash), []byte(input)) == nil {
		session.PinAttempts = 0
		return s.dispatchAction(ctx, req, session, subscriber), nil
	}

	session.PinAttempts++
	if session.PinAttempts >= s.cfg.MaxPINAttempts {
		until := time.Now().Add(s.cfg.PinLockDuration)
		if err := s.Datastore.LockSubscriberPIN(ctx, session.Phone, until); err != nil {
			return nil, errorutils.Wrap(err, "pin lock failed")
		}
		s.recordMetric(session.Scratch.NextAction, "pin_locked")
		return &Response{Text: s.text(ctx, req, "pin_locked", nil), End: true}, nil
	}
	return &Response{Text: s.text(ctx, req, "pin_invalid", nil)}, nil
}

func (s *Service) dispatchAction(ctx context.Context, req Request, session *Session, subscriber *Subscriber) *Response {
	switch session.Scratch.NextAction {
	case actionBalance:
		s.recordMetric(actionBalance, "completed")
		return &Response{
			Text: s.text(ctx, req, "balance_response", map[string]string{
				"balance": subscriber.Balance.StringFixed(0),
			}),
			End: true,
		}
	case actionTransfer:
		session.State = StateTransferRecipient
		return &Response{Text: s.text(ctx, req, "transfer_recipient_prompt", nil)}
	case actionWithdrawal:
		session.State = StateWithdrawalAmount
		return &Response{Text: s.text(ctx, req, "withdrawal_amount_prompt", nil)}
	default:
		session.State = StateMenu
		return &Response{Text: s.text(ctx, req, "main_menu", nil)}
	}
}

func (s *Service) stepTransferRecipient(ctx context.Context, req Request, session *Session, input string) *Response {
	if !validators.IsPhone(input) {
		return &Response{Text: s.text(ctx, req, "invalid_phone", nil)}
	}
	session.Scratch.Recipient = validators.NormalizePhone(input)
	session.State = StateTransferAmount
	return &Response{Text: s.text(ctx, req, "transfer_amount_prompt", nil)}
}

func (s *Service) stepTransferAmount(ctx context.Context, req Request, session *Session, input string) *Response {
	amount, ok := parseAmount(input)
	if !ok {
		return &Response{Text: s.text(ctx, req, "invalid_amount", nil)}
	}
	session.Scratch.Amount = amount
	session.State = StateTransferConfirm
	return &Response{Text: s.text(ctx, req, "transfer_confirm_prompt", map[string]string{
		"amount":    amount.StringFixed(0),
		"recipient": session.Scratch.Recipient,
	})}
}

func (s *Service) stepTransferConfirm(ctx context.Context, req Request, session *Session, input string) *Response {
	if input != "1" {
		session.State = StateMenu
		session.Scratch = Scratch{}
		return &Response{Text: s.text(ctx, req, "main_menu", nil)}
	}

	s.recordTransaction(ctx, &Transaction{
		Type:      "transfer",
		Phone:     session.Phone,
		Recipient: sql.NullString{String: session.Scratch.Recipient, Valid: true},
		Amount:    session.Scratch.Amount,
		Status:    "completed",
	})
	s.recordMetric(actionTransfer, "completed")
	return &Response{Text: s.text(ctx, req, "success_message", map[string]string{
		"amount":    session.Scratch.Amount.StringFixed(0),
		"recipient": session.Scratch.Recipient,
	}), End: true}
}

func (s *Service) stepRechargeAmount(ctx context.Context, req Request, session *Session, input string) *Response {
	amount, ok := parseAmount(input)
	if !ok {
		return &Response{Text: s.text(ctx, req, "invalid_amount", nil)}
	}
	s.recordTransaction(ctx, &Transaction{
		Type:   "recharge",
		Phone:  session.Phone,
		Amount: amount,
		Status: "completed",
	})
	s.recordMetric("recharge", "completed")
	return &Response{Text: s.text(ctx, req, "success_message", map[string]string{
		"amount": amount.StringFixed(0),
	}), End: true}
}

func (s *Service) stepWithdrawalAmount(ctx context.Context, req Request, session *Session, subscriber *Subscriber, input string) *Response {
	amount, ok := parseAmount(input)
	if !ok {
		return &Response{Text: s.text(ctx, req, "invalid_amount", nil)}
	}
	if amount.GreaterThan(subscriber.Balance) {
		s.recordMetric(actionWithdrawal, "insufficient_funds")
		return &Response{Text: s.text(ctx, req, "insufficient_funds", nil), End: true}
	}
	s.recordTransaction(ctx, &Transaction{
		Type:   "withdrawal",
		Phone:  session.Phone,
		Amount: amount,
		Status: "completed",
	})
	s.recordMetric(actionWithdrawal, "completed")
	return &Response{Text: s.text(ctx, req, "success_message", map[string]string{
		"amount": amount.StringFixed(0),
	}), End: true}
}

func (s *Service) stepPinResetNew(ctx context.Context, req Request, session *Session, input string) *Response {
	if !validators.IsPIN(input) {
		return &Response{Text: s.text(ctx, req, "invalid_pin", nil)}
	}
	session.Scratch.NewPIN = input
	session.State = StatePinResetConfirm
	return &Response{Text: s.text(ctx, req, "pin_reset_confirm_prompt", nil)}
}

func (s *Service) stepPinResetConfirm(ctx context.Context, req Request, session *Session, input string) (*Response, error) {
	if input != session.Scratch.NewPIN {
		return &Response{Text: s.text(ctx, req, "pin_reset_cancelled", nil), End: true}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input), bcrypt.DefaultCost)
	if err != nil {
		return nil, errorutils.Wrap(err, "pin hash failed")
	}
	if err := s.Datastore.SetSubscriberPIN(ctx, session.Phone, string(hash)); err != nil {
		return nil, errorutils.Wrap(err, "pin update failed")
	}
	s.recordMetric("pin_reset", "completed")
	return &Response{Text: s.text(ctx, req, "pin_reset_done", nil), End: true}, nil
}

// recordTransaction is best effort; the dialogue outcome never depends on it
func (s *Service) recordTransaction(ctx context.Context, tx *Transaction) {
	if err := s.Datastore.InsertTransaction(ctx, tx); err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("transaction record failed")
	}
}

func (s *Service) recordMetric(action, outcome string) {
	countSessionsTotal.WithLabelValues(action, outcome).Inc()
}

func (s *Service) text(ctx context.Context, req Request, key string, vars map[string]string) string {
	country := req.Country
	if country == "" {
		country = "SN"
	}
	return s.menus.Text(ctx, country, s.cfg.DefaultLanguage, key, vars)
}

// lastSegment returns the salient segment of the '*' separated gateway text
func lastSegment(text string) string {
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "*")
	return parts[len(parts)-1]
}

func parseAmount(input string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(input)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

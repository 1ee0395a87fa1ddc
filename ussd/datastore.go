package ussd

import (
	"context"
	"database/sql"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Subscriber is a mobile money account holder
type Subscriber struct {
	ID             uuid.UUID       `db:"id"`
	Phone          string          `db:"phone"`
	PINHash        string          `db:"pin_hash"`
	Balance        decimal.Decimal `db:"balance"`
	PinLockedUntil *time.Time      `db:"pin_locked_until"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Locked - true while the subscriber pin is locked out
func (s *Subscriber) Locked(now time.Time) bool {
	return s.PinLockedUntil != nil && s.PinLockedUntil.After(now)
}

// Transaction is a completed ussd operation, recorded best effort
type Transaction struct {
	ID        uuid.UUID       `db:"id"`
	Type      string          `db:"tx_type"`
	Phone     string          `db:"phone"`
	Recipient sql.NullString  `db:"recipient"`
	Amount    decimal.Decimal `db:"amount"`
	Status    string          `db:"status"`
	CreatedAt time.Time       `db:"created_at"`
}

// Datastore abstracts over the underlying datastore
type Datastore interface {
	paystore.Datastore
	// GetSubscriber by normalized phone, nil when unknown
	GetSubscriber(ctx context.Context, phone string) (*Subscriber, error)
	// SetSubscriberPIN stores a new pin hash
	SetSubscriberPIN(ctx context.Context, phone string, pinHash string) error
	// LockSubscriberPIN locks the subscriber pin until the given time
	LockSubscriberPIN(ctx context.Context, phone string, until time.Time) error
	// InsertTransaction records a completed operation
	InsertTransaction(ctx context.Context, tx *Transaction) error
	// GetMenuText returns the localized text for a menu key, empty when missing
	GetMenuText(ctx context.Context, country, language, key string) (string, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	paystore.Postgres
}

// NewPostgres creates a new Postgres Datastore
func NewPostgres(databaseURL string, performMigration bool) (*Postgres, error) {
	pg, err := paystore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetSubscriber by normalized phone, nil when unknown
func (pg *Postgres) GetSubscriber(ctx context.Context, phone string) (*Subscriber, error) {
	statement := `select * from subscribers where phone = $1`
	subscribers := []Subscriber{}
	err := pg.RawDB().SelectContext(ctx, &subscribers, statement, phone)
	if err != nil {
		return nil, err
	}
	if len(subscribers) > 0 {
		return &subscribers[0], nil
	}
	return nil, nil
}

// SetSubscriberPIN stores a new pin hash and clears any lockout
func (pg *Postgres) SetSubscriberPIN(ctx context.Context, phone string, pinHash string) error {
	statement := `
	update subscribers
	set pin_hash = $2, pin_locked_until = null
	where phone = $1`
	_, err := pg.RawDB().ExecContext(ctx, statement, phone, pinHash)
	return err
}

// LockSubscriberPIN locks the subscriber pin until the given time
func (pg *Postgres) LockSubscriberPIN(ctx context.Context, phone string, until time.Time) error {
	statement := `update subscribers set pin_locked_until = $2 where phone = $1`
	_, err := pg.RawDB().ExecContext(ctx, statement, phone, until)
	return err
}

// InsertTransaction records a completed operation
func (pg *Postgres) InsertTransaction(ctx context.Context, tx *Transaction) error {
	statement := `
	insert into ussd_transactions (tx_type, phone, recipient, amount, status)
	values ($1, $2, $3, $4, $5)`
	_, err := pg.RawDB().ExecContext(ctx, statement, tx.Type, tx.Phone, tx.Recipient, tx.Amount, tx.Status)
	return err
}

// GetMenuText returns the localized text for a menu key, empty when missing
func (pg *Postgres) GetMenuText(ctx context.Context, country, language, key string) (string, error) {
	statement := `
	select text from menu_texts
	where country = $1 and language = $2 and menu_key = $3`
	var text string
	err := pg.RawDB().GetContext(ctx, &text, statement, country, language, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

package approval

import (
	"time"

	"github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Request statuses; approved, rejected and expired are terminal
const (
	StatusOpen              = "open"
	StatusPartiallyApproved = "partially_approved"
	StatusApproved          = "approved"
	StatusRejected          = "rejected"
	StatusExpired           = "expired"
)

// Policy fixes the signature threshold, the signer roles and the request
// lifetime for one class of sensitive operation
type Policy struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	Name               string         `db:"name" json:"name"`
	RequiredSignatures int            `db:"required_signatures" json:"required_signatures"`
	AllowedRoles       pq.StringArray `db:"allowed_roles" json:"allowed_roles"`
	TTLSeconds         int64          `db:"ttl_seconds" json:"ttl_seconds"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// Request is one approval request moving through the signature state machine
type Request struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	RequestType       string              `db:"request_type" json:"request_type"`
	ReferenceID       paystore.NullString `db:"reference_id" json:"reference_id,omitempty"`
	PolicyID          uuid.UUID           `db:"policy_id" json:"policy_id"`
	Status            string              `db:"status" json:"status"`
	RequiredThreshold int                 `db:"required_threshold" json:"required_threshold"`
	SignatureCount    int                 `db:"signature_count" json:"signature_count"`
	ExpiresAt         time.Time           `db:"expires_at" json:"expires_at"`
	Metadata          paystore.Metadata   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// Signable - true when the request still accepts signatures
func (r *Request) Signable() bool {
	return r.Status == StatusOpen || r.Status == StatusPartiallyApproved
}

// Signature is one signer's approval; the signature set is append-only
type Signature struct {
	ID          uuid.UUID           `db:"id" json:"id"`
	RequestID   uuid.UUID           `db:"request_id" json:"request_id"`
	Signer      string              `db:"signer" json:"signer"`
	SignerRoles pq.StringArray      `db:"signer_roles" json:"signer_roles"`
	Comment     paystore.NullString `db:"comment" json:"comment,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
}

// AuditEntry is one append-only audit row for a request
type AuditEntry struct {
	ID        uuid.UUID           `db:"id" json:"id"`
	RequestID uuid.UUID           `db:"request_id" json:"request_id"`
	Event     string              `db:"event" json:"event"`
	Actor     paystore.NullString `db:"actor" json:"actor,omitempty"`
	Detail    paystore.NullString `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
}

// SignOutcome is what one signature attempt produced
type SignOutcome struct {
	Request       *Request   `json:"request"`
	Signature     *Signature `json:"signature"`
	NewlyApproved bool       `json:"newly_approved"`
}

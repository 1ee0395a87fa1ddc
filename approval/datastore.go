package approval

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

var (
	// ErrRequestNotFound - the request does not exist
	ErrRequestNotFound = errors.New("approval: request not found")
	// ErrRequestNotSignable - the request is in a terminal status
	ErrRequestNotSignable = errors.New("approval: request not signable")
	// ErrRequestExpired - the deadline passed before the signature landed
	ErrRequestExpired = errors.New("approval: request expired")
	// ErrDuplicateSigner - the signer already signed this request
	ErrDuplicateSigner = errors.New("approval: signer already present")
	// ErrRoleNotAllowed - no signer role intersects the policy roles
	ErrRoleNotAllowed = errors.New("approval: signer role not allowed")
	// ErrPolicyNotFound - the policy does not exist
	ErrPolicyNotFound = errors.New("approval: policy not found")
)

// Datastore abstracts over the underlying datastore
type Datastore interface {
	paystore.Datastore
	// GetPolicy by id, nil when unknown
	GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error)
	// CreateRequest opens a request in open status with the policy deadline
	CreateRequest(ctx context.Context, requestType, referenceID string, policy *Policy, metadata paystore.Metadata) (*Request, error)
	// GetRequest by id, nil when unknown
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	// ListSignatures in insertion order
	ListSignatures(ctx context.Context, requestID uuid.UUID) ([]Signature, error)
	// ListRequests newest first, optionally filtered by status and type
	ListRequests(ctx context.Context, status, requestType string) ([]Request, error)
	// SignRequest validates and appends the signature under a row lock on
	// the request, advancing the status when the threshold is met
	SignRequest(ctx context.Context, requestID uuid.UUID, signer string, signerRoles []string, comment string) (*SignOutcome, error)
	// RejectRequest terminally rejects under a row lock on the request
	RejectRequest(ctx context.Context, requestID uuid.UUID, signer, reason string) (*Request, error)
	// ExpireRequests transitions every overdue request to expired and
	// returns the transitioned rows
	ExpireRequests(ctx context.Context, now time.Time) ([]Request, error)
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

// GetPolicy by id, nil when unknown
func (pg *Postgres) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	policy := Policy{}
	err := pg.RawDB().GetContext(ctx, &policy,
		`select * from approval_policies where id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// CreateRequest opens a request in open status with the policy deadline
func (pg *Postgres) CreateRequest(ctx context.Context, requestType, referenceID string, policy *Policy, metadata paystore.Metadata) (*Request, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	request := Request{}
	err = tx.GetContext(ctx, &request, `
	insert into approval_requests
		(request_type, reference_id, policy_id, status, required_threshold, expires_at, metadata)
	values ($1, $2, $3, 'open', $4, current_timestamp + make_interval(secs => $5), $6)
	returning *`,
		requestType, paystore.NewNullString(referenceID), policy.ID,
		policy.RequiredSignatures, policy.TTLSeconds, metadata,
	)
	if err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, request.ID, "created", "", requestType); err != nil {
		return nil, err
	}
	return &request, tx.Commit()
}

// GetRequest by id, nil when unknown
func (pg *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	request := Request{}
	err := pg.RawDB().GetContext(ctx, &request,
		`select * from approval_requests where id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// ListSignatures in insertion order
func (pg *Postgres) ListSignatures(ctx context.Context, requestID uuid.UUID) ([]Signature, error) {
	signatures := []Signature{}
	err := pg.RawDB().SelectContext(ctx, &signatures,
		`select * from approval_signatures where request_id = $1 order by created_at`, requestID)
	if err != nil {
		return nil, err
	}
	return signatures, nil
}

// ListRequests newest first, optionally filtered by status and type
func (pg *Postgres) ListRequests(ctx context.Context, status, requestType string) ([]Request, error) {
	requests := []Request{}
	err := pg.RawDB().SelectContext(ctx, &requests, `
	select * from approval_requests
	where ( $1 = '' or status = $1 )
		and ( $2 = '' or request_type = $2 )
	order by created_at desc
	limit 100`, status, requestType)
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// SignRequest validates and appends the signature under a row lock on the
// request. Concurrent signers serialize on the lock, so the threshold
// transition to approved is observed exactly once.
func (pg *Postgres) SignRequest(ctx context.Context, requestID uuid.UUID, signer string, signerRoles []string, comment string) (*SignOutcome, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	request, policy, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !request.Signable() {
		return nil, ErrRequestNotSignable
	}
	if !time.Now().Before(request.ExpiresAt) {
		return nil, ErrRequestExpired
	}
	if !rolesIntersect(signerRoles, policy.AllowedRoles) {
		return nil, ErrRoleNotAllowed
	}

	var existing int
	err = tx.GetContext(ctx, &existing,
		`select count(*) from approval_signatures where request_id = $1 and signer = $2`,
		requestID, signer)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicateSigner
	}

	signature := Signature{}
	err = tx.GetContext(ctx, &signature, `
	insert into approval_signatures (request_id, signer, signer_roles, comment)
	values ($1, $2, $3, $4)
	returning *`,
		requestID, signer, pq.StringArray(signerRoles), paystore.NewNullString(comment),
	)
	if err != nil {
		return nil, err
	}

	var count int
	err = tx.GetContext(ctx, &count,
		`select count(*) from approval_signatures where request_id = $1`, requestID)
	if err != nil {
		return nil, err
	}

	status := StatusPartiallyApproved
	newlyApproved := false
	if count >= request.RequiredThreshold {
		status = StatusApproved
		newlyApproved = true
	}

	err = tx.GetContext(ctx, request, `
	update approval_requests
	set status = $2, signature_count = $3, updated_at = current_timestamp
	where id = $1
	returning *`, requestID, status, count)
	if err != nil {
		return nil, err
	}

	if err := appendAudit(ctx, tx, requestID, "signed", signer, comment); err != nil {
		return nil, err
	}
	if newlyApproved {
		if err := appendAudit(ctx, tx, requestID, "approved", signer, ""); err != nil {
			return nil, err
		}
		if err := setLinkedActionStatus(ctx, tx, request.ReferenceID, "authorized"); err != nil {
			return nil, err
		}
	}

	outcome := &SignOutcome{
		Request:       request,
		Signature:     &signature,
		NewlyApproved: newlyApproved,
	}
	return outcome, tx.Commit()
}

// RejectRequest terminally rejects under a row lock on the request
func (pg *Postgres) RejectRequest(ctx context.Context, requestID uuid.UUID, signer, reason string) (*Request, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	request, _, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !request.Signable() {
		return nil, ErrRequestNotSignable
	}

	err = tx.GetContext(ctx, request, `
	update approval_requests
	set status = 'rejected', updated_at = current_timestamp
	where id = $1
	returning *`, requestID)
	if err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, requestID, "rejected", signer, reason); err != nil {
		return nil, err
	}
	if err := setLinkedActionStatus(ctx, tx, request.ReferenceID, "rejected"); err != nil {
		return nil, err
	}
	return request, tx.Commit()
}

// ExpireRequests transitions every overdue request to expired. Each row is
// handled in its own locked transaction so a crash mid-sweep leaves the
// already expired rows committed.
func (pg *Postgres) ExpireRequests(ctx context.Context, now time.Time) ([]Request, error) {
	ids := []uuid.UUID{}
	err := pg.RawDB().SelectContext(ctx, &ids, `
	select id from approval_requests
	where status in ('open', 'partially_approved') and expires_at <= $1
	order by expires_at`, now)
	if err != nil {
		return nil, err
	}

	expired := []Request{}
	for _, id := range ids {
		request, err := pg.expireOne(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if request != nil {
			expired = append(expired, *request)
		}
	}
	return expired, nil
}

func (pg *Postgres) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (*Request, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	request, _, err := lockRequest(ctx, tx, id)
	if err == ErrRequestNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// a signer may have raced the sweep to a terminal status
	if !request.Signable() || request.ExpiresAt.After(now) {
		return nil, nil
	}

	err = tx.GetContext(ctx, request, `
	update approval_requests
	set status = 'expired', updated_at = current_timestamp
	where id = $1
	returning *`, id)
	if err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, id, "expired", "", ""); err != nil {
		return nil, err
	}
	if err := setLinkedActionStatus(ctx, tx, request.ReferenceID, "rejected"); err != nil {
		return nil, err
	}
	return request, tx.Commit()
}

// lockRequest loads the request and its policy under for update
func lockRequest(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Request, *Policy, error) {
	request := Request{}
	err := tx.GetContext(ctx, &request,
		`select * from approval_requests where id = $1 for update`, id)
	if err == sql.ErrNoRows {
		return nil, nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	policy := Policy{}
	err = tx.GetContext(ctx, &policy,
		`select * from approval_policies where id = $1`, request.PolicyID)
	if err != nil {
		return nil, nil, err
	}
	return &request, &policy, nil
}

func appendAudit(ctx context.Context, tx *sqlx.Tx, requestID uuid.UUID, event, actor, detail string) error {
	_, err := tx.ExecContext(ctx, `
	insert into approval_audit (request_id, event, actor, detail)
	values ($1, $2, $3, $4)`,
		requestID, event, paystore.NewNullString(actor), paystore.NewNullString(detail))
	return err
}

// setLinkedActionStatus transitions the ops action an approval guards.
// A request without a reference carries no linked action.
func setLinkedActionStatus(ctx context.Context, tx *sqlx.Tx, referenceID paystore.NullString, status string) error {
	if !referenceID.Valid || referenceID.String == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
	update ops_actions
	set status = $2, updated_at = current_timestamp
	where id::text = $1 and status = 'pending'`,
		referenceID.String, status)
	return err
}

func rolesIntersect(signerRoles []string, allowed pq.StringArray) bool {
	for _, role := range signerRoles {
		for _, a := range allowed {
			if role == a {
				return true
			}
		}
	}
	return false
}

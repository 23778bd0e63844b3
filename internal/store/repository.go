/**
 * @description
 * This file implements the data access layer for the subscription-service.
 * It contains all the SQL queries and logic for interacting with the
 * subscriptions and payment_transactions tables.
 *
 * @notes
 * - Subscription writes are conditional on the stored revision. A write that
 *   affects no row means another request got there first and the caller must
 *   re-read before trying again.
 * - JSONB columns are encoded by hand so the queries also work under the simple
 *   query protocol used behind PgBouncer.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrRevisionConflict     = errors.New("subscription revision conflict")
)

const uniqueViolation = "23505"

const subscriptionColumns = `
	subscription_code, user_id, customer_code, customer_email, email_token,
	plan_code, plan_name, amount, currency, interval, status,
	start_date, next_payment_date, end_date, cancelled_at, last_payment_date,
	initial_reference, auto_renew, metadata, processed_events, revision,
	created_at, updated_at`

const transactionColumns = `
	reference, COALESCE(subscription_code, ''), user_id, amount, currency, status,
	channel, gateway_response, paid_at, created_at, updated_at`

// Repository handles database operations for subscriptions and their transactions.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetSubscription retrieves a subscription by its code.
func (r *Repository) GetSubscription(ctx context.Context, code string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_code = $1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// UpsertSubscription writes the whole subscription document in one statement.
// Revision 0 means the record must not exist yet; any other value must match the
// stored revision. Both preconditions failing surface as ErrRevisionConflict.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	metadata, events, err := encodeJSONColumns(sub)
	if err != nil {
		return nil, err
	}

	var row pgx.Row
	if sub.Revision == 0 {
		query := `
			INSERT INTO subscriptions (
				subscription_code, user_id, customer_code, customer_email, email_token,
				plan_code, plan_name, amount, currency, interval, status,
				start_date, next_payment_date, end_date, cancelled_at, last_payment_date,
				initial_reference, auto_renew, metadata, processed_events, revision
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19::jsonb, $20::jsonb, 1)
			ON CONFLICT (subscription_code) DO NOTHING
			RETURNING ` + subscriptionColumns
		row = r.db.QueryRow(ctx, query,
			sub.SubscriptionCode, sub.UserID, sub.CustomerCode, sub.CustomerEmail, sub.EmailToken,
			sub.PlanCode, sub.PlanName, sub.Amount, sub.Currency, string(sub.Interval), string(sub.Status),
			sub.StartDate, sub.NextPaymentDate, sub.EndDate, sub.CancelledAt, sub.LastPaymentDate,
			sub.InitialReference, sub.AutoRenew, metadata, events,
		)
	} else {
		query := `
			UPDATE subscriptions SET
				user_id = $3, customer_code = $4, customer_email = $5, email_token = $6,
				plan_code = $7, plan_name = $8, amount = $9, currency = $10, interval = $11, status = $12,
				start_date = $13, next_payment_date = $14, end_date = $15, cancelled_at = $16,
				last_payment_date = $17, initial_reference = $18, auto_renew = $19,
				metadata = $20::jsonb, processed_events = $21::jsonb,
				revision = revision + 1, updated_at = NOW()
			WHERE subscription_code = $1 AND revision = $2
			RETURNING ` + subscriptionColumns
		row = r.db.QueryRow(ctx, query,
			sub.SubscriptionCode, sub.Revision,
			sub.UserID, sub.CustomerCode, sub.CustomerEmail, sub.EmailToken,
			sub.PlanCode, sub.PlanName, sub.Amount, sub.Currency, string(sub.Interval), string(sub.Status),
			sub.StartDate, sub.NextPaymentDate, sub.EndDate, sub.CancelledAt,
			sub.LastPaymentDate, sub.InitialReference, sub.AutoRenew,
			metadata, events,
		)
	}

	saved, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRevisionConflict
		}
		return nil, fmt.Errorf("upsert subscription %s: %w", sub.SubscriptionCode, err)
	}
	return saved, nil
}

// PromoteSubscription renames a provisional subscription to the gateway-issued code.
// Transactions follow through the ON UPDATE CASCADE foreign key.
func (r *Repository) PromoteSubscription(ctx context.Context, fromCode, toCode string, expectedRevision int64) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET subscription_code = $2, revision = revision + 1, updated_at = NOW()
		WHERE subscription_code = $1 AND revision = $3
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, fromCode, toCode, expectedRevision))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRevisionConflict
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrRevisionConflict
		}
		return nil, fmt.Errorf("promote subscription %s: %w", fromCode, err)
	}
	return sub, nil
}

// FindActiveSubscriptionByUser returns the most recently updated active subscription for a user.
func (r *Repository) FindActiveSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListSubscriptionsByUser returns every subscription a user has held, newest first.
func (r *Repository) ListSubscriptionsByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`
	return r.querySubscriptions(ctx, query, userID)
}

// FindProvisionalSubscription looks up a not-yet-promoted subscription by customer email and plan.
func (r *Repository) FindProvisionalSubscription(ctx context.Context, email, planCode string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE lower(customer_email) = lower($1)
		  AND plan_code = $2
		  AND subscription_code LIKE $3
		ORDER BY created_at DESC
		LIMIT 1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, strings.TrimSpace(email), planCode, domain.ProvisionalCodePrefix+"%"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// FindSubscriptionByCustomerPlan finds the newest subscription a customer holds on a plan.
func (r *Repository) FindSubscriptionByCustomerPlan(ctx context.Context, customerCode, planCode string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE customer_code = $1 AND plan_code = $2
		ORDER BY created_at DESC
		LIMIT 1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, customerCode, planCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// FindUserIDByCustomer resolves the owning user from any earlier subscription of the customer.
func (r *Repository) FindUserIDByCustomer(ctx context.Context, customerCode, email string) (string, error) {
	var userID string
	query := `
		SELECT user_id FROM subscriptions
		WHERE user_id <> ''
		  AND ((customer_code <> '' AND customer_code = $1) OR lower(customer_email) = lower($2))
		ORDER BY created_at DESC
		LIMIT 1`
	if err := r.db.QueryRow(ctx, query, customerCode, strings.TrimSpace(email)).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", err
	}
	return userID, nil
}

// ListStalePendingSubscriptions returns pending subscriptions created before the cutoff, oldest first.
func (r *Repository) ListStalePendingSubscriptions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	return r.querySubscriptions(ctx, query, createdBefore, limit)
}

// errTransactionInserted means another request inserted the reference between our
// read and our insert.
var errTransactionInserted = errors.New("transaction inserted concurrently")

// AppendTransaction records a payment attempt. A second observation of the same
// reference is folded into the locked row with Transaction.Merge, so the status
// only moves forward.
func (r *Repository) AppendTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var saved *domain.Transaction
		err := pgx.BeginFunc(ctx, r.db, func(dbtx pgx.Tx) error {
			var err error
			saved, err = appendTransaction(ctx, dbtx, tx)
			return err
		})
		if errors.Is(err, errTransactionInserted) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append transaction %s: %w", tx.Reference, err)
		}
		return saved, nil
	}
	return nil, fmt.Errorf("append transaction %s: %w", tx.Reference, errTransactionInserted)
}

func appendTransaction(ctx context.Context, dbtx pgx.Tx, tx *domain.Transaction) (*domain.Transaction, error) {
	lockQuery := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE reference = $1 FOR UPDATE`
	existing, err := scanTransaction(dbtx.QueryRow(ctx, lockQuery, tx.Reference))
	if errors.Is(err, pgx.ErrNoRows) {
		insertQuery := `
			INSERT INTO payment_transactions (
				reference, subscription_code, user_id, amount, currency, status,
				channel, gateway_response, paid_at
			)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (reference) DO NOTHING
			RETURNING ` + transactionColumns
		saved, err := scanTransaction(dbtx.QueryRow(ctx, insertQuery,
			tx.Reference, tx.SubscriptionCode, tx.UserID, tx.Amount, tx.Currency, string(tx.Status),
			tx.Channel, tx.GatewayResponse, tx.PaidAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errTransactionInserted
		}
		return saved, err
	}
	if err != nil {
		return nil, err
	}

	existing.Merge(tx)
	updateQuery := `
		UPDATE payment_transactions SET
			subscription_code = NULLIF($2, ''), user_id = $3, amount = $4, currency = $5,
			status = $6, channel = $7, gateway_response = $8, paid_at = $9, updated_at = NOW()
		WHERE reference = $1
		RETURNING ` + transactionColumns
	return scanTransaction(dbtx.QueryRow(ctx, updateQuery,
		existing.Reference, existing.SubscriptionCode, existing.UserID, existing.Amount, existing.Currency,
		string(existing.Status), existing.Channel, existing.GatewayResponse, existing.PaidAt,
	))
}

// GetTransaction retrieves a payment transaction by reference.
func (r *Repository) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE reference = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *Repository) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub              domain.Subscription
		interval, status string
		metadata, events []byte
	)
	err := row.Scan(
		&sub.SubscriptionCode,
		&sub.UserID,
		&sub.CustomerCode,
		&sub.CustomerEmail,
		&sub.EmailToken,
		&sub.PlanCode,
		&sub.PlanName,
		&sub.Amount,
		&sub.Currency,
		&interval,
		&status,
		&sub.StartDate,
		&sub.NextPaymentDate,
		&sub.EndDate,
		&sub.CancelledAt,
		&sub.LastPaymentDate,
		&sub.InitialReference,
		&sub.AutoRenew,
		&metadata,
		&events,
		&sub.Revision,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Interval = domain.Interval(interval)
	sub.Status = domain.SubscriptionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &sub.ProcessedEvents); err != nil {
			return nil, fmt.Errorf("decode processed events: %w", err)
		}
	}
	return &sub, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		status string
	)
	err := row.Scan(
		&tx.Reference,
		&tx.SubscriptionCode,
		&tx.UserID,
		&tx.Amount,
		&tx.Currency,
		&status,
		&tx.Channel,
		&tx.GatewayResponse,
		&tx.PaidAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = domain.TransactionStatus(status)
	return &tx, nil
}

func encodeJSONColumns(sub *domain.Subscription) (string, string, error) {
	metadata := sub.Metadata
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	events := sub.ProcessedEvents
	if events == nil {
		events = []string{}
	}
	ev, err := json.Marshal(events)
	if err != nil {
		return "", "", fmt.Errorf("encode processed events: %w", err)
	}
	return string(md), string(ev), nil
}

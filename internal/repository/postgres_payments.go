package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/pharmalink/internal/model"
)

const paymentColumns = `id, order_id, processor, transaction_id, payment_status, amount, currency,
	processor_response, failure_reason, processed_at, created_at, updated_at`

func scanPayment(row pgx.Row, p *model.Payment) error {
	var status string
	err := row.Scan(&p.ID, &p.OrderID, &p.Processor, &p.Reference, &status, &p.Amount, &p.Currency,
		&p.ProcessorResponse, &p.FailureReason, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	p.Status = model.PaymentStatus(status)
	return nil
}

func paymentConflict(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return nil
	}
	switch constraint {
	case "payments_transaction_id_key":
		return ErrDuplicateReference
	case "payments_one_completed_per_order":
		return ErrPaymentAlreadyCompleted
	}
	return nil
}

// GetPaymentByReference возвращает платёж по идентификатору транзакции процессора.
func (r *PostgresRepository) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	var p model.Payment
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, reference)
	if err := scanPayment(row, &p); err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return &p, nil
}

// ListStalePayments возвращает незавершённые платежи, созданные раньше createdBefore.
func (r *PostgresRepository) ListStalePayments(ctx context.Context, createdBefore time.Time, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE payment_status IN ($1, $2) AND created_at < $3
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.PaymentStatusPending),
		string(model.PaymentStatusProcessing),
		createdBefore,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var p model.Payment
		if err := scanPayment(rows, &p); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertPayment сохраняет новый платёж.
func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payments (id, order_id, processor, transaction_id, payment_status, amount, currency, processor_response)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		p.ID, p.OrderID, p.Processor, p.Reference, string(p.Status), p.Amount, p.Currency, jsonOrEmpty(p.ProcessorResponse),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if conflict := paymentConflict(err); conflict != nil {
			return fmt.Errorf("%w: %s", conflict, p.Reference)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// LockPaymentByReference перечитывает платёж с блокировкой строки до конца транзакции.
func (t *pgTx) LockPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	var p model.Payment
	row := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1 FOR UPDATE`, reference)
	if err := scanPayment(row, &p); err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return &p, nil
}

// UpdatePayment сохраняет статус платежа и ответ процессора.
func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE payments
		 SET payment_status = $2, processor_response = $3, failure_reason = $4,
		     processed_at = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		p.ID, string(p.Status), jsonOrEmpty(p.ProcessorResponse), p.FailureReason, p.ProcessedAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		if conflict := paymentConflict(err); conflict != nil {
			return fmt.Errorf("%w: %s", conflict, p.Reference)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

// HasCompletedPayment сообщает, есть ли у заказа завершённый платёж.
func (t *pgTx) HasCompletedPayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND payment_status = $2)`,
		orderID, string(model.PaymentStatusCompleted),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed payment: %w", err)
	}
	return exists, nil
}

func jsonOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

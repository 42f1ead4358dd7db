package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/pharmalink/internal/model"
)

const orderColumns = `o.id, o.user_id, o.pharmacy_id, o.order_number, o.status, o.total_amount,
	o.amount_paid, o.currency, o.delivery_address, o.delivery_method, o.payment_method,
	o.payment_status, o.notes, o.created_at, o.updated_at`

func scanOrder(row pgx.Row, o *model.Order, extra ...any) error {
	var status, paymentStatus string
	dest := []any{
		&o.ID, &o.UserID, &o.PharmacyID, &o.OrderNumber, &status, &o.TotalAmount,
		&o.AmountPaid, &o.Currency, &o.DeliveryAddress, &o.DeliveryMethod, &o.PaymentMethod,
		&paymentStatus, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func selectItems(ctx context.Context, q querier, orderID uuid.UUID) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx,
		`SELECT oi.id, oi.order_id, oi.medication_id, m.name, oi.quantity,
		        oi.unit_price, oi.total_price, oi.currency
		 FROM order_items oi
		 JOIN medications m ON m.id = oi.medication_id
		 WHERE oi.order_id = $1
		 ORDER BY oi.position`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.MedicationID, &it.MedicationName, &it.Quantity,
			&it.UnitPrice, &it.TotalPrice, &it.Currency); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetOrder возвращает заказ с позициями и снимком аптеки.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var (
		o  model.Order
		ph model.Pharmacy
	)
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+`, p.id, p.name, p.address, p.phone, p.email, p.latitude, p.longitude, p.status
		 FROM orders o
		 JOIN pharmacies p ON p.id = o.pharmacy_id
		 WHERE o.id = $1`,
		id,
	)
	err := scanOrder(row, &o, &ph.ID, &ph.Name, &ph.Address, &ph.Phone, &ph.Email, &ph.Latitude, &ph.Longitude, &ph.Status)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Pharmacy = &ph

	o.Items, err = selectItems(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	o.ItemCount = len(o.Items)

	return &o, nil
}

// orderPredicates собирает параметризованные условия выборки заказов.
func orderPredicates(f OrderFilter) (string, []any) {
	conds := []string{"o.user_id = $1"}
	args := []any{f.UserID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "o.status = $"+strconv.Itoa(len(args)))
	}

	return strings.Join(conds, " AND "), args
}

// ListOrders возвращает страницу заказов пользователя и общее количество заказов по фильтру.
func (r *PostgresRepository) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error) {
	where, args := orderPredicates(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders o WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`, p.id, p.name, p.address, p.phone,
		        (SELECT COUNT(*) FROM order_items oi WHERE oi.order_id = o.id)
		 FROM orders o
		 JOIN pharmacies p ON p.id = o.pharmacy_id
		 WHERE `+where+`
		 ORDER BY o.created_at DESC
		 LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o  model.Order
			ph model.Pharmacy
		)
		if err := scanOrder(rows, &o, &ph.ID, &ph.Name, &ph.Address, &ph.Phone, &o.ItemCount); err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		o.Pharmacy = &ph
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return orders, total, nil
}

// InsertOrder сохраняет заказ и его позиции.
func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, pharmacy_id, order_number, status, total_amount, currency,
		                     delivery_address, delivery_method, payment_method, payment_status, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		o.ID, o.UserID, o.PharmacyID, o.OrderNumber, string(o.Status), o.TotalAmount, o.Currency,
		o.DeliveryAddress, o.DeliveryMethod, o.PaymentMethod, string(o.PaymentStatus), o.Notes,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "orders_order_number_key" {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.OrderNumber)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO order_items (id, order_id, position, medication_id, quantity, unit_price, total_price, currency)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, o.ID, i, it.MedicationID, it.Quantity, it.UnitPrice, it.TotalPrice, it.Currency,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

// LockOrder перечитывает заказ с блокировкой строки до конца транзакции.
func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o model.Order
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1 FOR UPDATE`, id)
	if err := scanOrder(row, &o); err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	items, err := selectItems(ctx, t.tx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	o.ItemCount = len(items)

	return &o, nil
}

// UpdateOrder сохраняет изменяемые поля заказа.
func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2, notes = $3, payment_status = $4, amount_paid = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		o.ID, string(o.Status), o.Notes, string(o.PaymentStatus), o.AmountPaid,
	).Scan(&o.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

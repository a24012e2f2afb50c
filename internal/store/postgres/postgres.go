package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"

	txAttempts = 3
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate creates any missing table. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productColumns = `id, store_id, sku, name, unit, list_price, cost_price, tax_rate, warehouse_id, flat_stock, active`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.StoreID, &p.SKU, &p.Name, &p.Unit, &p.ListPrice, &p.CostPrice, &p.TaxRate, &p.WarehouseID, &p.FlatStock, &p.Active)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND active = true
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachBatches(ctx, s.db, products, ""); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProducts(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
	`, storeID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachBatches(ctx, s.db, products, ""); err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) GetProduct(ctx context.Context, storeID string, id string) (*domain.Product, error) {
	p, err := loadProduct(ctx, s.db, storeID, id, "")
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// loadProduct reads one product with its batches. lock is appended to both
// selects, e.g. "FOR UPDATE" inside a stock transaction.
func loadProduct(ctx context.Context, q querier, storeID string, id string, lock string) (domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND id = $2
		`+lock, storeID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Product{}, err
	}
	products := []domain.Product{p}
	if err := attachBatches(ctx, q, products, lock); err != nil {
		return domain.Product{}, err
	}
	return products[0], nil
}

func attachBatches(ctx context.Context, q querier, products []domain.Product, lock string) error {
	if len(products) == 0 {
		return nil
	}
	ids := make([]string, 0, len(products))
	index := make(map[string]int, len(products))
	for i, p := range products {
		ids = append(ids, p.ID)
		index[p.ID] = i
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, batch_no, expiry_date, quantity, cost_price, selling_price, warehouse_id, received_at
		FROM batches
		WHERE product_id = ANY($1)
		ORDER BY product_id, received_at, id
		`+lock, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b       domain.Batch
			expiry  sql.NullTime
			selling decimal.NullDecimal
		)
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNo, &expiry, &b.Quantity, &b.CostPrice, &selling, &b.WarehouseID, &b.ReceivedAt); err != nil {
			return err
		}
		b.ExpiryDate = timePtr(expiry)
		if selling.Valid {
			b.SellingPrice = &selling.Decimal
		}
		b.ReceivedAt = b.ReceivedAt.UTC()
		i := index[b.ProductID]
		products[i].Batches = append(products[i].Batches, b)
	}
	return rows.Err()
}

func (s *Store) FindCustomerByPhone(ctx context.Context, storeID string, phone string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, phone, loyalty_points, created_at, updated_at
		FROM customers
		WHERE store_id = $1 AND phone = $2
	`, storeID, phone).Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.LoyaltyPoints, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, store_id, name, phone, loyalty_points, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,now(),now())
		ON CONFLICT (store_id, phone)
		DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), customers.name), updated_at = now()
		RETURNING id, store_id, name, phone, loyalty_points, created_at, updated_at
	`, customer.ID, customer.StoreID, customer.Name, customer.Phone).
		Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.LoyaltyPoints, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, address, tax_code, contact_person, created_at, updated_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Email, &sup.Address, &sup.TaxCode, &sup.ContactPerson, &sup.CreatedAt, &sup.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE suppliers
		SET name = $2, phone = $3, email = $4, address = $5, tax_code = $6, contact_person = $7, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.Email, supplier.Address, supplier.TaxCode, supplier.ContactPerson).
		Scan(&supplier.CreatedAt, &supplier.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

const orderColumns = `id, store_id, employee_id, customer_id, customer_name, customer_phone, payment_method, status, lines,
	subtotal, discount, tax_total, grand_total, cash_received, change_amount, loyalty_points_used, earned_points, vat,
	print_count, payment_ref, qr_payload, qr_image, qr_expires_at, paid_at, created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (*domain.Order, error) {
	var (
		o          domain.Order
		employeeID sql.NullString
		customerID sql.NullString
		linesJSON  []byte
		vatJSON    []byte
		qrExpires  sql.NullTime
		paidAt     sql.NullTime
	)
	err := row.Scan(&o.ID, &o.StoreID, &employeeID, &customerID, &o.CustomerName, &o.CustomerPhone, &o.PaymentMethod, &o.Status, &linesJSON,
		&o.Subtotal, &o.Discount, &o.TaxTotal, &o.GrandTotal, &o.CashReceived, &o.Change, &o.LoyaltyPointsUsed, &o.EarnedPoints, &vatJSON,
		&o.PrintCount, &o.PaymentRef, &o.QRPayload, &o.QRImage, &qrExpires, &paidAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if employeeID.Valid {
		o.EmployeeID = &employeeID.String
	}
	o.CustomerID = customerID.String
	if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	if len(vatJSON) > 0 {
		var vat domain.VATInfo
		if err := json.Unmarshal(vatJSON, &vat); err != nil {
			return nil, fmt.Errorf("decode order vat: %w", err)
		}
		o.VAT = &vat
	}
	o.QRExpiresAt = timePtr(qrExpires)
	o.PaidAt = timePtr(paidAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func orderArgs(o domain.Order) ([]any, error) {
	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return nil, err
	}
	var vatJSON any
	if o.VAT != nil {
		raw, err := json.Marshal(o.VAT)
		if err != nil {
			return nil, err
		}
		vatJSON = raw
	}
	var employeeID any
	if o.EmployeeID != nil {
		employeeID = *o.EmployeeID
	}
	return []any{
		o.ID, o.StoreID, employeeID, nullIfEmpty(o.CustomerID), o.CustomerName, o.CustomerPhone, string(o.PaymentMethod), o.Status, linesJSON,
		o.Subtotal, o.Discount, o.TaxTotal, o.GrandTotal, o.CashReceived, o.Change, o.LoyaltyPointsUsed, o.EarnedPoints, vatJSON,
		o.PrintCount, o.PaymentRef, o.QRPayload, o.QRImage, nullTime(o.QRExpiresAt), nullTime(o.PaidAt), o.CreatedAt, o.UpdatedAt,
	}, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	args, err := orderArgs(order)
	if err != nil {
		return nil, err
	}
	created, err := scanOrder(s.db.QueryRowContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING `+orderColumns, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdatePendingOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	var updated *domain.Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, order.ID))
		if err != nil {
			return err
		}
		if existing.Paid() {
			return domain.ErrStaleOrderState
		}
		order.CreatedAt = existing.CreatedAt
		order.PrintCount = existing.PrintCount
		args, err := orderArgs(order)
		if err != nil {
			return err
		}
		updated, err = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders SET
				store_id = $2, employee_id = $3, customer_id = $4, customer_name = $5, customer_phone = $6,
				payment_method = $7, status = $8, lines = $9, subtotal = $10, discount = $11, tax_total = $12,
				grand_total = $13, cash_received = $14, change_amount = $15, loyalty_points_used = $16,
				earned_points = $17, vat = $18, print_count = $19, payment_ref = $20, qr_payload = $21,
				qr_image = $22, qr_expires_at = $23, paid_at = $24, created_at = $25, updated_at = $26
			WHERE id = $1
			RETURNING `+orderColumns, args...))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *Store) FindOrderByPaymentRef(ctx context.Context, reference string) (*domain.Order, error) {
	if reference == "" {
		return nil, store.ErrNotFound
	}
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, reference))
}

func (s *Store) IncrementPrintCount(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `
		UPDATE orders SET print_count = print_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+orderColumns, id))
}

func (s *Store) ClearOrderQR(ctx context.Context, id string, reference string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		UPDATE orders SET qr_payload = '', qr_image = '', qr_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND payment_ref = $2 AND status <> $3
		RETURNING `+orderColumns, id, reference, domain.OrderStatusPaid))
	if !errors.Is(err, store.ErrNotFound) {
		return order, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, store.ErrQRSuperseded
	}
	return nil, store.ErrNotFound
}

const voucherColumns = `id, code, type, store_id, warehouse_id, supplier, reason, deliverer_name, receiver_name,
	ref_doc_no, ref_doc_date, voucher_date, lines, status, created_by, created_at, posted_at`

func scanVoucher(row interface{ Scan(dest ...any) error }) (*domain.InventoryVoucher, error) {
	var (
		v            domain.InventoryVoucher
		supplierJSON []byte
		linesJSON    []byte
		refDocDate   sql.NullTime
		postedAt     sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Code, &v.Type, &v.StoreID, &v.WarehouseID, &supplierJSON, &v.Reason, &v.DelivererName, &v.ReceiverName,
		&v.RefDocNo, &refDocDate, &v.VoucherDate, &linesJSON, &v.Status, &v.CreatedBy, &v.CreatedAt, &postedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(supplierJSON) > 0 {
		var snap domain.SupplierSnapshot
		if err := json.Unmarshal(supplierJSON, &snap); err != nil {
			return nil, fmt.Errorf("decode voucher supplier: %w", err)
		}
		v.Supplier = &snap
	}
	if err := json.Unmarshal(linesJSON, &v.Lines); err != nil {
		return nil, fmt.Errorf("decode voucher lines: %w", err)
	}
	v.RefDocDate = timePtr(refDocDate)
	v.PostedAt = timePtr(postedAt)
	v.VoucherDate = v.VoucherDate.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (s *Store) CreateVoucher(ctx context.Context, voucher domain.InventoryVoucher) (*domain.InventoryVoucher, error) {
	if voucher.ID == "" {
		voucher.ID = xid.New("vch")
	}
	linesJSON, err := json.Marshal(voucher.Lines)
	if err != nil {
		return nil, err
	}
	var supplierJSON any
	if voucher.Supplier != nil {
		raw, err := json.Marshal(voucher.Supplier)
		if err != nil {
			return nil, err
		}
		supplierJSON = raw
	}

	created, err := scanVoucher(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_vouchers (`+voucherColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING `+voucherColumns,
		voucher.ID, voucher.Code, string(voucher.Type), voucher.StoreID, voucher.WarehouseID, supplierJSON, voucher.Reason,
		voucher.DelivererName, voucher.ReceiverName, voucher.RefDocNo, nullTime(voucher.RefDocDate), voucher.VoucherDate,
		linesJSON, voucher.Status, voucher.CreatedBy, voucher.CreatedAt, nullTime(voucher.PostedAt)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetVoucher(ctx context.Context, id string) (*domain.InventoryVoucher, error) {
	return scanVoucher(s.db.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM inventory_vouchers WHERE id = $1`, id))
}

func (s *Store) ListVouchers(ctx context.Context, storeID string, limit int) ([]domain.InventoryVoucher, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+voucherColumns+`
		FROM inventory_vouchers
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vouchers := make([]domain.InventoryVoucher, 0, limit)
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, *v)
	}
	return vouchers, rows.Err()
}

// WithStockTx runs fn in a serializable transaction. A serialization
// failure reruns fn from the start.
func (s *Store) WithStockTx(ctx context.Context, fn func(tx store.StockTx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			return fn(&stockTx{tx: tx})
		})
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, store_id, employee_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, username, user.Password, user.Role, user.StoreID, user.EmployeeID, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, store_id, employee_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.StoreID, &u.EmployeeID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type stockTx struct {
	tx *sql.Tx
}

func (t *stockTx) LockProduct(ctx context.Context, storeID string, productID string) (domain.Product, error) {
	return loadProduct(ctx, t.tx, storeID, productID, "FOR UPDATE")
}

func (t *stockTx) CreditBatch(ctx context.Context, credit store.BatchCredit) (domain.Batch, error) {
	if credit.Quantity < 1 {
		return domain.Batch{}, domain.NewValidationError("quantity", "must be at least 1")
	}
	var selling any
	if credit.SellingPrice != nil {
		selling = *credit.SellingPrice
	}

	var (
		b         domain.Batch
		expiry    sql.NullTime
		sellingDB decimal.NullDecimal
	)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO batches (id, product_id, batch_no, expiry_date, quantity, cost_price, selling_price, warehouse_id, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (product_id, batch_no)
		DO UPDATE SET quantity = batches.quantity + EXCLUDED.quantity
		RETURNING id, product_id, batch_no, expiry_date, quantity, cost_price, selling_price, warehouse_id, received_at
	`, xid.New("bat"), credit.ProductID, credit.BatchNo, nullTime(credit.ExpiryDate), credit.Quantity, credit.CostPrice, selling,
		credit.WarehouseID, credit.ReceivedAt).
		Scan(&b.ID, &b.ProductID, &b.BatchNo, &expiry, &b.Quantity, &b.CostPrice, &sellingDB, &b.WarehouseID, &b.ReceivedAt)
	if err != nil {
		return domain.Batch{}, err
	}
	b.ExpiryDate = timePtr(expiry)
	if sellingDB.Valid {
		b.SellingPrice = &sellingDB.Decimal
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE products SET flat_stock = flat_stock + $2, updated_at = now() WHERE id = $1
	`, credit.ProductID, credit.Quantity); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

func (t *stockTx) DebitBatch(ctx context.Context, productID string, batchID string, qty int) error {
	var available int
	err := t.tx.QueryRowContext(ctx, `
		SELECT quantity FROM batches WHERE id = $1 AND product_id = $2 FOR UPDATE
	`, batchID, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if available < qty {
		return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE batches SET quantity = quantity - $2 WHERE id = $1
	`, batchID, qty); err != nil {
		return stockError(err, productID, qty, available)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE products SET flat_stock = GREATEST(flat_stock - $2, 0), updated_at = now() WHERE id = $1
	`, productID, qty)
	return err
}

func (t *stockTx) DebitFlatStock(ctx context.Context, productID string, qty int) error {
	var available int
	err := t.tx.QueryRowContext(ctx, `
		SELECT flat_stock FROM products WHERE id = $1 FOR UPDATE
	`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if available < qty {
		return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE products SET flat_stock = flat_stock - $2, updated_at = now() WHERE id = $1
	`, productID, qty)
	return stockError(err, productID, qty, available)
}

func (t *stockTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *stockTx) MarkOrderPaid(ctx context.Context, id string, earnedPoints int, paidAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, earned_points = $3, paid_at = $4, qr_image = '', updated_at = $4
		WHERE id = $1 AND status <> $2
	`, id, domain.OrderStatusPaid, earnedPoints, paidAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrStaleOrderState
	}
	return nil
}

func (t *stockTx) AdjustLoyalty(ctx context.Context, customerID string, delta int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers SET loyalty_points = loyalty_points + $2, updated_at = now() WHERE id = $1
	`, customerID, delta)
	if isCheckViolation(err) {
		return domain.NewValidationError("loyalty_points", "exceeds customer balance")
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
	}
	return nil
}

func (t *stockTx) GetVoucher(ctx context.Context, id string) (*domain.InventoryVoucher, error) {
	return scanVoucher(t.tx.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM inventory_vouchers WHERE id = $1 FOR UPDATE`, id))
}

func (t *stockTx) MarkVoucherPosted(ctx context.Context, id string, postedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_vouchers SET status = $2, posted_at = $3
		WHERE id = $1 AND status <> $2
	`, id, domain.VoucherStatusPosted, postedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrVoucherAlreadyPosted
	}
	return nil
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.StockTx    = (*stockTx)(nil)
)

// stockError turns a quantity CHECK failure into InsufficientStockError.
func stockError(err error, productID string, requested int, available int) error {
	if !isCheckViolation(err) {
		return err
	}
	return &domain.InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

func isCheckViolation(err error) bool {
	return pgCode(err) == codeCheckViolation
}

func isSerializationFailure(err error) bool {
	return pgCode(err) == codeSerializationFailure
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

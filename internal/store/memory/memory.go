package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/stock"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

type Store struct {
	mu   sync.RWMutex
	data state
}

type state struct {
	products  map[string]domain.Product
	customers map[string]domain.Customer
	suppliers map[string]domain.Supplier
	orders    map[string]domain.Order
	vouchers  map[string]domain.InventoryVoucher
	auditLogs []domain.AuditLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{data: state{
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		suppliers: make(map[string]domain.Supplier),
		orders:    make(map[string]domain.Order),
		vouchers:  make(map[string]domain.InventoryVoucher),
		auditLogs: make([]domain.AuditLog, 0, 128),
		users:     make(map[string]domain.UserAccount),
	}}
}

// NewSeeded returns a store with a small demo catalog for storeID and the
// dev user accounts.
func NewSeeded(storeID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	now := time.Now().UTC()
	inDays := func(days int) *time.Time {
		d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
		return &d
	}

	products := []domain.Product{
		{ID: "prd-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Unit: "pcs", ListPrice: decimal.NewFromInt(3500), CostPrice: decimal.NewFromInt(2700), TaxRate: decimal.NewFromInt(10)},
		{ID: "prd-susu", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Unit: "box", ListPrice: decimal.NewFromInt(18900), CostPrice: decimal.NewFromInt(15000), TaxRate: decimal.NewFromInt(10)},
		{ID: "prd-roti", SKU: "SKU-ROTI-01", Name: "Roti Tawar", Unit: "pack", ListPrice: decimal.NewFromInt(17800), CostPrice: decimal.NewFromInt(12400), TaxRate: decimal.NewFromInt(10)},
		{ID: "prd-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", Unit: "pack", ListPrice: decimal.NewFromInt(17400), CostPrice: decimal.Zero, TaxRate: domain.NotTaxable},
		{ID: "prd-sabun", SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Unit: "pcs", ListPrice: decimal.NewFromInt(7400), CostPrice: decimal.NewFromInt(5000), TaxRate: decimal.NewFromInt(10)},
	}
	batches := map[string][]domain.Batch{
		"prd-mie": {
			{BatchNo: "MIE-A", ExpiryDate: inDays(60), Quantity: 80},
			{BatchNo: "MIE-B", ExpiryDate: inDays(180), Quantity: 40},
		},
		"prd-susu": {
			{BatchNo: "SUSU-OLD", ExpiryDate: inDays(-2), Quantity: 6},
			{BatchNo: "SUSU-A", ExpiryDate: inDays(14), Quantity: 24},
		},
		"prd-roti": {
			{BatchNo: "ROTI-A", ExpiryDate: inDays(3), Quantity: 20},
		},
	}
	for _, p := range products {
		p.StoreID = storeID
		p.WarehouseID = "main-warehouse"
		p.Active = true
		for _, b := range batches[p.ID] {
			b.ID = xid.New("bat")
			b.ProductID = p.ID
			b.CostPrice = p.CostPrice
			b.WarehouseID = p.WarehouseID
			b.ReceivedAt = now
			p.Batches = append(p.Batches, b)
			p.FlatStock += b.Quantity
		}
		if len(p.Batches) == 0 {
			p.FlatStock = 100
		}
		s.data.products[p.ID] = p
	}

	s.data.suppliers["sup-sumber"] = domain.Supplier{
		ID: "sup-sumber", Name: "PT Sumber Pangan", Phone: "0215550101", Email: "order@sumberpangan.test",
		Address: "Jl. Industri 4, Bekasi", TaxCode: "01.234.567.8-901.000", ContactPerson: "Rina", CreatedAt: now, UpdatedAt: now,
	}
	s.data.customers["cus-andi"] = domain.Customer{
		ID: "cus-andi", StoreID: storeID, Name: "Andi Wijaya", Phone: "081234567890", LoyaltyPoints: 120, CreatedAt: now, UpdatedAt: now,
	}
	s.data.users = seedUsers(storeID, logger)
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev fallbacks.
func seedUsers(storeID string, logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username   string
		password   string
		role       string
		employeeID string
	}{
		{"admin", adminPwd, "admin", ""},
		{"cashier", cashierPwd, "cashier", "emp-cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:   u.username,
			Password:   string(hash),
			Role:       u.role,
			StoreID:    storeID,
			EmployeeID: u.employeeID,
			Active:     true,
			CreatedAt:  now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct stores p as-is. Used by seeding code and tests.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[p.ID] = cloneProduct(p)
}

func (s *Store) PutSupplier(sup domain.Supplier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.suppliers[sup.ID] = sup
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.customers[c.ID] = c
}

func (s *Store) ListProducts(_ context.Context, storeID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.data.products))
	for _, p := range s.data.products {
		if !p.Active || p.StoreID != storeID {
			continue
		}
		result = append(result, cloneProduct(p))
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetProducts(_ context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := s.data.products[id]
		if !ok || p.StoreID != storeID {
			continue
		}
		result[id] = cloneProduct(p)
	}
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, storeID string, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.products[id]
	if !ok || p.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	clone := cloneProduct(p)
	return &clone, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, storeID string, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.data.customers {
		if c.StoreID == storeID && c.Phone == phone {
			found := c
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, c := range s.data.customers {
		if c.StoreID == customer.StoreID && c.Phone == customer.Phone {
			if customer.Name != "" {
				c.Name = customer.Name
			}
			c.UpdatedAt = now
			s.data.customers[id] = c
			return &c, nil
		}
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	customer.CreatedAt = now
	customer.UpdatedAt = now
	s.data.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sup, ok := s.data.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sup, nil
}

func (s *Store) UpdateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.suppliers[supplier.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	supplier.CreatedAt = existing.CreatedAt
	supplier.UpdatedAt = time.Now().UTC()
	s.data.suppliers[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.orders[order.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.data.orders[order.ID] = cloneOrder(order)
	return &order, nil
}

func (s *Store) UpdatePendingOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.orders[order.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Paid() {
		return nil, domain.ErrStaleOrderState
	}
	order.CreatedAt = existing.CreatedAt
	order.PrintCount = existing.PrintCount
	s.data.orders[order.ID] = cloneOrder(order)
	return &order, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.data.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneOrder(order)
	return &clone, nil
}

func (s *Store) FindOrderByPaymentRef(_ context.Context, reference string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.data.orders {
		if reference != "" && order.PaymentRef == reference {
			clone := cloneOrder(order)
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) IncrementPrintCount(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.data.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	order.PrintCount++
	order.UpdatedAt = time.Now().UTC()
	s.data.orders[id] = order
	clone := cloneOrder(order)
	return &clone, nil
}

func (s *Store) ClearOrderQR(_ context.Context, id string, reference string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.data.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Paid() || order.PaymentRef != reference {
		return nil, store.ErrQRSuperseded
	}
	order.QRPayload = ""
	order.QRImage = ""
	order.QRExpiresAt = nil
	order.UpdatedAt = time.Now().UTC()
	s.data.orders[id] = order
	clone := cloneOrder(order)
	return &clone, nil
}

func (s *Store) CreateVoucher(_ context.Context, voucher domain.InventoryVoucher) (*domain.InventoryVoucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if voucher.ID == "" {
		voucher.ID = xid.New("vch")
	}
	for _, existing := range s.data.vouchers {
		if existing.Code == voucher.Code {
			return nil, store.ErrDuplicate
		}
	}
	s.data.vouchers[voucher.ID] = cloneVoucher(voucher)
	return &voucher, nil
}

func (s *Store) GetVoucher(_ context.Context, id string) (*domain.InventoryVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.vouchers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneVoucher(v)
	return &clone, nil
}

func (s *Store) ListVouchers(_ context.Context, storeID string, limit int) ([]domain.InventoryVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryVoucher, 0, len(s.data.vouchers))
	for _, v := range s.data.vouchers {
		if v.StoreID == storeID {
			result = append(result, cloneVoucher(v))
		}
	}
	slices.SortFunc(result, func(a, b domain.InventoryVoucher) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) WithStockTx(_ context.Context, fn func(tx store.StockTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.data.stage()
	if err := fn(&stockTx{st: &staged}); err != nil {
		return err
	}
	s.data = staged
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.data.auditLogs = append(s.data.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.data.auditLogs) - 1; i >= 0; i-- {
		entry := s.data.auditLogs[i]
		if entry.StoreID != storeID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if _, exists := s.data.users[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	s.data.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.data.users))
	for _, u := range s.data.users {
		result = append(result, u)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.data.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.data.users[username] = user
	return nil
}

// stage copies every map a stock transaction may write so a failed
// transaction leaves the live state untouched.
func (st state) stage() state {
	staged := st
	staged.products = make(map[string]domain.Product, len(st.products))
	for id, p := range st.products {
		staged.products[id] = cloneProduct(p)
	}
	staged.orders = maps.Clone(st.orders)
	staged.customers = maps.Clone(st.customers)
	staged.vouchers = maps.Clone(st.vouchers)
	return staged
}

type stockTx struct {
	st *state
}

func (tx *stockTx) LockProduct(_ context.Context, storeID string, productID string) (domain.Product, error) {
	p, ok := tx.st.products[productID]
	if !ok || p.StoreID != storeID {
		return domain.Product{}, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	return cloneProduct(p), nil
}

func (tx *stockTx) CreditBatch(_ context.Context, credit store.BatchCredit) (domain.Batch, error) {
	p, ok := tx.st.products[credit.ProductID]
	if !ok {
		return domain.Batch{}, fmt.Errorf("product %s: %w", credit.ProductID, store.ErrNotFound)
	}
	if credit.Quantity < 1 {
		return domain.Batch{}, domain.NewValidationError("quantity", "must be at least 1")
	}

	p.FlatStock += credit.Quantity
	for i, b := range p.Batches {
		if b.BatchNo != credit.BatchNo {
			continue
		}
		b.Quantity += credit.Quantity
		p.Batches[i] = b
		tx.st.products[p.ID] = p
		return b, nil
	}

	batch := domain.Batch{
		ID:           xid.New("bat"),
		ProductID:    credit.ProductID,
		BatchNo:      credit.BatchNo,
		ExpiryDate:   credit.ExpiryDate,
		Quantity:     credit.Quantity,
		CostPrice:    credit.CostPrice,
		SellingPrice: credit.SellingPrice,
		WarehouseID:  credit.WarehouseID,
		ReceivedAt:   credit.ReceivedAt,
	}
	p.Batches = append(p.Batches, batch)
	tx.st.products[p.ID] = p
	return batch, nil
}

func (tx *stockTx) DebitBatch(_ context.Context, productID string, batchID string, qty int) error {
	p, ok := tx.st.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	for i, b := range p.Batches {
		if b.ID != batchID {
			continue
		}
		if b.Quantity < qty {
			return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: b.Quantity}
		}
		b.Quantity -= qty
		p.Batches[i] = b
		p.FlatStock = max(p.FlatStock-qty, 0)
		tx.st.products[productID] = p
		return nil
	}
	return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
}

func (tx *stockTx) DebitFlatStock(_ context.Context, productID string, qty int) error {
	p, ok := tx.st.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	if p.FlatStock < qty {
		return &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.FlatStock}
	}
	p.FlatStock -= qty
	tx.st.products[productID] = p
	return nil
}

func (tx *stockTx) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	order, ok := tx.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneOrder(order)
	return &clone, nil
}

func (tx *stockTx) MarkOrderPaid(_ context.Context, id string, earnedPoints int, paidAt time.Time) error {
	order, ok := tx.st.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	if order.Paid() {
		return domain.ErrStaleOrderState
	}
	order.Status = domain.OrderStatusPaid
	order.EarnedPoints = earnedPoints
	order.PaidAt = &paidAt
	order.QRImage = ""
	order.UpdatedAt = paidAt
	tx.st.orders[id] = order
	return nil
}

func (tx *stockTx) AdjustLoyalty(_ context.Context, customerID string, delta int) error {
	c, ok := tx.st.customers[customerID]
	if !ok {
		return fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
	}
	if c.LoyaltyPoints+delta < 0 {
		return domain.NewValidationError("loyalty_points", "exceeds customer balance")
	}
	c.LoyaltyPoints += delta
	c.UpdatedAt = time.Now().UTC()
	tx.st.customers[customerID] = c
	return nil
}

func (tx *stockTx) GetVoucher(_ context.Context, id string) (*domain.InventoryVoucher, error) {
	v, ok := tx.st.vouchers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneVoucher(v)
	return &clone, nil
}

func (tx *stockTx) MarkVoucherPosted(_ context.Context, id string, postedAt time.Time) error {
	v, ok := tx.st.vouchers[id]
	if !ok {
		return store.ErrNotFound
	}
	if v.Status == domain.VoucherStatusPosted {
		return domain.ErrVoucherAlreadyPosted
	}
	v.Status = domain.VoucherStatusPosted
	v.PostedAt = &postedAt
	tx.st.vouchers[id] = v
	return nil
}

var _ store.Repository = (*Store)(nil)

// SellableStock is a test helper exposing the engine's view of a product.
func (s *Store) SellableStock(productID string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stock.AvailableStock(s.data.products[productID], now)
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Batches = slices.Clone(src.Batches)
	return dst
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}

func cloneVoucher(src domain.InventoryVoucher) domain.InventoryVoucher {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	if src.Supplier != nil {
		snap := *src.Supplier
		dst.Supplier = &snap
	}
	return dst
}

// Package memory implements the store.Repository contract on in-process
// maps. It backs DB-less development and the service tests; behavior is
// kept line to line with the postgres store, including the error taxonomy
// and the atomicity of RecordSale.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type Store struct {
	mu sync.Mutex

	products   map[int64]domain.Product
	categories map[int64]domain.Category
	users      map[int64]domain.User
	sales      map[int64]domain.Sale

	nextProductID  int64
	nextCategoryID int64
	nextUserID     int64
	nextSaleID     int64
}

func New() *Store {
	return &Store{
		products:   make(map[int64]domain.Product),
		categories: make(map[int64]domain.Category),
		users:      make(map[int64]domain.User),
		sales:      make(map[int64]domain.Sale),
	}
}

// NewSeeded returns a store pre-loaded with a small catalog and an
// admin/admin123 account so the server is usable without a database.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	if _, err := s.CreateUser(ctx, domain.User{Username: "admin", Password: string(hash), Role: domain.RoleAdmin}); err != nil {
		panic(err)
	}

	drinks, err := s.CreateCategory(ctx, "Drinks")
	if err != nil {
		panic(err)
	}
	snacks, err := s.CreateCategory(ctx, "Snacks")
	if err != nil {
		panic(err)
	}

	seed := []domain.Product{
		{Name: "Mineral Water 600ml", PriceCents: 150, StockQuantity: 120, Barcode: strptr("8991001100016"), CategoryID: &drinks.ID},
		{Name: "Iced Tea Bottle", PriceCents: 250, StockQuantity: 80, Barcode: strptr("8991001100023"), CategoryID: &drinks.ID},
		{Name: "Potato Chips 68g", PriceCents: 320, StockQuantity: 45, Barcode: strptr("8991001100030"), CategoryID: &snacks.ID},
		{Name: "Chocolate Bar", PriceCents: 180, StockQuantity: 60, CategoryID: &snacks.ID},
	}
	for _, p := range seed {
		if _, err := s.CreateProduct(ctx, p); err != nil {
			panic(err)
		}
	}
	return s
}

func strptr(s string) *string { return &s }

func (s *Store) Close() error { return nil }

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 || product.StockQuantity < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Barcode != nil {
		for _, p := range s.products {
			if p.Barcode != nil && *p.Barcode == *product.Barcode {
				return nil, store.ErrConflict
			}
		}
	}
	if product.CategoryID != nil {
		if _, ok := s.categories[*product.CategoryID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	s.nextProductID++
	product.ID = s.nextProductID
	product.CreatedAt = time.Now().UTC()
	s.products[product.ID] = product

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return nil, &store.ProductMissingError{ProductID: id}
	}
	return &product, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.Barcode != nil && *p.Barcode == barcode {
			product := p
			return &product, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, &store.ProductMissingError{ProductID: product.ID}
	}
	if product.Barcode != nil {
		for id, p := range s.products {
			if id != product.ID && p.Barcode != nil && *p.Barcode == *product.Barcode {
				return nil, store.ErrConflict
			}
		}
	}

	existing.Name = product.Name
	existing.PriceCents = product.PriceCents
	existing.Barcode = product.Barcode
	existing.CategoryID = product.CategoryID
	s.products[product.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return &store.ProductMissingError{ProductID: id}
	}
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if line.ProductID == id {
				return store.ErrConflict
			}
		}
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, name string) (*domain.Category, error) {
	if name == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.categories {
		if strings.EqualFold(c.Name, name) {
			return nil, store.ErrConflict
		}
	}

	s.nextCategoryID++
	category := domain.Category{ID: s.nextCategoryID, Name: name}
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID int64, quantity int) (int, error) {
	if quantity < 1 {
		return 0, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, &store.ProductMissingError{ProductID: productID}
	}
	product.StockQuantity += quantity
	s.products[productID] = product
	return product.StockQuantity, nil
}

func (s *Store) DecrementStock(ctx context.Context, productID int64, quantity int) (int, error) {
	if quantity < 1 {
		return 0, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementLocked(productID, quantity)
}

func (s *Store) decrementLocked(productID int64, quantity int) (int, error) {
	product, ok := s.products[productID]
	if !ok {
		return 0, &store.ProductMissingError{ProductID: productID}
	}
	if product.StockQuantity < quantity {
		return 0, &store.InsufficientStockError{ProductID: productID, Requested: quantity, Available: product.StockQuantity}
	}
	product.StockQuantity -= quantity
	s.products[productID] = product
	return product.StockQuantity, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].StockQuantity != products[j].StockQuantity {
			return products[i].StockQuantity < products[j].StockQuantity
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	products, err := s.ListInventory(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.StockQuantity <= threshold {
			low = append(low, p)
		}
	}
	return low, nil
}

func (s *Store) RecordSale(ctx context.Context, cashierID int64, paymentMethod string, lines []domain.SaleLineInput) (*domain.Sale, error) {
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}
	for _, line := range lines {
		if line.Quantity < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrValidation
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cashier, ok := s.users[cashierID]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Snapshot every touched count before decrementing. The decrements run
	// per line like the postgres store's conditional updates (so a product
	// repeated across lines is checked against its already-reduced count),
	// and a failure on any line restores the snapshot so a failed sale
	// leaves no partial decrements behind.
	original := make(map[int64]int, len(lines))
	for _, line := range lines {
		if product, ok := s.products[line.ProductID]; ok {
			if _, seen := original[line.ProductID]; !seen {
				original[line.ProductID] = product.StockQuantity
			}
		}
	}

	saleLines := make([]domain.SaleLine, 0, len(lines))
	var total int64
	for _, line := range lines {
		if _, err := s.decrementLocked(line.ProductID, line.Quantity); err != nil {
			for id, qty := range original {
				product := s.products[id]
				product.StockQuantity = qty
				s.products[id] = product
			}
			return nil, err
		}
		total += int64(line.Quantity) * line.UnitPriceCents
		saleLines = append(saleLines, domain.SaleLine{
			ProductID:      line.ProductID,
			ProductName:    s.products[line.ProductID].Name,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	s.nextSaleID++
	sale := domain.Sale{
		ID:            s.nextSaleID,
		CashierID:     cashierID,
		CashierName:   cashier.Username,
		TotalCents:    total,
		PaymentMethod: paymentMethod,
		CreatedAt:     time.Now().UTC(),
		Lines:         saleLines,
	}
	s.sales[sale.ID] = sale

	recorded := cloneSale(sale)
	return &recorded, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneSale(sale)
	return &found, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.CashierID != 0 && sale.CashierID != filter.CashierID {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].CreatedAt.After(sales[j].CreatedAt)
		}
		return sales[i].ID > sales[j].ID
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(out.Lines, sale.Lines)
	return out
}

func (s *Store) DashboardStats(ctx context.Context, lowStockThreshold int) (domain.DashboardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.DashboardStats{
		TotalSales:    int64(len(s.sales)),
		TotalProducts: int64(len(s.products)),
	}
	for _, p := range s.products {
		if p.StockQuantity <= lowStockThreshold {
			stats.LowStockCount++
		}
	}
	for _, sale := range s.sales {
		stats.TotalRevenueCents += sale.TotalCents
	}
	return stats, nil
}

func (s *Store) RangeStats(ctx context.Context, since time.Time) (domain.RangeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.RangeStats
	cashiers := make(map[int64]struct{})
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(since) {
			continue
		}
		stats.SaleCount++
		stats.TotalCents += sale.TotalCents
		cashiers[sale.CashierID] = struct{}{}
	}
	stats.UniqueCashiers = int64(len(cashiers))
	return stats, nil
}

func (s *Store) SalesTrend(ctx context.Context, since time.Time) ([]domain.TrendPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDay := make(map[string]int64)
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(since) {
			continue
		}
		byDay[sale.CreatedAt.Format("2006-01-02")] += sale.TotalCents
	}

	points := make([]domain.TrendPoint, 0, len(byDay))
	for date, total := range byDay {
		points = append(points, domain.TrendPoint{Date: date, TotalCents: total})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}

func (s *Store) TopProducts(ctx context.Context, since time.Time, limit int) ([]domain.TopProduct, error) {
	if limit < 1 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byProduct := make(map[int64]*domain.TopProduct)
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(since) {
			continue
		}
		for _, line := range sale.Lines {
			top, ok := byProduct[line.ProductID]
			if !ok {
				top = &domain.TopProduct{ProductID: line.ProductID, Name: line.ProductName}
				byProduct[line.ProductID] = top
			}
			top.QuantitySold += int64(line.Quantity)
			top.RevenueCents += int64(line.Quantity) * line.UnitPriceCents
		}
	}

	top := make([]domain.TopProduct, 0, len(byProduct))
	for _, t := range byProduct {
		top = append(top, *t)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].QuantitySold != top[j].QuantitySold {
			return top[i].QuantitySold > top[j].QuantitySold
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == user.Username {
			return nil, store.ErrConflict
		}
	}

	s.nextUserID++
	user.ID = s.nextUserID
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = user

	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			user := u
			return &user, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

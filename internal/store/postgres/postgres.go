package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
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

	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `
		SELECT id, name, price_cents, stock_quantity, barcode, category_id, created_at
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 || product.StockQuantity < 0 {
		return nil, store.ErrValidation
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO products (name, price_cents, stock_quantity, barcode, category_id)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`, product.Name, product.PriceCents, product.StockQuantity, product.Barcode, product.CategoryID).
		Scan(&product.ID, &product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode already in use: %w", store.ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("category %d: %w", derefInt64(product.CategoryID), store.ErrNotFound)
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT id, name, price_cents, stock_quantity, barcode, category_id, created_at
		FROM products
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.ProductMissingError{ProductID: id}
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT id, name, price_cents, stock_quantity, barcode, category_id, created_at
		FROM products
		WHERE barcode = $1
	`, barcode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, price_cents = $3, barcode = $4, category_id = $5
		WHERE id = $1
	`, product.ID, product.Name, product.PriceCents, product.Barcode, product.CategoryID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode already in use: %w", store.ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("category %d: %w", derefInt64(product.CategoryID), store.ErrNotFound)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &store.ProductMissingError{ProductID: product.ID}
	}

	return s.GetProduct(ctx, product.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("product %d is referenced by recorded sales: %w", id, store.ErrConflict)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.ProductMissingError{ProductID: id}
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories := make([]domain.Category, 0, 32)
	err := s.db.SelectContext(ctx, &categories, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, name string) (*domain.Category, error) {
	if name == "" {
		return nil, store.ErrValidation
	}
	category := domain.Category{Name: name}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO categories (name) VALUES ($1) RETURNING id
	`, name).Scan(&category.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("category already exists: %w", store.ErrConflict)
		}
		return nil, err
	}
	return &category, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID int64, quantity int) (int, error) {
	if quantity < 1 {
		return 0, store.ErrValidation
	}
	var remaining int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1
		WHERE id = $2
		RETURNING stock_quantity
	`, quantity, productID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &store.ProductMissingError{ProductID: productID}
		}
		return 0, err
	}
	return remaining, nil
}

func (s *Store) DecrementStock(ctx context.Context, productID int64, quantity int) (int, error) {
	if quantity < 1 {
		return 0, store.ErrValidation
	}
	return decrementStock(ctx, s.db, productID, quantity)
}

// decrementStock is the ledger's conditional update: the stock check and the
// write are one statement, so two racing decrements serialize on the row and
// the loser observes the already-reduced count. Callers inside a transaction
// pass the transaction as q and the decrement rolls back with it.
func decrementStock(ctx context.Context, q sqlx.ExtContext, productID int64, quantity int) (int, error) {
	var remaining int
	err := sqlx.GetContext(ctx, q, &remaining, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1
		WHERE id = $2 AND stock_quantity >= $1
		RETURNING stock_quantity
	`, quantity, productID)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// No row matched: distinguish a missing product from short stock.
	var current int
	err = sqlx.GetContext(ctx, q, &current, `SELECT stock_quantity FROM products WHERE id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &store.ProductMissingError{ProductID: productID}
	}
	if err != nil {
		return 0, err
	}
	return 0, &store.InsufficientStockError{ProductID: productID, Requested: quantity, Available: current}
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `
		SELECT id, name, price_cents, stock_quantity, barcode, category_id, created_at
		FROM products
		ORDER BY stock_quantity ASC, name
	`)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 32)
	err := s.db.SelectContext(ctx, &products, `
		SELECT id, name, price_cents, stock_quantity, barcode, category_id, created_at
		FROM products
		WHERE stock_quantity <= $1
		ORDER BY stock_quantity ASC, name
	`, threshold)
	if err != nil {
		return nil, err
	}
	return products, nil
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

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale := domain.Sale{
		CashierID:     cashierID,
		PaymentMethod: paymentMethod,
	}
	err = tx.GetContext(ctx, &sale.CashierName, `SELECT username FROM users WHERE id = $1`, cashierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cashier %d: %w", cashierID, store.ErrNotFound)
		}
		return nil, err
	}

	// The total is always derived here from the submitted lines; a
	// client-supplied total is never trusted.
	for _, line := range lines {
		sale.TotalCents += int64(line.Quantity) * line.UnitPriceCents
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO sales (cashier_id, total_cents, payment_method)
		VALUES ($1,$2,$3)
		RETURNING id, created_at
	`, sale.CashierID, sale.TotalCents, sale.PaymentMethod).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	productIDs := make([]int64, 0, len(lines))
	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4)
		`, sale.ID, line.ProductID, line.Quantity, line.UnitPriceCents)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, &store.ProductMissingError{ProductID: line.ProductID}
			}
			return nil, err
		}

		if _, err := decrementStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		productIDs = append(productIDs, line.ProductID)
	}

	names, err := productNames(ctx, tx, productIDs)
	if err != nil {
		return nil, err
	}
	sale.Lines = make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ProductID:      line.ProductID,
			ProductName:    names[line.ProductID],
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func productNames(ctx context.Context, q sqlx.ExtContext, ids []int64) (map[int64]string, error) {
	type row struct {
		ID   int64  `db:"id"`
		Name string `db:"name"`
	}
	rows := make([]row, 0, len(ids))
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT id, name FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(rows))
	for _, r := range rows {
		names[r.ID] = r.Name
	}
	return names, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.GetContext(ctx, &sale, `
		SELECT s.id, s.cashier_id, u.username AS cashier_name, s.total_cents, s.payment_method, s.created_at
		FROM sales s
		JOIN users u ON u.id = s.cashier_id
		WHERE s.id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines := make([]domain.SaleLine, 0, 8)
	err = s.db.SelectContext(ctx, &lines, `
		SELECT si.product_id, p.name AS product_name, si.quantity, si.unit_price_cents
		FROM sale_items si
		JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
		ORDER BY si.id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

type saleItemRow struct {
	SaleID int64 `db:"sale_id"`
	domain.SaleLine
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	sales := make([]domain.Sale, 0, limit)
	err := s.db.SelectContext(ctx, &sales, `
		SELECT s.id, s.cashier_id, u.username AS cashier_name, s.total_cents, s.payment_method, s.created_at
		FROM sales s
		JOIN users u ON u.id = s.cashier_id
		WHERE ($1 = 0 OR s.cashier_id = $1)
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT $2
	`, filter.CashierID, limit)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	saleIDs := make([]int64, 0, len(sales))
	for i := range sales {
		sales[i].CreatedAt = sales[i].CreatedAt.UTC()
		saleIDs = append(saleIDs, sales[i].ID)
	}

	rows := make([]saleItemRow, 0, len(sales)*4)
	err = s.db.SelectContext(ctx, &rows, `
		SELECT si.sale_id, si.product_id, p.name AS product_name, si.quantity, si.unit_price_cents
		FROM sale_items si
		JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = ANY($1)
		ORDER BY si.sale_id, si.id ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}

	linesBySale := make(map[int64][]domain.SaleLine, len(sales))
	for _, row := range rows {
		linesBySale[row.SaleID] = append(linesBySale[row.SaleID], row.SaleLine)
	}
	for i := range sales {
		lines := linesBySale[sales[i].ID]
		if lines == nil {
			lines = []domain.SaleLine{}
		}
		sales[i].Lines = lines
	}

	return sales, nil
}

func (s *Store) DashboardStats(ctx context.Context, lowStockThreshold int) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sales)::bigint,
			(SELECT COUNT(*) FROM products)::bigint,
			(SELECT COUNT(*) FROM products WHERE stock_quantity <= $1)::bigint,
			(SELECT COALESCE(SUM(total_cents), 0) FROM sales)::bigint
	`, lowStockThreshold).Scan(&stats.TotalSales, &stats.TotalProducts, &stats.LowStockCount, &stats.TotalRevenueCents)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	return stats, nil
}

func (s *Store) RangeStats(ctx context.Context, since time.Time) (domain.RangeStats, error) {
	var stats domain.RangeStats
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(total_cents), 0)::bigint,
			COUNT(DISTINCT cashier_id)::bigint
		FROM sales
		WHERE created_at >= $1
	`, since).Scan(&stats.SaleCount, &stats.TotalCents, &stats.UniqueCashiers)
	if err != nil {
		return domain.RangeStats{}, err
	}
	return stats, nil
}

func (s *Store) SalesTrend(ctx context.Context, since time.Time) ([]domain.TrendPoint, error) {
	points := make([]domain.TrendPoint, 0, 31)
	err := s.db.SelectContext(ctx, &points, `
		SELECT
			TO_CHAR(DATE_TRUNC('day', created_at), 'YYYY-MM-DD') AS date,
			COALESCE(SUM(total_cents), 0)::bigint AS total_cents
		FROM sales
		WHERE created_at >= $1
		GROUP BY 1
		ORDER BY 1
	`, since)
	if err != nil {
		return nil, err
	}
	return points, nil
}

func (s *Store) TopProducts(ctx context.Context, since time.Time, limit int) ([]domain.TopProduct, error) {
	if limit < 1 {
		limit = 10
	}
	top := make([]domain.TopProduct, 0, limit)
	err := s.db.SelectContext(ctx, &top, `
		SELECT
			si.product_id,
			p.name,
			SUM(si.quantity)::bigint AS quantity_sold,
			SUM(si.quantity * si.unit_price_cents)::bigint AS revenue_cents
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		JOIN products p ON p.id = si.product_id
		WHERE s.created_at >= $1
		GROUP BY si.product_id, p.name
		ORDER BY quantity_sold DESC, p.name
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	return top, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return nil, store.ErrValidation
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO users (username, password, role)
		VALUES ($1,$2,$3)
		RETURNING id, created_at
	`, user.Username, user.Password, user.Role).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username already exists: %w", store.ErrConflict)
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()

	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.GetContext(ctx, &user, `
		SELECT id, username, password, role, created_at
		FROM users
		WHERE username = $1
	`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	users := make([]domain.User, 0, 16)
	err := s.db.SelectContext(ctx, &users, `
		SELECT id, username, password, role, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

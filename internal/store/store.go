package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retailpos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError reports a rejected stock decrement. It carries the
// current stock level so the register can tell the customer what is left.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ProductMissingError identifies which product reference could not be
// resolved during a multi-line write.
type ProductMissingError struct {
	ProductID int64
}

func (e *ProductMissingError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

func (e *ProductMissingError) Unwrap() error { return ErrNotFound }

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, name string) (*domain.Category, error)

	// IncrementStock and DecrementStock are the only sanctioned mutation
	// paths for stock counts. Each is a single atomic conditional update;
	// DecrementStock never takes a count below zero and returns
	// *InsufficientStockError when it would. Both return the updated level.
	IncrementStock(ctx context.Context, productID int64, quantity int) (int, error)
	DecrementStock(ctx context.Context, productID int64, quantity int) (int, error)

	ListInventory(ctx context.Context) ([]domain.Product, error)
	ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error)

	// RecordSale persists the sale header, its line items, and the stock
	// decrements for every line in one transaction. Either all of it
	// commits or none of it does.
	RecordSale(ctx context.Context, cashierID int64, paymentMethod string, lines []domain.SaleLineInput) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	DashboardStats(ctx context.Context, lowStockThreshold int) (domain.DashboardStats, error)
	RangeStats(ctx context.Context, since time.Time) (domain.RangeStats, error)
	SalesTrend(ctx context.Context, since time.Time) ([]domain.TrendPoint, error)
	TopProducts(ctx context.Context, since time.Time, limit int) ([]domain.TopProduct, error)

	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}

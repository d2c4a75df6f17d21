package domain

import "time"

type Product struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	PriceCents    int64     `db:"price_cents" json:"price_cents"`
	StockQuantity int       `db:"stock_quantity" json:"stock_quantity"`
	Barcode       *string   `db:"barcode" json:"barcode,omitempty"`
	CategoryID    *int64    `db:"category_id" json:"category_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type ProductCreateRequest struct {
	Name          string  `json:"name"`
	PriceCents    int64   `json:"price_cents"`
	StockQuantity int     `json:"stock_quantity"`
	Barcode       *string `json:"barcode,omitempty"`
	CategoryID    *int64  `json:"category_id,omitempty"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Barcode    *string `json:"barcode,omitempty"`
	CategoryID *int64  `json:"category_id,omitempty"`
}

type Category struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

type CategoryCreateRequest struct {
	Name string `json:"name"`
}

type StockAdjustRequest struct {
	Quantity int    `json:"quantity"`
	Type     string `json:"type"`
}

type StockAdjustResponse struct {
	ProductID     int64 `json:"product_id"`
	StockQuantity int   `json:"stock_quantity"`
}

// SaleLineInput is one requested line of a checkout. UnitPriceCents is the
// price shown to the customer at the register; it is captured on the line
// item so historical receipts survive later catalog price changes.
type SaleLineInput struct {
	ProductID      int64 `json:"product_id"`
	Quantity       int   `json:"quantity"`
	UnitPriceCents int64 `json:"unit_price_cents"`
}

type SaleCreateRequest struct {
	PaymentMethod string          `json:"payment_method"`
	Lines         []SaleLineInput `json:"lines"`
}

type SaleLine struct {
	ProductID      int64  `db:"product_id" json:"product_id"`
	ProductName    string `db:"product_name" json:"product_name"`
	Quantity       int    `db:"quantity" json:"quantity"`
	UnitPriceCents int64  `db:"unit_price_cents" json:"unit_price_cents"`
}

type Sale struct {
	ID            int64      `db:"id" json:"id"`
	CashierID     int64      `db:"cashier_id" json:"cashier_id"`
	CashierName   string     `db:"cashier_name" json:"cashier_name"`
	TotalCents    int64      `db:"total_cents" json:"total_cents"`
	PaymentMethod string     `db:"payment_method" json:"payment_method"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	Lines         []SaleLine `json:"lines"`
}

// SaleFilter narrows ListSales. CashierID zero means all cashiers.
type SaleFilter struct {
	CashierID int64
	Limit     int
}

type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Password  string    `db:"password" json:"-"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
	ExpiresAt   string `json:"expires_at"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type Actor struct {
	ID       int64
	Username string
	Role     string
}

type DashboardStats struct {
	TotalSales        int64 `json:"total_sales"`
	TotalProducts     int64 `json:"total_products"`
	LowStockCount     int64 `json:"low_stock_count"`
	TotalRevenueCents int64 `json:"total_revenue_cents"`
}

type RangeStats struct {
	SaleCount      int64 `json:"sale_count"`
	TotalCents     int64 `json:"total_cents"`
	UniqueCashiers int64 `json:"unique_cashiers"`
}

type TrendPoint struct {
	Date       string `db:"date" json:"date"`
	TotalCents int64  `db:"total_cents" json:"total_cents"`
}

type TopProduct struct {
	ProductID    int64  `db:"product_id" json:"product_id"`
	Name         string `db:"name" json:"name"`
	QuantitySold int64  `db:"quantity_sold" json:"quantity_sold"`
	RevenueCents int64  `db:"revenue_cents" json:"revenue_cents"`
}

const (
	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	PaymentMethodOther = "other"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	StockAdjustIncrease = "increase"
	StockAdjustDecrease = "decrease"
)

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("RETAILPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILPOS_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedCashier(t *testing.T, s *Store) int64 {
	t.Helper()

	ctx := context.Background()
	username := fmt.Sprintf("it-cashier-%d", time.Now().UnixNano())
	user, err := s.CreateUser(ctx, domain.User{Username: username, Password: "hash", Role: domain.RoleCashier})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, user.ID)
	})
	return user.ID
}

func seedProduct(t *testing.T, s *Store, name string, stock int) *domain.Product {
	t.Helper()

	ctx := context.Background()
	product, err := s.CreateProduct(ctx, domain.Product{
		Name:          fmt.Sprintf("%s-%d", name, time.Now().UnixNano()),
		PriceCents:    500,
		StockQuantity: stock,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return product
}

func TestRecordSaleRollsBackOnInsufficientStock(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	cashierID := seedCashier(t, s)
	first := seedProduct(t, s, "it-roll-a", 10)
	second := seedProduct(t, s, "it-roll-b", 1)

	_, err := s.RecordSale(ctx, cashierID, domain.PaymentMethodCash, []domain.SaleLineInput{
		{ProductID: first.ID, Quantity: 4, UnitPriceCents: 500},
		{ProductID: second.ID, Quantity: 2, UnitPriceCents: 500},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if insufficient.ProductID != second.ID || insufficient.Available != 1 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}

	// The first line's decrement must have rolled back with the sale.
	reread, err := s.GetProduct(ctx, first.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if reread.StockQuantity != 10 {
		t.Fatalf("expected stock 10 after rollback, got %d", reread.StockQuantity)
	}
}

func TestRecordSaleDuplicateLinesRollBack(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	cashierID := seedCashier(t, s)
	product := seedProduct(t, s, "it-dup", 3)

	// Each line alone fits the original stock of 3; the second must fail
	// against the already-reduced count and roll the first back with it.
	_, err := s.RecordSale(ctx, cashierID, domain.PaymentMethodCash, []domain.SaleLineInput{
		{ProductID: product.ID, Quantity: 2, UnitPriceCents: 500},
		{ProductID: product.ID, Quantity: 2, UnitPriceCents: 500},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if insufficient.Requested != 2 || insufficient.Available != 1 {
		t.Fatalf("expected requested 2 available 1, got %+v", insufficient)
	}

	reread, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if reread.StockQuantity != 3 {
		t.Fatalf("failed sale must leave stock at 3, got %d", reread.StockQuantity)
	}
}

func TestRecordSaleRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	cashierID := seedCashier(t, s)
	product := seedProduct(t, s, "it-round", 10)

	recorded, err := s.RecordSale(ctx, cashierID, domain.PaymentMethodCard, []domain.SaleLineInput{
		{ProductID: product.ID, Quantity: 3, UnitPriceCents: 500},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, recorded.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, recorded.ID)
	})
	if recorded.TotalCents != 1500 {
		t.Fatalf("expected total 1500, got %d", recorded.TotalCents)
	}

	fetched, err := s.GetSale(ctx, recorded.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if fetched.TotalCents != recorded.TotalCents || len(fetched.Lines) != 1 {
		t.Fatalf("round trip mismatch: %+v", fetched)
	}
	if fetched.Lines[0].ProductName != product.Name {
		t.Fatalf("expected product name %q, got %q", product.Name, fetched.Lines[0].ProductName)
	}
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	cashierID := seedCashier(t, s)
	product := seedProduct(t, s, "it-race", 5)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM sales WHERE id IN (SELECT sale_id FROM sale_items WHERE product_id = $1)
		`, product.ID)
	})

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordSale(ctx, cashierID, domain.PaymentMethodCash, []domain.SaleLineInput{
				{ProductID: product.ID, Quantity: 1, UnitPriceCents: 500},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Fatalf("expected exactly 5 sales, got %d", succeeded)
	}

	final, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if final.StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", final.StockQuantity)
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/store"
)

var (
	// ErrForbidden marks an operation the authenticated actor's role does
	// not permit.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated marks an operation invoked without an actor in
	// context.
	ErrUnauthenticated = errors.New("authentication required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const dashboardCacheKey = "dashboard:stats"

type Service struct {
	repo              store.Repository
	dashboardCache    cache.DashboardCache
	lowStockThreshold int
	dashboardTTL      time.Duration
}

func New(repo store.Repository, dashboardCache cache.DashboardCache, lowStockThreshold int, dashboardTTL time.Duration) *Service {
	if dashboardCache == nil {
		dashboardCache = cache.NoopDashboardCache{}
	}
	if lowStockThreshold < 1 {
		lowStockThreshold = 10
	}
	if dashboardTTL <= 0 {
		dashboardTTL = 30 * time.Second
	}

	return &Service{
		repo:              repo,
		dashboardCache:    dashboardCache,
		lowStockThreshold: lowStockThreshold,
		dashboardTTL:      dashboardTTL,
	}
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.PriceCents < 0 || req.StockQuantity < 0 {
		return nil, store.ErrValidation
	}
	if req.Barcode != nil {
		barcode := strings.TrimSpace(*req.Barcode)
		if barcode == "" {
			req.Barcode = nil
		} else {
			req.Barcode = &barcode
		}
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:          req.Name,
		PriceCents:    req.PriceCents,
		StockQuantity: req.StockQuantity,
		Barcode:       req.Barcode,
		CategoryID:    req.CategoryID,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	return created, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.ErrValidation
	}
	return s.repo.GetProductByBarcode(ctx, barcode)
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, store.ErrValidation
		}
		updated.Name = name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return nil, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Barcode != nil {
		barcode := strings.TrimSpace(*req.Barcode)
		if barcode == "" {
			updated.Barcode = nil
		} else {
			updated.Barcode = &barcode
		}
	}
	if req.CategoryID != nil {
		updated.CategoryID = req.CategoryID
	}

	return s.repo.UpdateProduct(ctx, updated)
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidateDashboard(ctx)
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (*domain.Category, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, store.ErrValidation
	}
	return s.repo.CreateCategory(ctx, name)
}

// AdjustStock is the standalone restock / correction path. Decreases go
// through the same conditional update as checkout, so a manual correction
// can never take stock negative either.
func (s *Service) AdjustStock(ctx context.Context, productID int64, req domain.StockAdjustRequest) (*domain.StockAdjustResponse, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, store.ErrValidation
	}

	var (
		remaining int
		err       error
	)
	switch req.Type {
	case domain.StockAdjustIncrease:
		remaining, err = s.repo.IncrementStock(ctx, productID, req.Quantity)
	case domain.StockAdjustDecrease:
		remaining, err = s.repo.DecrementStock(ctx, productID, req.Quantity)
	default:
		return nil, store.ErrValidation
	}
	if err != nil {
		return nil, err
	}

	s.invalidateDashboard(ctx)
	return &domain.StockAdjustResponse{ProductID: productID, StockQuantity: remaining}, nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListInventory(ctx)
}

func (s *Service) ListLowStock(ctx context.Context, threshold int) ([]domain.Product, error) {
	if threshold < 1 {
		threshold = s.lowStockThreshold
	}
	return s.repo.ListLowStock(ctx, threshold)
}

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodOther:
		return true
	}
	return false
}

// Checkout validates the request and records the sale under the
// authenticated cashier. All persistence is a single transaction in the
// repository; a failure on any line leaves stock and sales untouched.
func (s *Service) Checkout(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}

	if !validPaymentMethod(req.PaymentMethod) {
		return nil, store.ErrValidation
	}
	if len(req.Lines) == 0 {
		return nil, store.ErrValidation
	}
	for _, line := range req.Lines {
		if line.ProductID < 1 || line.Quantity < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrValidation
		}
	}

	sale, err := s.repo.RecordSale(ctx, actor.ID, req.PaymentMethod, req.Lines)
	if err != nil {
		return nil, err
	}

	s.invalidateDashboard(ctx)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin && sale.CashierID != actor.ID {
		return nil, ErrForbidden
	}
	return sale, nil
}

// ListSales scopes cashiers to their own history; admins see everyone's.
func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}

	filter := domain.SaleFilter{Limit: limit}
	if actor.Role != domain.RoleAdmin {
		filter.CashierID = actor.ID
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.DashboardStats{}, err
	}

	if cached, ok, err := s.dashboardCache.Get(ctx, dashboardCacheKey); err != nil {
		log.Warn().Err(err).Msg("dashboard cache read failed")
	} else if ok {
		return *cached, nil
	}

	stats, err := s.repo.DashboardStats(ctx, s.lowStockThreshold)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	if err := s.dashboardCache.Set(ctx, dashboardCacheKey, &stats, s.dashboardTTL); err != nil {
		log.Warn().Err(err).Msg("dashboard cache write failed")
	}
	return stats, nil
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if err := s.dashboardCache.Delete(ctx, dashboardCacheKey); err != nil {
		log.Warn().Err(err).Msg("dashboard cache invalidation failed")
	}
}

// rangeSince maps the analytics range names to their window start.
func rangeSince(name string, now time.Time) (time.Time, error) {
	switch name {
	case "day":
		return now.AddDate(0, 0, -1), nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month", "":
		return now.AddDate(0, -1, 0), nil
	case "year":
		return now.AddDate(-1, 0, 0), nil
	}
	return time.Time{}, store.ErrValidation
}

func (s *Service) RangeStats(ctx context.Context, rangeName string) (domain.RangeStats, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.RangeStats{}, err
	}
	since, err := rangeSince(rangeName, time.Now().UTC())
	if err != nil {
		return domain.RangeStats{}, err
	}
	return s.repo.RangeStats(ctx, since)
}

func (s *Service) SalesTrend(ctx context.Context, rangeName string) ([]domain.TrendPoint, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	since, err := rangeSince(rangeName, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.repo.SalesTrend(ctx, since)
}

func (s *Service) TopProducts(ctx context.Context, rangeName string, limit int) ([]domain.TopProduct, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	since, err := rangeSince(rangeName, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.repo.TopProducts(ctx, since, limit)
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx)
}

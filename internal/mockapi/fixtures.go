package mockapi

import (
	"fmt"
	"time"
)

// Grant is one product access entry held by a mock user.
type Grant struct {
	ProductID      string
	IsActive       bool
	RemainingUsage int64
	UsageCount     int64
	ExpiresAt      *time.Time
}

func (g Grant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Product is a sellable product.
type Product struct {
	ID   string
	Name string
}

// Page is a content page. Products lists the products allowed to open it;
// an empty list allows every product.
type Page struct {
	ID           string
	Name         string
	Description  string
	Image        string
	Instructions string
	Products     []string
}

func (p Page) allows(productID string) bool {
	if len(p.Products) == 0 {
		return true
	}
	for _, id := range p.Products {
		if id == productID {
			return true
		}
	}
	return false
}

// FixtureConfig controls the seeded demo data.
type FixtureConfig struct {
	Email          string
	Password       string
	ProductCount   int
	UsagePerGrant  int64
	ExpiredProduct bool // seed one extra product whose grant already expired
	RestrictedPage bool // seed a page only the first product may open
}

var DefaultFixtures = FixtureConfig{
	Email:          "demo@example.com",
	Password:       "demo-password",
	ProductCount:   2,
	UsagePerGrant:  5,
	ExpiredProduct: true,
	RestrictedPage: true,
}

var productNames = []string{
	"Essay Review", "Cover Letter", "Lesson Planner", "Interview Coach",
	"Report Writer", "Study Guide",
}

// Seed populates s with demo products, pages and one user. It returns the
// user id.
func Seed(s *Server, cfg FixtureConfig) (string, error) {
	if cfg.ProductCount <= 0 {
		cfg.ProductCount = 1
	}
	now := s.now()

	var grants []Grant
	var productIDs []string
	for i := 0; i < cfg.ProductCount; i++ {
		id := fmt.Sprintf("prod-%d", i+1)
		s.AddProduct(Product{ID: id, Name: productNames[i%len(productNames)]})
		productIDs = append(productIDs, id)
		grants = append(grants, Grant{
			ProductID:      id,
			IsActive:       i == 0,
			RemainingUsage: cfg.UsagePerGrant,
		})
	}
	if cfg.ExpiredProduct {
		expired := now.Add(-24 * time.Hour)
		s.AddProduct(Product{ID: "prod-expired", Name: "Legacy Bundle"})
		grants = append(grants, Grant{ProductID: "prod-expired", RemainingUsage: cfg.UsagePerGrant, ExpiresAt: &expired})
	}

	s.AddPage(Page{
		ID:           "page-essay",
		Name:         "Essay Feedback",
		Description:  "Paste an essay and receive structured feedback.",
		Image:        "/images/essay.png",
		Instructions: "Review the essay. Reply with **Summary**, **Strengths: ...** and **Improvements: ...** sections.",
	})
	if cfg.RestrictedPage {
		s.AddPage(Page{
			ID:           "page-restricted",
			Name:         "Premium Coaching",
			Description:  "Only available with the first product.",
			Instructions: "Coach the user. Reply with **Plan: step one - step two**.",
			Products:     productIDs[:1],
		})
	}

	return s.AddUser(cfg.Email, cfg.Password, grants...)
}

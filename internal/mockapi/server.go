// Package mockapi is an in-memory development backend implementing the
// auth, product-access, page and generate endpoints.
package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pagegen/internal/auth"
)

const defaultTokenTTL = 24 * time.Hour

var (
	ErrUserExists  = errors.New("user already exists")
	ErrUnknownUser = errors.New("unknown user")
)

// GenerateFunc produces the generated text for one request.
type GenerateFunc func(page Page, instructions, input string) string

// Config configures a Server.
type Config struct {
	Secret   []byte
	TokenTTL time.Duration
	Now      func() time.Time
	Generate GenerateFunc
}

type user struct {
	ID           string
	Email        string
	Name         string
	Phone        string
	Country      string
	PasswordHash string
	Grants       []*Grant
}

func (u *user) grant(productID string) *Grant {
	for _, g := range u.Grants {
		if g.ProductID == productID {
			return g
		}
	}
	return nil
}

// Server holds the mock backend state.
type Server struct {
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	generate GenerateFunc

	mu       sync.Mutex
	users    map[string]*user
	byEmail  map[string]string
	products map[string]Product
	pages    map[string]Page
}

// New creates an empty server. A random signing secret is generated when
// cfg.Secret is empty.
func New(cfg Config) (*Server, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		token, err := auth.GenerateToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		secret = []byte(token)
	}
	s := &Server{
		secret:   secret,
		ttl:      cfg.TokenTTL,
		now:      cfg.Now,
		generate: cfg.Generate,
		users:    make(map[string]*user),
		byEmail:  make(map[string]string),
		products: make(map[string]Product),
		pages:    make(map[string]Page),
	}
	if s.ttl <= 0 {
		s.ttl = defaultTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.generate == nil {
		s.generate = defaultGenerate
	}
	return s, nil
}

// AddProduct registers a product.
func (s *Server) AddProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// AddPage registers a page.
func (s *Server) AddPage(p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p.ID] = p
}

// AddUser creates a user with the given grants and returns its id.
func (s *Server) AddUser(email, password string, grants ...Grant) (string, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return "", ErrUserExists
	}
	u := &user{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Email:        email,
		Name:         strings.SplitN(email, "@", 2)[0],
		PasswordHash: hash,
	}
	for _, g := range grants {
		u.Grants = append(u.Grants, &g)
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u.ID, nil
}

// Grant returns a copy of the user's grant for productID.
func (s *Server) Grant(userID, productID string) (Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return Grant{}, false
	}
	g := u.grant(productID)
	if g == nil {
		return Grant{}, false
	}
	return *g, true
}

// SetGrant replaces or adds a grant on a user.
func (s *Server) SetGrant(userID string, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	if existing := u.grant(g.ProductID); existing != nil {
		*existing = g
		return nil
	}
	u.Grants = append(u.Grants, &g)
	return nil
}

// IssueToken signs a credential for userID.
func (s *Server) IssueToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"id":  userID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	id, _ := claims["id"].(string)
	if id == "" {
		return "", errors.New("token has no user id")
	}
	return id, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/register", s.handleRegister)

	authed := api.Group("", s.requireAuth())
	authed.GET("/auth/users/:userId/product-access", s.handleProductAccessGET)
	authed.PUT("/auth/admin/users/:userId/product-access/:productId", s.handleProductAccessPUT)
	authed.GET("/pages/:pageId", s.handlePageGET)
	authed.POST("/pages/generate", s.handleGenerate)

	return r
}

type wireProductRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type wireAccess struct {
	ProductID      wireProductRef `json:"productId"`
	IsActive       bool           `json:"isActive"`
	IsExpired      bool           `json:"isExpired"`
	RemainingUsage int64          `json:"remainingUsage"`
	UsageCount     int64          `json:"usageCount"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

// accessLocked renders a user's grants sorted by product id.
func (s *Server) accessLocked(u *user) []wireAccess {
	now := s.now()
	out := make([]wireAccess, 0, len(u.Grants))
	for _, g := range u.Grants {
		out = append(out, wireAccess{
			ProductID:      wireProductRef{ID: g.ProductID, Name: s.products[g.ProductID].Name},
			IsActive:       g.IsActive,
			IsExpired:      g.expired(now),
			RemainingUsage: g.RemainingUsage,
			UsageCount:     g.UsageCount,
			ExpiresAt:      g.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID.ID < out[j].ProductID.ID })
	return out
}

func message(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"message": msg})
}

func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		message(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(body.Email))]
	var u *user
	if ok {
		u = s.users[id]
	}
	s.mu.Unlock()
	if u == nil || !auth.CheckPasswordHash(body.Password, u.PasswordHash) {
		message(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := s.IssueToken(u.ID)
	if err != nil {
		message(c, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	s.mu.Lock()
	userDoc := gin.H{
		"_id":           u.ID,
		"name":          u.Name,
		"email":         u.Email,
		"productAccess": s.accessLocked(u),
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"token": token, "user": userDoc})
}

func (s *Server) handleRegister(c *gin.Context) {
	var reg auth.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		message(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := reg.Validate(); err != nil {
		message(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.AddUser(reg.Email, reg.Password)
	if errors.Is(err, ErrUserExists) {
		message(c, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		message(c, http.StatusInternalServerError, "Registration failed")
		return
	}

	s.mu.Lock()
	if u := s.users[id]; u != nil {
		u.Phone = reg.Phone
		u.Country = reg.Country
	}
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully"})
}

// ownUser loads the :userId path user and insists it is the caller.
func (s *Server) ownUser(c *gin.Context) (*user, bool) {
	if c.Param("userId") != callerID(c) {
		message(c, http.StatusForbidden, "Access denied")
		return nil, false
	}
	u, ok := s.users[c.Param("userId")]
	if !ok {
		message(c, http.StatusNotFound, "User not found")
		return nil, false
	}
	return u, true
}

func (s *Server) handleProductAccessGET(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ownUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"productAccess": s.accessLocked(u)})
}

func (s *Server) handleProductAccessPUT(c *gin.Context) {
	var body struct {
		IsActive *bool `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.IsActive == nil {
		message(c, http.StatusBadRequest, "isActive is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.ownUser(c)
	if !ok {
		return
	}
	g := u.grant(c.Param("productId"))
	if g == nil {
		message(c, http.StatusNotFound, "Product access not found")
		return
	}
	g.IsActive = *body.IsActive
	c.JSON(http.StatusOK, gin.H{"message": "Product access updated"})
}

// usableGrantLocked checks that the caller holds a live grant for the
// X-Product-ID scope.
func (s *Server) usableGrantLocked(c *gin.Context, productID string) (*user, *Grant, bool) {
	u, ok := s.users[callerID(c)]
	if !ok {
		message(c, http.StatusUnauthorized, "Unknown user")
		return nil, nil, false
	}
	if productID == "" {
		message(c, http.StatusForbidden, "No product selected")
		return nil, nil, false
	}
	g := u.grant(productID)
	if g == nil {
		message(c, http.StatusForbidden, "You do not have access to this product")
		return nil, nil, false
	}
	if g.expired(s.now()) {
		message(c, http.StatusForbidden, "Your access to this product has expired")
		return nil, nil, false
	}
	return u, g, true
}

func (s *Server) handlePageGET(c *gin.Context) {
	productID := c.GetHeader(productHeader)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, ok := s.usableGrantLocked(c, productID); !ok {
		return
	}
	page, ok := s.pages[c.Param("pageId")]
	if !ok {
		message(c, http.StatusNotFound, "Page not found")
		return
	}
	if !page.allows(productID) {
		message(c, http.StatusForbidden, "This page is not part of the selected product")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"_id":              page.ID,
		"name":             page.Name,
		"description":      page.Description,
		"image":            page.Image,
		"userInstructions": page.Instructions,
	})
}

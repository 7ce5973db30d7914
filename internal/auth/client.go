// Package auth logs users in and out and registers new accounts.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rcourtman/pagegen/internal/apiclient"
	"github.com/rcourtman/pagegen/internal/entitlements"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	opLogin    = "login"
	opRegister = "register"
)

// Registration is the sign-up form.
type Registration struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Country  string `json:"country"`
	Password string `json:"password"`
}

// Validate checks the fields the backend requires.
func (r Registration) Validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(r.Email)); err != nil {
		return fmt.Errorf("invalid email address: %w", err)
	}
	if strings.TrimSpace(r.Phone) == "" {
		return errors.New("phone number is required")
	}
	if strings.TrimSpace(r.Country) == "" {
		return errors.New("country is required")
	}
	return ValidatePasswordComplexity(r.Password)
}

// Client performs the account flows against the backend.
type Client struct {
	api   *apiclient.Client
	store *session.Store
	now   func() time.Time
}

// NewClient creates an auth client that writes into store.
func NewClient(api *apiclient.Client, store *session.Store) *Client {
	return &Client{api: api, store: store, now: time.Now}
}

type loginResponse struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

// Login exchanges credentials for a token and stores the token together
// with the returned user profile.
func (c *Client) Login(ctx context.Context, email, password string) (models.Profile, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return models.Profile{}, errors.New("email and password are required")
	}

	var resp loginResponse
	err := c.api.Do(ctx, apiclient.Request{
		Op:     opLogin,
		Method: http.MethodPost,
		Path:   "/api/auth/login",
		JSON:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		return models.Profile{}, err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return models.Profile{}, accerrors.Malformed(opLogin, errors.New("response has no token"))
	}

	var profile models.Profile
	if len(resp.User) > 0 && string(resp.User) != "null" {
		if err := json.Unmarshal(resp.User, &profile); err != nil {
			return models.Profile{}, accerrors.Malformed(opLogin, fmt.Errorf("decode user: %w", err))
		}
		// Older backends embed the product list in the user document.
		records, err := entitlements.RecordsFromProfile(resp.User, c.now())
		if err == nil {
			profile.ProductAccess = records
		}
	}
	if profile.Email == "" {
		profile.Email = email
	}

	if err := c.store.SetSession(resp.Token, profile); err != nil {
		return models.Profile{}, fmt.Errorf("store session: %w", err)
	}
	log.Info().Str("user_id", c.store.UserID()).Msg("Logged in")
	return profile, nil
}

type registerResponse struct {
	Message string `json:"message"`
}

// Register creates an account and returns the server's confirmation message.
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	if err := reg.Validate(); err != nil {
		return "", err
	}
	reg.Email = strings.TrimSpace(reg.Email)

	var resp registerResponse
	if err := c.api.Do(ctx, apiclient.Request{
		Op:     opRegister,
		Method: http.MethodPost,
		Path:   "/api/auth/register",
		JSON:   reg,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Message == "" {
		resp.Message = "Registration successful"
	}
	return resp.Message, nil
}

// Logout clears the stored session.
func (c *Client) Logout() error {
	if err := c.store.Clear(); err != nil {
		return err
	}
	log.Info().Msg("Logged out")
	return nil
}

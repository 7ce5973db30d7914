// Package entitlements fetches a user's product access records and decides
// which product is active.
package entitlements

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rcourtman/pagegen/internal/apiclient"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/metrics"
	"github.com/rcourtman/pagegen/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	opFetch     = "fetch_entitlements"
	opSetActive = "set_product_active"
)

// Client talks to the product-access endpoints.
type Client struct {
	api   *apiclient.Client
	group singleflight.Group
	now   func() time.Time
}

// NewClient creates an entitlement client on top of api.
func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api, now: time.Now}
}

// FetchEntitlements returns the normalized records for userID. Identical
// concurrent fetches share one request; each caller receives its own copy.
func (c *Client) FetchEntitlements(ctx context.Context, userID, credential string) ([]Record, error) {
	if credential == "" {
		return nil, accerrors.Auth(opFetch, errors.New("no credential"))
	}
	if userID == "" {
		return nil, accerrors.Auth(opFetch, errors.New("no user id in session"))
	}

	key := userID + "\x00" + credential
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(ctx, userID, credential)
	})

	select {
	case <-ctx.Done():
		return nil, accerrors.Canceled(opFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			// A shared call aborted by another caller's context says nothing
			// about ours; fetch again on our own.
			if res.Shared && accerrors.IsCanceled(res.Err) && ctx.Err() == nil {
				return c.fetch(ctx, userID, credential)
			}
			return nil, res.Err
		}
		return models.CloneRecords(res.Val.([]Record)), nil
	}
}

func (c *Client) fetch(ctx context.Context, userID, credential string) ([]Record, error) {
	raw, err := c.api.DoRaw(ctx, apiclient.Request{
		Op:         opFetch,
		Method:     http.MethodGet,
		Path:       "/api/auth/users/" + url.PathEscape(userID) + "/product-access",
		Credential: credential,
	})
	if err != nil {
		err = rejectedAsAuth(err)
		metrics.RecordEntitlementFetch(err)
		return nil, err
	}
	records, err := ParseAccessResponse(raw, c.now())
	if err != nil {
		err = accerrors.Malformed(opFetch, err)
		metrics.RecordEntitlementFetch(err)
		return nil, err
	}
	metrics.RecordEntitlementFetch(nil)
	return records, nil
}

// rejectedAsAuth turns a 403 on the product-access read into an auth error:
// the credential no longer speaks for this user.
func rejectedAsAuth(err error) error {
	var ae *accerrors.AccessError
	if !errors.As(err, &ae) || ae.Kind != accerrors.KindForbidden {
		return err
	}
	return accerrors.New(accerrors.KindAuth, opFetch, ae.Err).
		WithStatusCode(ae.StatusCode).
		WithMessage(ae.Message)
}

// SetActive flags one product record active or inactive on the server.
func (c *Client) SetActive(ctx context.Context, userID, credential, productID string, active bool) error {
	if credential == "" {
		return accerrors.Auth(opSetActive, errors.New("no credential"))
	}
	return c.api.Do(ctx, apiclient.Request{
		Op:         opSetActive,
		Method:     http.MethodPut,
		Path:       "/api/auth/admin/users/" + url.PathEscape(userID) + "/product-access/" + url.PathEscape(productID),
		Credential: credential,
		JSON:       map[string]bool{"isActive": active},
	}, nil)
}

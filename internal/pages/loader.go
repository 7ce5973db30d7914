// Package pages fetches the content page a generation runs against. Every
// fetch is scoped to the product that was active when it was issued.
package pages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rcourtman/pagegen/internal/apiclient"
	"github.com/rcourtman/pagegen/internal/entitlements"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/models"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/rs/zerolog/log"
)

const opFetchPage = "fetch_page"

// ErrStale marks a page fetch whose product is no longer the active one.
// It is a cancellation: callers drop it silently.
var ErrStale = errors.New("active product changed while page was loading")

// ErrNoProduct is returned when no product is selected to scope the fetch.
var ErrNoProduct = errors.New("no product selected")

// Status is the loader's view of the current page.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusLoaded
	StatusForbidden
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusForbidden:
		return "forbidden"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// View is a consistent copy of the loader state.
type View struct {
	Status    Status
	PageID    string
	ProductID string
	Page      *models.Page
	Err       error
}

// wirePage is the backend's page document.
type wirePage struct {
	ID               string `json:"id"`
	MongoID          string `json:"_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Image            string `json:"image"`
	UserInstructions string `json:"userInstructions"`
}

// selectionRead runs between reading the active product and claiming the
// loader. Tests use it to switch products inside that window.
var selectionRead = func() {}

// Loader fetches pages and keeps the latest result.
type Loader struct {
	api      *apiclient.Client
	store    *session.Store
	selector *entitlements.Selector

	mu        sync.Mutex
	seq       uint64
	cancel    context.CancelFunc
	productID string
	view      View
}

// NewLoader creates a loader. An in-flight fetch is cancelled whenever the
// selector's active product changes.
func NewLoader(api *apiclient.Client, store *session.Store, selector *entitlements.Selector) *Loader {
	l := &Loader{api: api, store: store, selector: selector}
	if selector != nil {
		selector.OnChange(l.onSelectionChange)
	}
	return l
}

func (l *Loader) onSelectionChange(t entitlements.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.view.Status == StatusLoading && l.productID != t.ActiveProduct {
		log.Debug().
			Str("page_id", l.view.PageID).
			Str("product_id", l.productID).
			Str("active_product", t.ActiveProduct).
			Msg("Cancelling page fetch for previous product")
		l.seq++
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		l.view = View{Status: StatusIdle, PageID: l.view.PageID}
	}
}

// View returns the loader state.
func (l *Loader) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.view
	if v.Page != nil {
		p := *v.Page
		v.Page = &p
	}
	return v
}

// Forbidden reports whether the current page was refused under the
// selected product.
func (l *Loader) Forbidden() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view.Status == StatusForbidden
}

// Load fetches pageID under the active product. A 403 leaves the loader in
// StatusForbidden and returns a forbidden error, distinct from having no
// product selected. A result arriving after the active product changed is
// discarded and reported as ErrStale.
func (l *Loader) Load(ctx context.Context, pageID string) (models.Page, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return models.Page{}, errors.New("page id is required")
	}

	credential, ok := l.store.Credential()
	if !ok {
		return models.Page{}, accerrors.Auth(opFetchPage, session.ErrNoSession)
	}
	active, ok := l.selector.Active()
	if !ok {
		return models.Page{}, ErrNoProduct
	}

	selectionRead()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.seq++
	seq := l.seq
	// A switch before this point was not seen by onSelectionChange.
	if current, ok := l.selector.Active(); !ok || current.ProductID != active.ProductID {
		l.cancel = nil
		l.view = View{Status: StatusIdle, PageID: pageID}
		l.mu.Unlock()
		return models.Page{}, accerrors.Canceled(opFetchPage, ErrStale)
	}
	l.cancel = cancel
	l.productID = active.ProductID
	l.view = View{Status: StatusLoading, PageID: pageID, ProductID: active.ProductID}
	l.mu.Unlock()

	var wp wirePage
	err := l.api.Do(fetchCtx, apiclient.Request{
		Op:         opFetchPage,
		Method:     http.MethodGet,
		Path:       "/api/pages/" + url.PathEscape(pageID),
		Credential: credential,
		ProductID:  active.ProductID,
	}, &wp)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seq != seq {
		return models.Page{}, accerrors.Canceled(opFetchPage, ErrStale)
	}
	l.cancel = nil

	if err != nil {
		status := StatusFailed
		switch {
		case accerrors.IsCanceled(err):
			status = StatusIdle
		case errors.Is(err, accerrors.ErrForbidden):
			status = StatusForbidden
		}
		l.view = View{Status: status, PageID: pageID, ProductID: active.ProductID, Err: err}
		return models.Page{}, err
	}

	page := models.Page{
		ID:           wp.ID,
		Name:         wp.Name,
		Description:  wp.Description,
		Image:        wp.Image,
		Instructions: wp.UserInstructions,
	}
	if page.ID == "" {
		page.ID = wp.MongoID
	}
	if page.ID == "" {
		page.ID = pageID
	}
	stored := page
	l.view = View{Status: StatusLoaded, PageID: pageID, ProductID: active.ProductID, Page: &stored}
	return page, nil
}

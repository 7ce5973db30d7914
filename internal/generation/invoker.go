// Package generation runs the usage-consuming generate call and writes the
// server-confirmed usage back into the session and selector.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pagegen/internal/apiclient"
	"github.com/rcourtman/pagegen/internal/entitlements"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/gate"
	"github.com/rcourtman/pagegen/internal/history"
	"github.com/rcourtman/pagegen/internal/logging"
	"github.com/rcourtman/pagegen/internal/metrics"
	"github.com/rcourtman/pagegen/internal/pages"
	"github.com/rcourtman/pagegen/internal/session"
)

const (
	opGenerate   = "generate"
	generatePath = "/api/pages/generate"
)

// ErrInFlight is returned when Invoke is called while a call is outstanding.
var ErrInFlight = errors.New("a generation is already in progress")

// PhaseKind is the invoker's request lifecycle position.
type PhaseKind int

const (
	PhaseIdle PhaseKind = iota
	PhaseInFlight
	PhaseSucceeded
	PhaseFailed
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseIdle:
		return "idle"
	case PhaseInFlight:
		return "in_flight"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(k))
}

// Phase is the last known request phase. Reason is set for PhaseFailed.
type Phase struct {
	Kind   PhaseKind
	Reason string
	Err    error
}

// Upload is a file submitted instead of text.
type Upload struct {
	Name    string
	Content io.Reader
}

// Request is one generation. Exactly one of Text and File is used; File
// wins when both are set.
type Request struct {
	PageID string
	Text   string
	File   *Upload
}

func (r Request) hasInput() bool {
	if r.File != nil {
		return r.File.Content != nil
	}
	return strings.TrimSpace(r.Text) != ""
}

// Result is a confirmed generation.
type Result struct {
	Output         string
	PageID         string
	ProductID      string
	RemainingUsage int64
	UsageCount     int64
	// UsageReported is false when the server omitted the counters and a
	// reconcile refresh was issued instead.
	UsageReported bool
	HistoryID     string
}

// Recorder stores successful generations.
type Recorder interface {
	Record(ctx context.Context, entry history.Entry) (history.Entry, error)
}

// Invoker sends generation requests. One request may be outstanding at a time.
type Invoker struct {
	api      *apiclient.Client
	store    *session.Store
	selector *entitlements.Selector
	pages    *pages.Loader
	recorder Recorder

	mu       sync.Mutex
	inFlight bool
	phase    Phase
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRecorder records every successful generation.
func WithRecorder(r Recorder) Option {
	return func(i *Invoker) { i.recorder = r }
}

// NewInvoker creates an invoker. loader supplies the page instructions and
// the page-forbidden state the gate checks.
func NewInvoker(api *apiclient.Client, store *session.Store, selector *entitlements.Selector, loader *pages.Loader, opts ...Option) *Invoker {
	inv := &Invoker{api: api, store: store, selector: selector, pages: loader}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Phase returns the current phase.
func (inv *Invoker) Phase() Phase {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.phase
}

func (inv *Invoker) setPhase(p Phase) {
	inv.mu.Lock()
	inv.phase = p
	inv.mu.Unlock()
}

// Check evaluates the gate for req against the current state without sending anything.
func (inv *Invoker) Check(req Request) gate.Decision {
	d, _ := inv.evaluate(req)
	return d
}

type preparedCall struct {
	credential string
	product    entitlements.Record
	page       pages.View
}

func (inv *Invoker) evaluate(req Request) (gate.Decision, preparedCall) {
	var call preparedCall
	credential, hasCredential := inv.store.Credential()
	call.credential = credential

	in := gate.Input{HasCredential: hasCredential, HasInput: req.hasInput()}
	if active, ok := inv.selector.Active(); ok {
		call.product = active
		in.Active = &active
	}
	if inv.pages != nil {
		view := inv.pages.View()
		if view.PageID == req.PageID && view.ProductID == call.product.ProductID {
			call.page = view
			in.PageForbidden = view.Status == pages.StatusForbidden
			in.InstructionsLoaded = view.Status == pages.StatusLoaded && view.Page != nil
		}
	}
	return gate.CanGenerate(in), call
}

type generateResponse struct {
	Output         *string `json:"output"`
	AIOutput       *string `json:"aiOutput"`
	RemainingUsage *int64  `json:"remainingUsage"`
	UsageCount     *int64  `json:"usageCount"`
}

// Invoke checks the gate, sends the generation and, on success, applies
// the returned usage counters. On any failure nothing is written back.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	inv.mu.Lock()
	if inv.inFlight {
		inv.mu.Unlock()
		return Result{}, ErrInFlight
	}
	inv.inFlight = true
	inv.phase = Phase{Kind: PhaseInFlight}
	inv.mu.Unlock()

	defer func() {
		inv.mu.Lock()
		inv.inFlight = false
		inv.mu.Unlock()
	}()

	decision, call := inv.evaluate(req)
	if !decision.Allowed {
		metrics.RecordGateDenial(string(decision.Reason))
		err := decision.Err()
		inv.setPhase(Phase{Kind: PhaseFailed, Reason: string(decision.Reason), Err: err})
		return Result{}, err
	}

	ctx, _ = logging.WithRequestID(ctx, logging.RequestID(ctx))
	logger := logging.Ctx(ctx).With().
		Str("page_id", req.PageID).
		Str("product_id", call.product.ProductID).
		Logger()

	started := time.Now()
	resp, err := inv.send(ctx, req, call)
	metrics.RecordGeneration(err, time.Since(started))
	if err != nil {
		if accerrors.IsCanceled(err) {
			inv.setPhase(Phase{Kind: PhaseIdle})
			return Result{}, err
		}
		logger.Warn().Err(err).Msg("Generation failed")
		inv.setPhase(Phase{Kind: PhaseFailed, Reason: string(accerrors.KindOf(err)), Err: err})
		return Result{}, err
	}

	result := Result{
		Output:    resp.output(),
		PageID:    req.PageID,
		ProductID: call.product.ProductID,
	}

	if resp.RemainingUsage != nil && resp.UsageCount != nil {
		result.RemainingUsage = *resp.RemainingUsage
		result.UsageCount = *resp.UsageCount
		result.UsageReported = true
		if err := inv.selector.ApplyUsage(call.product.ProductID, result.RemainingUsage, result.UsageCount); err != nil {
			logger.Error().Err(err).Msg("Failed to apply usage counters")
		}
		metrics.RecordRemainingUsage(call.product.ProductID, result.RemainingUsage)
	} else {
		logger.Warn().Msg("Generate response carried no usage counters; refreshing entitlements")
		if err := inv.selector.Refresh(ctx); err != nil && !accerrors.IsCanceled(err) {
			logger.Warn().Err(err).Msg("Reconcile refresh after generation failed")
		}
		if active, ok := inv.selector.Active(); ok && active.ProductID == call.product.ProductID {
			result.RemainingUsage = active.RemainingUsage
			result.UsageCount = active.UsageCount
		}
	}

	if inv.recorder != nil {
		pageName := ""
		if call.page.Page != nil {
			pageName = call.page.Page.Name
		}
		entry, err := inv.recorder.Record(ctx, history.Entry{
			PageID:         req.PageID,
			PageName:       pageName,
			ProductID:      call.product.ProductID,
			Output:         result.Output,
			RemainingUsage: result.RemainingUsage,
			UsageCount:     result.UsageCount,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to record generation history")
		} else {
			result.HistoryID = entry.ID
		}
	}

	logger.Info().
		Int64("remaining_usage", result.RemainingUsage).
		Int64("usage_count", result.UsageCount).
		Msg("Generation completed")
	inv.setPhase(Phase{Kind: PhaseSucceeded})
	return result, nil
}

func (r generateResponse) output() string {
	if r.Output != nil {
		return *r.Output
	}
	return *r.AIOutput
}

func (inv *Invoker) send(ctx context.Context, req Request, call preparedCall) (generateResponse, error) {
	instructions := ""
	if call.page.Page != nil {
		instructions = call.page.Page.Instructions
	}

	apiReq := apiclient.Request{
		Op:         opGenerate,
		Method:     http.MethodPost,
		Path:       generatePath,
		Credential: call.credential,
		ProductID:  call.product.ProductID,
	}
	if req.File != nil {
		apiReq.Fields = map[string]string{
			"instructions": instructions,
			"productId":    call.product.ProductID,
			"pageId":       req.PageID,
		}
		apiReq.File = &apiclient.File{FieldName: "file", FileName: req.File.Name, Content: req.File.Content}
	} else {
		apiReq.JSON = map[string]string{
			"userInput":    req.Text,
			"instructions": instructions,
			"productId":    call.product.ProductID,
			"pageId":       req.PageID,
		}
	}

	raw, err := inv.api.DoRaw(ctx, apiReq)
	if err != nil {
		return generateResponse{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return generateResponse{}, accerrors.Malformed(opGenerate, fmt.Errorf("decode response: %w", err))
	}
	if resp.Output == nil && resp.AIOutput == nil {
		return generateResponse{}, accerrors.Malformed(opGenerate, errors.New("response has no output"))
	}
	if (resp.RemainingUsage != nil && *resp.RemainingUsage < 0) || (resp.UsageCount != nil && *resp.UsageCount < 0) {
		return generateResponse{}, accerrors.Malformed(opGenerate, errors.New("negative usage counter"))
	}
	return resp, nil
}

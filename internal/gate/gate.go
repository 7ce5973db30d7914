// Package gate decides whether a usage-consuming generation may proceed.
package gate

import (
	"errors"

	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/models"
)

// Reason names why a generation was denied.
type Reason string

// Deny reasons, in the order they are checked.
const (
	ReasonNone                  Reason = ""
	ReasonNoCredential          Reason = "NO_CREDENTIAL"
	ReasonNoProduct             Reason = "NO_PRODUCT"
	ReasonPageForbidden         Reason = "PAGE_FORBIDDEN"
	ReasonEmptyInput            Reason = "EMPTY_INPUT"
	ReasonInstructionsNotLoaded Reason = "INSTRUCTIONS_NOT_LOADED"
	ReasonUsageExhausted        Reason = "USAGE_EXHAUSTED"
)

// Reasons lists every deny reason in priority order.
var Reasons = []Reason{
	ReasonNoCredential,
	ReasonNoProduct,
	ReasonPageForbidden,
	ReasonEmptyInput,
	ReasonInstructionsNotLoaded,
	ReasonUsageExhausted,
}

// Input is everything the decision depends on.
type Input struct {
	HasCredential bool

	// Active is the selected product, nil when none is selected.
	Active *models.Record

	PageForbidden      bool
	HasInput           bool
	InstructionsLoaded bool
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

func deny(r Reason) Decision { return Decision{Reason: r} }

// CanGenerate applies the deny rules in fixed priority; the first match wins.
func CanGenerate(in Input) Decision {
	switch {
	case !in.HasCredential:
		return deny(ReasonNoCredential)
	case in.Active == nil || !in.Active.Selectable():
		return deny(ReasonNoProduct)
	case in.PageForbidden:
		return deny(ReasonPageForbidden)
	case !in.HasInput:
		return deny(ReasonEmptyInput)
	case !in.InstructionsLoaded:
		return deny(ReasonInstructionsNotLoaded)
	case in.Active.RemainingUsage <= 0:
		return deny(ReasonUsageExhausted)
	}
	return Allow
}

// Message is a short human-readable explanation of a denial.
func (d Decision) Message() string {
	switch d.Reason {
	case ReasonNone:
		return ""
	case ReasonNoCredential:
		return "not logged in"
	case ReasonNoProduct:
		return "no product selected"
	case ReasonPageForbidden:
		return "this page is not available under the selected product"
	case ReasonEmptyInput:
		return "enter text or choose a file"
	case ReasonInstructionsNotLoaded:
		return "page instructions have not loaded yet"
	case ReasonUsageExhausted:
		return "no remaining usage for the selected product"
	}
	return string(d.Reason)
}

// Err converts a denial into a typed error; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	const op = "generate"
	cause := errors.New(d.Message())
	switch d.Reason {
	case ReasonNoCredential:
		return accerrors.Auth(op, cause)
	case ReasonPageForbidden:
		return accerrors.New(accerrors.KindForbidden, op, cause).WithMessage(d.Message())
	case ReasonUsageExhausted:
		return accerrors.New(accerrors.KindUsageExhausted, op, cause)
	}
	return &DeniedError{Reason: d.Reason}
}

// DeniedError is a local denial with no network meaning.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string {
	return "generate denied: " + Decision{Reason: e.Reason}.Message()
}

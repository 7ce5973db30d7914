package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rcourtman/pagegen/internal/entitlements"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/gate"
	"github.com/rcourtman/pagegen/internal/generation"
	"github.com/rcourtman/pagegen/internal/history"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/rs/zerolog/log"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitAuth     = 2
	exitDenied   = 3
	exitCanceled = 130
)

func noSessionError(store *session.Store) error {
	if store.CredentialExpired() {
		return accerrors.Auth("session", errors.New("session expired"))
	}
	return accerrors.Auth("session", session.ErrNoSession)
}

// presentError prints a user-facing message for err and returns the
// process exit code. Cancellation prints nothing.
func presentError(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	if accerrors.IsCanceled(err) {
		return exitCanceled
	}

	var denied *gate.DeniedError
	var switchErr *entitlements.SwitchError
	switch {
	case errors.As(err, &denied):
		fmt.Fprintf(w, "Cannot generate: %s.\n", gate.Decision{Reason: denied.Reason}.Message())
		return exitDenied
	case errors.As(err, &switchErr):
		fmt.Fprintf(w, "Could not switch to %s; the server still reports a different active product.\n", switchErr.Target)
		if len(switchErr.Failed) > 0 {
			fmt.Fprintf(w, "Updates failed for: %v. Run `pagegen products` and try again.\n", switchErr.Failed)
		}
		return exitError
	case errors.Is(err, entitlements.ErrProductNotSelectable):
		fmt.Fprintln(w, "That product is not available to you or has expired. Run `pagegen products` to see your products.")
		return exitError
	case errors.Is(err, generation.ErrInFlight):
		fmt.Fprintln(w, "A generation is already running.")
		return exitError
	case errors.Is(err, history.ErrNotFound):
		fmt.Fprintln(w, "No such history entry.")
		return exitError
	}

	msg := accerrors.ServerMessage(err)
	switch accerrors.KindOf(err) {
	case accerrors.KindAuth:
		if errors.Is(err, session.ErrNoSession) {
			fmt.Fprintln(w, "You are not logged in. Run `pagegen login`.")
		} else if msg != "" {
			fmt.Fprintf(w, "%s. Please log in again with `pagegen login`.\n", msg)
		} else {
			fmt.Fprintln(w, "Your session has expired. Please log in again with `pagegen login`.")
		}
		return exitAuth
	case accerrors.KindForbidden:
		if msg == "" {
			msg = "you do not have access to this content under the selected product"
		}
		fmt.Fprintf(w, "Access denied: %s\n", msg)
		return exitDenied
	case accerrors.KindUsageExhausted:
		fmt.Fprintln(w, "You have no remaining uses on the selected product. Switch product or renew your access.")
		return exitDenied
	case accerrors.KindNetwork:
		fmt.Fprintln(w, "Could not reach the server. Check your connection and try again.")
		return exitError
	case accerrors.KindServer:
		if msg == "" {
			msg = "The server could not complete the request. Please try again later."
		}
		fmt.Fprintln(w, msg)
		return exitError
	case accerrors.KindMalformedResponse:
		log.Error().Err(err).Msg("Unexpected response from server")
		fmt.Fprintln(w, "The server returned an unexpected response. Please try again later.")
		return exitError
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return exitError
}

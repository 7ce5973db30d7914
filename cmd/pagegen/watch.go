package main

import (
	"errors"
	"fmt"

	"github.com/rcourtman/pagegen/internal/entitlements"
	"github.com/rcourtman/pagegen/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session changes made by other pagegen processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			fb, ok := a.backend.(*session.FileBackend)
			if !ok {
				return errors.New("watch requires the file session backend")
			}

			out := cmd.OutOrStdout()
			a.selector.OnChange(func(t entitlements.Transition) {
				if t.From == t.To && t.PreviousProduct == t.ActiveProduct {
					return
				}
				fmt.Fprintf(out, "%s -> %s", t.From, t.To)
				if t.ActiveProduct != "" {
					fmt.Fprintf(out, " (active %s)", t.ActiveProduct)
				}
				fmt.Fprintln(out)
			})

			reload := func() {
				if err := a.store.Reload(); err != nil {
					log.Warn().Err(err).Msg("Failed to reload session")
					return
				}
				if _, ok := a.store.Credential(); !ok {
					a.selector.Reset()
					return
				}
				if !a.selector.LoadCached() {
					a.selector.Reset()
				}
			}
			reload()
			printSelection(out, a.selector.Snapshot())
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", fb.Path())

			return fb.Watch(cmd.Context(), reload)
		},
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
)

func createSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <sync-id>",
		Short: "Run one sync now and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.newScheduler("", 1).RunNow(ctx, args[0], scheduler.TriggerCLI)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("sync %s: %w", args[0], err)
			}
			return nil
		},
	}
}

func createDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run every sync once, one after another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.newScheduler("", 1).DispatchAll(ctx, scheduler.TriggerCLI)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d syncs failed", result.Failed, result.Total)
			}
			return nil
		},
	}
}

func createCalendarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calendars <user-id>",
		Short: "List the Google calendars a user's grant can reach",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.db.RefreshToken(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load user %s: %w", args[0], err)
			}
			if token == "" {
				return errors.New("user has not granted calendar access")
			}

			svc, err := a.services(ctx, token)
			if err != nil {
				return fmt.Errorf("%w: %w", calsync.ErrCredentials, err)
			}
			calendars, err := svc.ListCalendars(ctx)
			if err != nil {
				return fmt.Errorf("list calendars: %w", err)
			}
			return printCalendars(cmd.OutOrStdout(), calendars)
		},
	}
}

func printCalendars(w io.Writer, calendars []gcal.CalendarEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUMMARY")
	for _, c := range calendars {
		fmt.Fprintf(tw, "%s\t%s\n", c.ID, c.Summary)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

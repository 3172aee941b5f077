package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/pkg/app"
)

func entriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Manage periodic entries in the configured store",
	}
	cmd.AddCommand(
		entriesListCmd(),
		entriesShowCmd(),
		entriesAddCmd(),
		entriesToggleCmd("enable", true),
		entriesToggleCmd("disable", false),
		entriesDeleteCmd(),
		entriesRunCmd(),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	sess, err := app.Open(runParams(cmd), "store.")
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	st, err := sess.Store()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), st)
}

// lookupEntry resolves an argument that is either an entry ID or a name.
func lookupEntry(ctx context.Context, st store.Store, ref string) (store.Entry, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		e, err := st.GetEntry(ctx, id)
		if !errors.Is(err, store.ErrNotFound) {
			return e, err
		}
	}
	e, err := st.GetEntryByName(ctx, ref)
	if err != nil {
		return e, fmt.Errorf("entry %q: %w", ref, err)
	}
	return e, nil
}

func entriesListCmd() *cobra.Command {
	var (
		search      string
		enabledOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries, enabled first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				entries, err := st.ListEntries(ctx, store.ListOptions{EnabledOnly: enabledOnly, Search: search})
				if err != nil {
					return err
				}
				printEntries(cmd.OutOrStdout(), entries, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&search, "search", "q", "", "Filter by entry or task name")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only list enabled entries")
	return cmd
}

func printEntries(w io.Writer, entries []store.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTASK\tSCHEDULE\tENABLED\tLAST RUN\tNEXT RUN\tRUNS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.ID, e.Name, e.Task, scheduleText(e), yesNo(e.Enabled),
			lastRunText(e, now), nextRunText(e, now), e.TotalRunCount)
	}
	_ = tw.Flush()
}

func scheduleText(e store.Entry) string {
	s, err := e.Schedule()
	if err != nil {
		return "invalid"
	}
	return s.String()
}

func lastRunText(e store.Entry, now time.Time) string {
	if e.LastRunAt == nil {
		return "never"
	}
	return humanize.RelTime(*e.LastRunAt, now, "ago", "from now")
}

// nextRunText estimates the next occurrence the way the scheduler anchors
// it: on the last run, or on the last change for entries that never ran.
func nextRunText(e store.Entry, now time.Time) string {
	if !e.Enabled {
		return "-"
	}
	s, err := e.Schedule()
	if err != nil {
		return "-"
	}
	anchor := e.DateChanged
	if e.LastRunAt != nil {
		anchor = *e.LastRunAt
	}
	at, due := schedule.Evaluate(s, anchor, now)
	switch {
	case at.IsZero():
		return "never"
	case due:
		return "due"
	case e.Expires != nil && at.After(*e.Expires):
		return "expired"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func entriesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				e, err := lookupEntry(ctx, st, args[0])
				if err != nil {
					return err
				}
				printEntry(cmd.OutOrStdout(), e, time.Now())
				return nil
			})
		},
	}
}

func printEntry(w io.Writer, e store.Entry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("ID", strconv.FormatInt(e.ID, 10))
	row("Name", e.Name)
	row("Task", e.Task)
	row("Schedule", scheduleText(e))
	row("Enabled", yesNo(e.Enabled))
	row("Args", string(e.Args))
	row("Kwargs", string(e.Kwargs))
	if e.Routing.Queue != "" {
		row("Queue", e.Routing.Queue)
	}
	if e.Routing.Exchange != "" {
		row("Exchange", e.Routing.Exchange)
	}
	if e.Routing.RoutingKey != "" {
		row("Routing key", e.Routing.RoutingKey)
	}
	if e.Expires != nil {
		row("Expires", fmt.Sprintf("%s (%s)", e.Expires.Format(time.RFC3339), humanize.RelTime(*e.Expires, now, "ago", "from now")))
	}
	row("Last run", lastRunText(e, now))
	row("Next run", nextRunText(e, now))
	row("Total runs", humanize.Comma(e.TotalRunCount))
	row("Changed", humanize.RelTime(e.DateChanged, now, "ago", "from now"))
	if e.Description != "" {
		row("Description", e.Description)
	}
	_ = tw.Flush()
}

// addFlags holds the flag values of entries add.
type addFlags struct {
	draft       store.Draft
	args        string
	kwargs      string
	expires     string
	disabled    bool
	interactive bool
}

func entriesAddCmd() *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an entry with an inline schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.interactive {
				if err := promptDraft(&f); err != nil {
					return err
				}
			}
			d, err := f.build()
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				e, err := store.Create(ctx, st, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created entry %d (%s)\n", e.ID, e.Name)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.draft.Name, "name", "", "Unique entry name")
	fl.StringVar(&f.draft.Task, "task", "", "Task name to dispatch")
	fl.Int64Var(&f.draft.Every, "every", 0, "Interval length")
	fl.StringVar(&f.draft.Period, "period", "seconds", "Interval unit: seconds, minutes, hours or days")
	fl.StringVar(&f.draft.Crontab, "crontab", "", `Crontab expression "minute hour day_of_month month_of_year day_of_week"`)
	fl.StringVar(&f.draft.Timezone, "timezone", "", "Crontab timezone")
	fl.StringVar(&f.args, "args", "", "Positional arguments as a JSON array")
	fl.StringVar(&f.kwargs, "kwargs", "", "Keyword arguments as a JSON object")
	fl.StringVar(&f.draft.Routing.Queue, "queue", "", "Destination queue")
	fl.StringVar(&f.draft.Routing.Exchange, "exchange", "", "Destination exchange")
	fl.StringVar(&f.draft.Routing.RoutingKey, "routing-key", "", "Routing key")
	fl.StringVar(&f.expires, "expires", "", "Expiry time (RFC 3339)")
	fl.StringVar(&f.draft.Description, "description", "", "Free-form description")
	fl.BoolVar(&f.disabled, "disabled", false, "Create the entry disabled")
	fl.BoolVarP(&f.interactive, "interactive", "i", false, "Prompt for the entry fields")
	return cmd
}

// build validates the raw flag values into a draft.
func (f *addFlags) build() (store.Draft, error) {
	d := f.draft
	if strings.TrimSpace(d.Name) == "" {
		return d, fmt.Errorf("%w: name is required", store.ErrDefinition)
	}
	if strings.TrimSpace(d.Task) == "" {
		return d, fmt.Errorf("%w: need name of task", store.ErrDefinition)
	}
	var err error
	if d.Args, err = jsonFlag("args", f.args, '['); err != nil {
		return d, err
	}
	if d.Kwargs, err = jsonFlag("kwargs", f.kwargs, '{'); err != nil {
		return d, err
	}
	if f.expires != "" {
		t, err := time.Parse(time.RFC3339, f.expires)
		if err != nil {
			return d, fmt.Errorf("%w: expires: %v", store.ErrDefinition, err)
		}
		d.Expires = &t
	}
	if f.disabled {
		enabled := false
		d.Enabled = &enabled
	}
	return d, nil
}

// jsonFlag checks that raw is JSON whose first token opens with open.
func jsonFlag(name, raw string, open byte) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) || raw[0] != open {
		return nil, fmt.Errorf("%w: %s: unable to parse JSON", store.ErrDefinition, name)
	}
	return json.RawMessage(raw), nil
}

// promptDraft asks for the fields of an entry, starting from the flag
// values.
func promptDraft(f *addFlags) error {
	kind := "interval"
	if f.draft.Crontab != "" {
		kind = "crontab"
	}
	every := ""
	if f.draft.Every != 0 {
		every = strconv.FormatInt(f.draft.Every, 10)
	}
	enabled := !f.disabled

	required := func(label string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", label)
			}
			return nil
		}
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Name").Value(&f.draft.Name).Validate(required("name")),
			huh.NewInput().Title("Task").Value(&f.draft.Task).Validate(required("task")),
			huh.NewSelect[string]().Title("Schedule").
				Options(huh.NewOptions("interval", "crontab")...).
				Value(&kind),
		),
		huh.NewGroup(
			huh.NewInput().Title("Every").Value(&every).Validate(func(s string) error {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil || n <= 0 {
					return errors.New("a positive integer is required")
				}
				return nil
			}),
			huh.NewSelect[string]().Title("Period").
				Options(huh.NewOptions(string(schedule.Seconds), string(schedule.Minutes), string(schedule.Hours), string(schedule.Days))...).
				Value(&f.draft.Period),
		).WithHideFunc(func() bool { return kind != "interval" }),
		huh.NewGroup(
			huh.NewInput().Title("Crontab").
				Placeholder("*/5 * * * *").
				Value(&f.draft.Crontab).
				Validate(func(s string) error {
					_, err := store.SplitCrontab(s)
					return err
				}),
			huh.NewInput().Title("Timezone").Placeholder("UTC").Value(&f.draft.Timezone),
		).WithHideFunc(func() bool { return kind != "crontab" }),
		huh.NewGroup(
			huh.NewInput().Title("Args (JSON array)").Value(&f.args),
			huh.NewInput().Title("Kwargs (JSON object)").Value(&f.kwargs),
			huh.NewInput().Title("Queue").Value(&f.draft.Routing.Queue),
			huh.NewConfirm().Title("Enabled?").Value(&enabled),
		),
	).Run()
	if err != nil {
		return err
	}

	if kind == "interval" {
		f.draft.Crontab, f.draft.Timezone = "", ""
		f.draft.Every, _ = strconv.ParseInt(every, 10, 64)
	} else {
		f.draft.Every = 0
	}
	f.disabled = !enabled
	return nil
}

func entriesToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id|name>...",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				ids := make([]int64, 0, len(args))
				for _, ref := range args {
					e, err := lookupEntry(ctx, st, ref)
					if err != nil {
						return err
					}
					ids = append(ids, e.ID)
				}
				n, err := st.SetEnabled(ctx, ids, enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d of %d entries\n", pastTense(verb), n, len(ids))
				return nil
			})
		},
	}
}

func pastTense(verb string) string {
	return strings.ToUpper(verb[:1]) + verb[1:] + "d"
}

func entriesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				e, err := lookupEntry(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteEntry(ctx, e.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted entry %d (%s)\n", e.ID, e.Name)
				return nil
			})
		},
	}
}

func entriesRunCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "run <id|name>",
		Short: "Dispatch an entry once, outside its schedule",
		Long: `Dispatch an entry once through the configured sink. The run is not
recorded against the entry, so its schedule is unaffected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefixes := []string{"store."}
			if !printOnly {
				prefixes = append(prefixes, "sink.")
			}
			sess, err := app.Open(runParams(cmd), prefixes...)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()
			st, err := sess.Store()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := lookupEntry(ctx, st, args[0])
			if err != nil {
				return err
			}
			msg := dispatch.FromEntry(e, time.Now().UTC().Truncate(time.Second))

			out := cmd.OutOrStdout()
			if printOnly {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(msg)
			}
			sink, err := sess.Sink()
			if err != nil {
				return err
			}
			if err := sink.Submit(ctx, msg); err != nil {
				return err
			}
			fmt.Fprintf(out, "Dispatched %s as %s\n", e.Task, msg.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the message instead of submitting it")
	return cmd
}

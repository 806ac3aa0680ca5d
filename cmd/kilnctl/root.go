package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HatiCode/kilnpilot/pkg/client"
	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/summary"
	"github.com/HatiCode/kilnpilot/pkg/workflow"
)

type options struct {
	relayURL string
	timeout  time.Duration
	output   string
}

func (o *options) client() *client.RelayClient {
	return client.NewRelayClientWithTimeout(o.relayURL, o.timeout)
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "kilnctl",
		Short: "Operate the kilnpilot relay",
		Long: `kilnctl records cement plant readings, asks the relay for suggestions,
reviews them metric by metric and shows the autonomous summary.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q (want text or json)", opts.output)
		},
	}

	relayDefault := os.Getenv("KILNPILOT_RELAY")
	if relayDefault == "" {
		relayDefault = "http://localhost:5000"
	}
	cmd.PersistentFlags().StringVar(&opts.relayURL, "relay", relayDefault, "Relay base URL (env KILNPILOT_RELAY)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Request timeout")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text or json")

	cmd.AddCommand(
		submitCmd(opts),
		latestCmd(opts),
		historyCmd(opts),
		suggestCmd(opts),
		reviewCmd(opts),
		decideCmd(opts, "approve"),
		decideCmd(opts, "reject"),
		approvalsCmd(opts),
		summaryCmd(opts),
		dashboardCmd(opts),
		watchCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kilnctl version %s\n", Version)
			},
		},
	)
	return cmd
}

type readingFlags struct {
	temperature, pressure, emissions float64
	fuelType, rawMaterial, kilnType  string
}

func (f *readingFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "Kiln temperature")
	cmd.Flags().Float64Var(&f.pressure, "pressure", 0, "Kiln pressure")
	cmd.Flags().Float64Var(&f.emissions, "emissions", 0, "Emissions")
	cmd.Flags().StringVar(&f.fuelType, "fuel-type", "", "Fuel type")
	cmd.Flags().StringVar(&f.rawMaterial, "raw-material", "", "Raw material")
	cmd.Flags().StringVar(&f.kilnType, "kiln-type", "", "Kiln type")
	for _, name := range []string{"temperature", "pressure", "emissions"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *readingFlags) reading() plant.Reading {
	t, p, e := f.temperature, f.pressure, f.emissions
	return plant.Reading{
		Temperature: &t,
		Pressure:    &p,
		Emissions:   &e,
		FuelType:    f.fuelType,
		RawMaterial: f.rawMaterial,
		KilnType:    f.kilnType,
	}
}

func submitCmd(opts *options) *cobra.Command {
	var flags readingFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a reading as a new snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().SubmitReading(cmd.Context(), flags.reading())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, snap, func(w io.Writer) {
				fmt.Fprintf(w, "stored snapshot %s\n", snap.ID)
				printSnapshot(w, snap)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func latestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Show the latest snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().LatestSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, snap, func(w io.Writer) {
				printSnapshot(w, snap)
			})
		},
	}
}

func historyCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := opts.client().ListSnapshots(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, snaps, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tTEMPERATURE\tPRESSURE\tEMISSIONS")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.CreatedAt.Format(time.RFC3339),
						formatNumber(s.Temperature), formatNumber(s.Pressure), formatNumber(s.Emissions))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of snapshots")
	return cmd
}

func suggestCmd(opts *options) *cobra.Command {
	var flags readingFlags
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Ask for suggestions without storing the reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Suggest(cmd.Context(), flags.reading())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res, func(w io.Writer) {
				for _, m := range plant.Metrics {
					fmt.Fprintf(w, "%s (target %s %s)\n", m, formatNumber(res.Target.Value(m)), m.Unit())
					list := res.Suggestions.Get(m)
					if len(list) == 0 {
						fmt.Fprintln(w, "  no suggestions")
					}
					for _, s := range list {
						fmt.Fprintf(w, "  - %s\n", s)
					}
				}
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func reviewCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "Show the review of the latest snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Review(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, st, func(w io.Writer) {
				printReview(w, st)
			})
		},
	}
}

// decideCmd builds the approve and reject commands.
func decideCmd(opts *options, action string) *cobra.Command {
	metrics := make([]string, len(plant.Metrics))
	for i, m := range plant.Metrics {
		metrics[i] = string(m)
	}
	return &cobra.Command{
		Use:       action + " <metric>",
		Short:     strings.ToUpper(action[:1]) + action[1:] + " the suggestions for one metric",
		Args:      cobra.ExactArgs(1),
		ValidArgs: metrics,
		RunE: func(cmd *cobra.Command, args []string) error {
			metric, err := plant.ParseMetricName(args[0])
			if err != nil {
				return err
			}
			c := opts.client()
			if action == "reject" {
				st, err := c.Reject(cmd.Context(), metric)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, st, func(w io.Writer) {
					fmt.Fprintf(w, "%s rejected\n", metric)
				})
			}
			a, err := c.Approve(cmd.Context(), metric)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, a, func(w io.Writer) {
				fmt.Fprintf(w, "%s approved at %s %s (from %s)\n", metric, formatNumber(a.ApprovedValue), metric.Unit(), a.Source)
			})
		},
	}
}

func approvalsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List the stored approval of each metric",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := opts.client().Approvals(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, all, func(w io.Writer) {
				if len(all) == 0 {
					fmt.Fprintln(w, "no approvals recorded")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "METRIC\tVALUE\tSOURCE\tSNAPSHOT\tAPPROVED")
				for _, m := range plant.Metrics {
					a, ok := all[m]
					if !ok {
						continue
					}
					fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\n", m, formatNumber(a.ApprovedValue), m.Unit(),
						a.Source, a.MetricID, a.ApprovedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
}

func dashboardCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "dashboard [view]",
		Short:     "Show or switch the active dashboard view",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(workflow.ViewMetrics), string(workflow.ViewSuggestions), string(workflow.ViewAutonomous)},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var (
				view workflow.View
				err  error
			)
			if len(args) == 1 {
				view, err = workflow.ParseView(args[0])
				if err != nil {
					return err
				}
				view, err = c.SetDashboard(cmd.Context(), view)
			} else {
				view, err = c.Dashboard(cmd.Context())
			}
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, map[string]workflow.View{"view": view}, func(w io.Writer) {
				fmt.Fprintf(w, "active view: %s\n", view)
			})
		},
	}
}

func summaryCmd(opts *options) *cobra.Command {
	var implement, dismiss bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the autonomous summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c   = opts.client()
				s   summary.Summary
				err error
			)
			switch {
			case implement:
				s, err = c.SetImplemented(cmd.Context(), true)
			case dismiss:
				s, err = c.SetImplemented(cmd.Context(), false)
			default:
				s, err = c.Summary(cmd.Context())
			}
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, s, func(w io.Writer) {
				if !s.Ready {
					fmt.Fprintln(w, "no snapshot recorded yet")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "METRIC\tCURRENT\tVALUE\tNOTE")
				for _, row := range s.Rows {
					fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\n", row.Metric, formatNumber(row.Current), row.Unit, row.Display, row.Note)
				}
				_ = tw.Flush()
				if s.Implemented {
					fmt.Fprintln(w, "marked ready to implement")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&implement, "implement", false, "Mark the approved values ready to implement")
	cmd.Flags().BoolVar(&dismiss, "dismiss", false, "Clear the ready-to-implement mark")
	cmd.MarkFlagsMutuallyExclusive("implement", "dismiss")
	return cmd
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream relay events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// the request timeout does not apply to a long-lived stream
			c := client.NewRelayClientWithTimeout(opts.relayURL, 0)
			out := cmd.OutOrStdout()
			return c.Watch(ctx, func(e client.Event) error {
				if opts.output == "json" {
					return json.NewEncoder(out).Encode(e)
				}
				fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.TimeOnly), e.Type, e.Payload)
				return nil
			})
		},
	}
}

func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printSnapshot(w io.Writer, s plant.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", s.ID)
	fmt.Fprintf(tw, "created\t%s\n", s.CreatedAt.Format(time.RFC3339))
	for _, m := range plant.Metrics {
		fmt.Fprintf(tw, "%s\t%s %s\n", m, formatNumber(s.Value(m)), m.Unit())
	}
	for _, kv := range [][2]string{{"fuel type", s.FuelType}, {"raw material", s.RawMaterial}, {"kiln type", s.KilnType}} {
		if kv[1] != "" {
			fmt.Fprintf(tw, "%s\t%s\n", kv[0], kv[1])
		}
	}
	_ = tw.Flush()
}

func printReview(w io.Writer, st workflow.Status) {
	if st.SnapshotID == "" {
		fmt.Fprintln(w, "no snapshot under review")
		return
	}
	fmt.Fprintf(w, "snapshot %s", st.SnapshotID)
	switch {
	case st.Loading:
		fmt.Fprint(w, " (loading suggestions)")
	case st.Error != "":
		fmt.Fprintf(w, " (suggestions failed: %s)", st.Error)
	case st.Degraded:
		fmt.Fprint(w, " (generator output unreadable)")
	case st.Complete:
		fmt.Fprint(w, " (complete)")
	}
	fmt.Fprintln(w)

	for _, m := range st.Metrics {
		fmt.Fprintf(w, "%s: %s %s, target %s, %s", m.Metric, formatNumber(m.Current), m.Unit, formatNumber(m.Target), m.State)
		if m.ApprovedValue != nil {
			fmt.Fprintf(w, " at %s", formatNumber(*m.ApprovedValue))
		}
		fmt.Fprintln(w)
		for _, s := range m.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

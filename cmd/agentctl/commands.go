package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"flowagent/internal/classify"
	"flowagent/internal/eventbus"
	"flowagent/internal/model"
	"flowagent/internal/sla"
	"flowagent/internal/store"
	"flowagent/pkg/outbox"
)

func classifyCmd(opts *options) *cobra.Command {
	var tz string
	var decide bool
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Run the rule-based classifier on free text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("invalid --tz: %w", err)
			}
			engine := classify.New(classify.WithLocation(loc))
			text := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if decide {
				d := engine.Decide(text)
				if opts.json {
					return printJSON(out, d)
				}
				renderDecision(out, d)
				return nil
			}

			a := engine.Analyze(text)
			if opts.json {
				return printJSON(out, a)
			}
			renderAnalysis(out, a)
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA time zone used to resolve dates")
	cmd.Flags().BoolVar(&decide, "decide", false, "print the rules-mode decision instead of the analysis")
	return cmd
}

func renderAnalysis(w io.Writer, a classify.Analysis) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Intent")
	tw.AppendHeader(table.Row{"Intent", "Task Type", "Confidence", "Matches", "Priority"})
	tw.AppendRow(table.Row{a.Intent.Intent, a.Intent.TaskType, fmt.Sprintf("%.2f", a.Intent.Confidence), a.Intent.Matches, a.Priority})
	tw.Render()

	et := table.NewWriter()
	et.SetOutputMirror(w)
	et.SetTitle("Entities")
	et.AppendHeader(table.Row{"Kind", "Raw", "Resolved"})
	for _, d := range a.Entities.Dates {
		resolved := "-"
		if d.Date != nil {
			resolved = d.Date.Format("2006-01-02 Mon")
		}
		et.AppendRow(table.Row{"date", d.Raw, resolved})
	}
	for _, t := range a.Entities.Times {
		resolved := "-"
		if t.Value != nil {
			resolved = *t.Value
		}
		et.AppendRow(table.Row{"time", t.Raw, resolved})
	}
	for _, d := range a.Entities.Durations {
		resolved := "-"
		if d.Minutes != nil {
			resolved = fmt.Sprintf("%d min", *d.Minutes)
		}
		et.AppendRow(table.Row{"duration", d.Raw, resolved})
	}
	for _, p := range a.Entities.Participants {
		et.AppendRow(table.Row{"participant", p, p})
	}
	if a.Entities.Subject != nil {
		et.AppendRow(table.Row{"subject", *a.Entities.Subject, *a.Entities.Subject})
	}
	if a.Entities.Location != nil {
		et.AppendRow(table.Row{"location", *a.Entities.Location, *a.Entities.Location})
	}
	for _, p := range a.Entities.PriorityIndicators {
		et.AppendRow(table.Row{"priority", p, p})
	}
	et.Render()
}

func renderDecision(w io.Writer, d model.AgentDecisionResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("%s (confidence %.2f)", d.Intent, d.Confidence))
	tw.AppendHeader(table.Row{"Action", "Params"})
	for _, a := range d.Actions {
		keys := make([]string, 0, len(a.Params))
		for k, v := range a.Params {
			keys = append(keys, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(keys)
		tw.AppendRow(table.Row{a.Type, strings.Join(keys, "\n")})
	}
	tw.AppendFooter(table.Row{"Reasoning", d.Reasoning})
	tw.Render()
}

func slaCheckCmd(opts *options) *cobra.Command {
	var orgID, taskID string
	cmd := &cobra.Command{
		Use:   "sla-check",
		Short: "Run an SLA check against PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" && taskID == "" {
				return fmt.Errorf("--org or --task is required")
			}
			ctx := cmd.Context()
			pool, cfg, log, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			st := store.NewPostgresStore(pool, log)
			monitor := sla.NewMonitor(st, eventbus.New(log), sla.Config{
				WarningThreshold: cfg.SLA.WarningThreshold,
				BreachThreshold:  cfg.SLA.BreachThreshold,
				Concurrency:      cfg.SLA.Concurrency,
			}, log)
			out := cmd.OutOrStdout()

			if taskID != "" {
				res, err := monitor.CheckTaskSLA(ctx, taskID)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, res)
				}
				renderTaskSLA(out, res)
				return nil
			}

			summary, err := monitor.CheckOrganization(ctx, orgID)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, summary)
			}
			renderSLASummary(out, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id to scan")
	cmd.Flags().StringVar(&taskID, "task", "", "check a single task instead of a whole org")
	return cmd
}

func renderTaskSLA(w io.Writer, r sla.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Task", "Status", "Elapsed (min)", "Expected (min)", "Used"})
	tw.AppendRow(table.Row{r.TaskID, r.Status, r.ElapsedMinutes, r.ExpectedMinutes, fmt.Sprintf("%.0f%%", r.Percentage*100)})
	tw.Render()
}

var slaStatusOrder = []sla.Status{
	sla.StatusOK, sla.StatusWarned, sla.StatusAlreadyWarned,
	sla.StatusBreached, sla.StatusAlreadyBreached,
	sla.StatusSkippedTerminal, sla.StatusSkippedNoSLA,
}

func renderSLASummary(w io.Writer, s sla.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("SLA scan for %s: %d tasks in %s", s.OrgID, s.Checked, s.Duration.Round(time.Millisecond)))
	tw.AppendHeader(table.Row{"Status", "Tasks"})
	for _, st := range slaStatusOrder {
		if n := s.Counts[st]; n > 0 {
			tw.AppendRow(table.Row{st, n})
		}
	}
	tw.Render()

	if len(s.Errors) == 0 {
		return
	}
	et := table.NewWriter()
	et.SetOutputMirror(w)
	et.SetTitle("Errors")
	et.AppendHeader(table.Row{"Task", "Error"})
	for _, e := range s.Errors {
		et.AppendRow(table.Row{e.TaskID, e.Error})
	}
	et.Render()
}

func outboxReplayCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox-replay",
		Short: "Move failed outbox rows back to pending so the dispatcher republishes them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, log, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			ids, err := outbox.ReplayFailed(ctx, outbox.NewRepository(pool), limit, log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, map[string]any{"requeued": ids})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Outbox ID"})
			for _, id := range ids {
				tw.AppendRow(table.Row{id})
			}
			tw.AppendFooter(table.Row{fmt.Sprintf("%d requeued", len(ids))})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to requeue")
	return cmd
}

func decisionsCmd(opts *options) *cobra.Command {
	var orgID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recorded decisions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, log, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			records, err := store.NewPostgresStore(pool, log).ListDecisions(ctx, store.DecisionFilter{
				OrgID:  orgID,
				Status: model.DecisionStatus(strings.ToUpper(status)),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, records)
			}
			renderDecisions(out, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (executed, failed, requires_approval, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func renderDecisions(w io.Writer, records []model.DecisionRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Created", "Org", "Intent", "Confidence", "Type", "Status", "Error"})
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.ID, r.CreatedAt.Format(time.RFC3339), r.OrgID, r.Intent,
			fmt.Sprintf("%.2f", r.Confidence), r.DecisionType, r.Status, r.ErrorCode,
		})
	}
	tw.Render()
}

package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/outreach/internal/classify"
	"github.com/linnemanlabs/outreach/internal/drip"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	blue   = color.New(color.FgBlue)
	bold   = color.New(color.Bold)
)

func statusLabel(s drip.Status) string {
	switch s {
	case drip.StatusActive:
		return green.Sprint(s)
	case drip.StatusPaused:
		return yellow.Sprint(s)
	case drip.StatusCompleted:
		return blue.Sprint(s)
	case drip.StatusCancelled:
		return red.Sprint(s)
	}
	return string(s)
}

func tierLabel(t classify.Tier) string {
	switch t {
	case classify.TierHigh:
		return red.Sprint(t)
	case classify.TierMedium:
		return yellow.Sprint(t)
	}
	return string(t)
}

func outcomeLabel(o drip.Outcome) string {
	switch o {
	case drip.OutcomeSuccess:
		return green.Sprint("✓")
	case drip.OutcomeTransient:
		return yellow.Sprint("!")
	}
	return red.Sprint("✗")
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func classifyCmd(a *app) *cobra.Command {
	var rec classify.Record

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Score a lead without enrolling it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := a.client().Classify(cmd.Context(), rec)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, cl, func() { printClassification(w, cl) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&rec.Company, "company", "", "organization name")
	f.StringVar(&rec.Title, "title", "", "contact job title")
	f.StringVar(&rec.Industry, "industry", "", "industry as recorded in the CRM")
	f.StringVar(&rec.Location, "location", "", "city or region")
	f.IntVar(&rec.CompanySize, "size", 0, "employee count")

	cmd.AddCommand(incidentCmd(a))
	return cmd
}

func printClassification(w io.Writer, cl *classify.Classification) {
	fmt.Fprintf(w, "Sector:   %s\n", cl.Sector)
	fmt.Fprintf(w, "Tier:     %s (score %d)\n", tierLabel(cl.Tier), cl.Score)
	fmt.Fprintf(w, "Sequence: %s\n", cl.SuggestedSequenceID)
	fmt.Fprintf(w, "Value:    %d\n", cl.EstimatedValue)
	fmt.Fprintf(w, "Respond:  within %s\n", cl.TargetResponseTime)
	if len(cl.Reasons) > 0 {
		fmt.Fprintln(w, "Reasons:")
		for _, r := range cl.Reasons {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func incidentCmd(a *app) *cobra.Command {
	var rec classify.IncidentRecord

	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Classify a service ticket by type and severity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rec.Title == "" && rec.Description == "" {
				return fmt.Errorf("--title or --description is required")
			}
			ic, err := a.client().ClassifyIncident(cmd.Context(), rec)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, ic, func() {
				fmt.Fprintf(w, "Type:     %s\n", ic.Type)
				fmt.Fprintf(w, "Severity: %s\n", ic.Severity)
				fmt.Fprintf(w, "Duration: %s\n", ic.EstimatedDuration)
				fmt.Fprintf(w, "Respond:  within %s\n", ic.TargetResponseTime)
				if len(ic.RequiredSkills) > 0 {
					fmt.Fprintf(w, "Skills:   %s\n", strings.Join(ic.RequiredSkills, ", "))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rec.Title, "title", "", "ticket title")
	f.StringVar(&rec.Description, "description", "", "ticket description")
	f.StringVar(&rec.Location, "location", "", "where the problem is")
	f.IntVar(&rec.AffectedUnits, "units", 0, "number of affected units")
	return cmd
}

func leadCmd(a *app) *cobra.Command {
	var l Lead

	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Classify a lead and enroll it on the suggested sequence",
		Long: `Submit a lead for intake. The lead is classified, stored as a contact and
enrolled on the sequence suggested for its sector, or on --sequence when given.
Submitting the same lead twice returns the existing enrollment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if l.Email == "" && l.Phone == "" && l.Social == "" {
				return fmt.Errorf("one of --email, --phone or --social is required")
			}
			res, err := a.client().IngestLead(cmd.Context(), &l)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, res, func() {
				verb := green.Sprint("enrolled")
				if res.Existing {
					verb = yellow.Sprint("already enrolled")
				}
				fmt.Fprintf(w, "%s %s on %s (%s)\n", bold.Sprint(res.ContactID), verb, res.SequenceID, res.EnrollmentID)
				printClassification(w, &res.Classification)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&l.ID, "id", "", "contact id (default: lowercased email)")
	f.StringVar(&l.Name, "name", "", "full name")
	f.StringVar(&l.FirstName, "first-name", "", "first name used in greetings")
	f.StringVar(&l.Email, "email", "", "email address")
	f.StringVar(&l.Phone, "phone", "", "phone number for voice and SMS steps")
	f.StringVar(&l.Social, "social", "", "social handle")
	f.StringVar(&l.Company, "company", "", "organization name")
	f.StringVar(&l.Title, "title", "", "job title")
	f.StringVar(&l.Industry, "industry", "", "industry")
	f.StringVar(&l.Location, "location", "", "city or region")
	f.IntVar(&l.CompanySize, "size", 0, "employee count")
	f.StringVar(&l.SequenceID, "sequence", "", "override the suggested sequence")
	f.StringToStringVar(&l.Vars, "var", nil, "extra template variables (key=value)")
	return cmd
}

func enrollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll CONTACT_ID SEQUENCE_ID",
		Short: "Enroll a stored contact on a sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().Enroll(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, res, func() {
				if res.Existing {
					fmt.Fprintf(w, "%s already enrolled on %s: %s\n", args[0], args[1], res.ID)
					return
				}
				fmt.Fprintf(w, "%s %s on %s: %s\n", green.Sprint("enrolled"), args[0], args[1], res.ID)
			})
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var o ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enrollments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client().List(cmd.Context(), o)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, list, func() {
				if len(list) == 0 {
					fmt.Fprintln(w, "No enrollments.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCONTACT\tSEQUENCE\tSTATUS\tSTEP\tNEXT DUE")
				for _, e := range list {
					next := when(e.NextDueAt)
					if !e.Status.Open() {
						next = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						e.ID, e.ContactID, e.SequenceID, statusLabel(e.Status), e.CurrentStep, next)
				}
				_ = tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Status, "status", "", "active, paused, completed or cancelled")
	f.StringVar(&o.Cause, "cause", "", "cancellation cause")
	f.StringVar(&o.SequenceID, "sequence", "", "sequence id")
	f.StringVar(&o.ContactID, "contact", "", "contact id")
	f.IntVar(&o.Limit, "limit", 0, "max results (server default 100)")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get ENROLLMENT_ID",
		Short: "Show an enrollment and its dispatch history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, d, func() { printDetail(w, d) })
		},
	}
}

func printDetail(w io.Writer, d *EnrollmentDetail) {
	e := d.Enrollment
	fmt.Fprintf(w, "Enrollment %s\n", bold.Sprint(e.ID))
	fmt.Fprintf(w, "  Contact:   %s\n", e.ContactID)
	fmt.Fprintf(w, "  Sequence:  %s\n", e.SequenceID)
	fmt.Fprintf(w, "  Status:    %s\n", statusLabel(e.Status))
	if e.Cause != drip.CauseNone {
		fmt.Fprintf(w, "  Cause:     %s (%s)\n", e.Cause, e.Reason)
	}
	fmt.Fprintf(w, "  Step:      %d\n", e.CurrentStep)
	if e.Status.Open() {
		fmt.Fprintf(w, "  Next due:  %s\n", when(e.NextDueAt))
	}
	if e.LastError != "" {
		fmt.Fprintf(w, "  Last err:  %s\n", e.LastError)
	}
	fmt.Fprintf(w, "  Created:   %s\n", when(e.CreatedAt))
	if !e.CompletedAt.IsZero() {
		fmt.Fprintf(w, "  Completed: %s\n", when(e.CompletedAt))
	}

	if len(d.Events) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Dispatches:")
	for _, ev := range d.Events {
		line := fmt.Sprintf("  %s step %d %-6s %s", outcomeLabel(ev.Outcome), ev.StepIndex, ev.Channel, when(ev.AttemptedAt))
		if ev.Error != "" {
			line += "  " + ev.Error
		}
		fmt.Fprintln(w, line)
	}
}

func controlCmd(a *app, use, short, done string, fn func(c *Client, cmd *cobra.Command, id string) (*drip.Enrollment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ENROLLMENT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := fn(a.client(), cmd, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, e, func() {
				fmt.Fprintf(w, "%s %s (%s)\n", done, e.ID, statusLabel(e.Status))
			})
		},
	}
}

func pauseCmd(a *app) *cobra.Command {
	return controlCmd(a, "pause", "Suspend an active enrollment", "paused",
		func(c *Client, cmd *cobra.Command, id string) (*drip.Enrollment, error) {
			return c.Pause(cmd.Context(), id)
		})
}

func resumeCmd(a *app) *cobra.Command {
	return controlCmd(a, "resume", "Reactivate a paused enrollment", "resumed",
		func(c *Client, cmd *cobra.Command, id string) (*drip.Enrollment, error) {
			return c.Resume(cmd.Context(), id)
		})
}

func cancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := controlCmd(a, "cancel", "Stop an enrollment for good", "cancelled",
		func(c *Client, cmd *cobra.Command, id string) (*drip.Enrollment, error) {
			return c.Cancel(cmd.Context(), id, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "", "why the enrollment is stopped")
	return cmd
}

func batchCmd(a *app) *cobra.Command {
	var (
		o    BatchOptions
		step int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Send a bounded batch of due steps now",
		Long: `Dispatch up to --size due steps immediately instead of waiting for the
scheduler. --step restricts the batch to one step number and --pace spaces
sends out on a single worker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("step") {
				o.Step = &step
			}
			rep, err := a.client().Batch(cmd.Context(), o)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, rep, func() {
				fmt.Fprintf(w, "due %d  sent %s  failed %s  recovered %d  remaining %d\n",
					rep.Due, green.Sprint(rep.Sent), red.Sprint(rep.Failed), rep.Recovered, rep.Remaining)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&step, "step", 0, "only steps with this number")
	f.IntVar(&o.BatchSize, "size", 50, "max enrollments to process")
	f.StringVar(&o.SequenceID, "sequence", "", "only this sequence")
	f.StringVar(&o.Pace, "pace", "", "minimum gap between sends, e.g. 2s")
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show enrollment counts by status and cause",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, st, func() {
				fmt.Fprintf(w, "Total %d, due now %d\n", st.Total, st.Due)
				for _, s := range []drip.Status{drip.StatusActive, drip.StatusPaused, drip.StatusCompleted, drip.StatusCancelled} {
					fmt.Fprintf(w, "  %-10s %d\n", statusLabel(s), st.ByStatus[s])
				}
				for _, c := range slices.Sorted(maps.Keys(st.ByCause)) {
					fmt.Fprintf(w, "  cause %-18s %d\n", c, st.ByCause[c])
				}
			})
		},
	}
}

func sequencesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sequences",
		Short: "List the sequence catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := a.client().Sequences(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return a.emit(w, seqs, func() {
				for _, s := range seqs {
					fmt.Fprintf(w, "%s  %s [%s]\n", bold.Sprint(s.ID), s.Name, s.Sector)
					for _, st := range s.Steps {
						fmt.Fprintf(w, "  %d  +%-10s %-7s %s\n", st.Index, st.DueAfter, st.Channel, st.Template)
					}
				}
			})
		},
	}
}

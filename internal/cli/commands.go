package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/submitter"
)

type requestFlags struct {
	kind     string
	target   string
	payload  string
	provider string
	name     string
	front    string
	back     string
	phone    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", string(models.KindDocumentSubmit), "PORTAL_SUBMIT or DOCUMENT_SUBMIT")
	cmd.Flags().StringVar(&f.target, "target", "", "service page URL on the portal")
	cmd.Flags().StringVar(&f.payload, "payload", "", "reference to the generated document to submit")
	cmd.Flags().StringVar(&f.provider, "provider", "", "approval app for PORTAL_SUBMIT (kakao, naver, pass, toss)")
	cmd.Flags().StringVar(&f.name, "name", "", "applicant name")
	cmd.Flags().StringVar(&f.front, "id-front", "", "first 6 digits of the resident registration number")
	cmd.Flags().StringVar(&f.back, "id-back", "", "last 7 digits of the resident registration number")
	cmd.Flags().StringVar(&f.phone, "phone", "", "applicant mobile number")
}

func (f *requestFlags) request() models.CreateRequest {
	return models.CreateRequest{
		Kind:          models.Kind(strings.ToUpper(f.kind)),
		ServiceTarget: f.target,
		PayloadRef:    f.payload,
		AuthProvider:  strings.ToLower(f.provider),
		IdentityFields: models.IdentityFields{
			Name:            f.name,
			ResidentIDFront: f.front,
			ResidentIDBack:  f.back,
			Phone:           f.phone,
		},
	}
}

func newSubmitCmd(opts *options) *cobra.Command {
	var rf requestFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a submission; DOCUMENT_SUBMIT is queued at once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client(cmd).Create(cmd.Context(), rf.request())
			if res.SubmissionID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "submission %s\n", res.SubmissionID)
			}
			if err != nil {
				return err
			}
			if res.JobID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "job        %s\n", res.JobID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state      %s\n", stateStyle(res.State).Render(string(res.State)))
			if res.State == models.StatusAuthPending {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Approve the request on your device, then run: submitctl confirm "+res.SubmissionID))
			}
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}

func newConfirmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm SUBMISSION_ID",
		Short: "Confirm the device approval of a PORTAL_SUBMIT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client(cmd).Confirm(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Authentication confirmed"))
			return nil
		},
	}
}

func newRestartAuthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-restart SUBMISSION_ID",
		Short: "Push a new approval request after the window expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client(cmd).RestartAuth(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("New approval request sent"))
			return nil
		},
	}
}

func newEnqueueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue SUBMISSION_ID",
		Short: "Queue a confirmed submission; repeated calls return the same job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := opts.client(cmd).Enqueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s\n", jobID)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "status SUBMISSION_ID",
		Short: "Show the current status snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client(cmd).Status(cmd.Context(), jobID, args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id (optional)")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "watch SUBMISSION_ID",
		Short: "Poll a queued submission until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client(cmd)
			s := submitter.New(c, opts.pollConfig(), opts.logger(cmd))
			ref := submitter.Ref{JobID: jobID, SubmissionID: args[0]}
			snap, err := s.Watch(cmd.Context(), ref, func(u submitter.Update) { printUpdate(cmd.OutOrStdout(), u) })
			return finish(cmd, snap, err)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id (optional)")
	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	var (
		rf          requestFlags
		approveWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, approve, enqueue and watch a submission in one go",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client(cmd)
			s := submitter.New(c, opts.pollConfig(), opts.logger(cmd))

			approve := promptApprover(cmd)
			if approveWait > 0 {
				approve = waitApprover(cmd, approveWait)
			}
			ref, snap, err := s.Submit(cmd.Context(), rf.request(), approve, func(u submitter.Update) {
				printUpdate(cmd.OutOrStdout(), u)
			})
			if ref.SubmissionID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("submission "+ref.SubmissionID+" job "+valueOr(ref.JobID, "-")))
			}
			return finish(cmd, snap, err)
		},
	}
	rf.register(cmd)
	cmd.Flags().DurationVar(&approveWait, "approve-wait", 0, "wait this long between confirm attempts instead of prompting")
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions known to the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := opts.client(cmd).List(cmd.Context(), models.Status(state), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%-36s  %-16s  %-14s  %4s  %s", "SUBMISSION", "KIND", "STATE", "PCT", "UPDATED")))
			for _, j := range jobs {
				fmt.Fprintf(w, "%-36s  %-16s  %s  %3d%%  %s\n",
					j.SubmissionID, j.Kind, stateStyle(j.Status).Render(fmt.Sprintf("%-14s", j.Status)), j.Progress,
					j.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// finish prints the terminal snapshot (when there is one) and passes err through.
func finish(cmd *cobra.Command, snap models.StatusSnapshot, err error) error {
	if snap.SubmissionID != "" && (snap.State.IsTerminal() || err == nil) {
		printSnapshot(cmd.OutOrStdout(), snap)
	}
	return err
}

func promptApprover(cmd *cobra.Command) submitter.Approver {
	in := bufio.NewReader(cmd.InOrStdin())
	return func(ctx context.Context, submissionID string, attempt int) error {
		if attempt == 1 {
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Approve the sign-in request on your device, then press Enter."))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("Not approved yet. Press Enter once it is done."))
		}
		lines := make(chan error, 1)
		go func() {
			_, err := in.ReadString('\n')
			lines <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lines:
			if err != nil {
				return fmt.Errorf("waiting for approval: %w", err)
			}
			return nil
		}
	}
}

func waitApprover(cmd *cobra.Command, every time.Duration) submitter.Approver {
	return func(ctx context.Context, submissionID string, attempt int) error {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("waiting %s for device approval (attempt %d)", every, attempt)))
		t := time.NewTimer(every)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

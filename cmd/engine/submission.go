package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"uci_middleware/internal/app"
	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSubmissionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "submission",
		Aliases: []string{"sub"},
		Short:   "Inspect and drive submissions",
	}
	cmd.AddCommand(
		newSubmissionCreateCmd(opts),
		newSubmissionAdvanceCmd(opts),
		newSubmissionMarkSentCmd(opts),
		newSubmissionRecordResponseCmd(opts),
		newSubmissionRecordErrorsCmd(opts),
		newSubmissionGetCmd(opts),
		newSubmissionListCmd(opts),
	)
	return cmd
}

// withRuntime opens the runtime for one command invocation.
func withRuntime(opts *rootOptions, fn func(cmd *cobra.Command, args []string, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), opts.cfg, nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, args, rt)
	}
}

func newSubmissionCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		correspondentCode string
		registerOnly      bool
		correspondentID   string
	)

	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Upload a file to the incoming area and open its submission",
		Long: "Upload a file to the incoming area and open its submission.\n" +
			"With --register-only the file is not uploaded; <file> is recorded as the input path.",
		Args: cobra.ExactArgs(1),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			ctx := cmd.Context()
			if registerOnly {
				corr := uuid.NullUUID{}
				if correspondentID != "" {
					id, err := uuid.Parse(correspondentID)
					if err != nil {
						return fmt.Errorf("invalid correspondent id: %w", err)
					}
					corr = uuid.NullUUID{UUID: id, Valid: true}
				}
				sub, err := rt.lifecycle.Create(ctx, filepath.Base(args[0]), args[0], corr)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			sub, err := rt.ingestion.Ingest(ctx, filepath.Base(args[0]), data, correspondentCode)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		}),
	}

	cmd.Flags().StringVar(&correspondentCode, "correspondent", "", "Correspondent business code")
	cmd.Flags().BoolVar(&registerOnly, "register-only", false, "Create the submission without uploading")
	cmd.Flags().StringVar(&correspondentID, "correspondent-id", "", "Correspondent id (with --register-only)")
	return cmd
}

func newSubmissionAdvanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id> <status>",
		Short: "Advance a submission to the next validation status",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			status, err := submission.ParseStatus(args[1])
			if err != nil {
				return err
			}
			sub, err := rt.lifecycle.AdvanceStatus(cmd.Context(), id, status)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		}),
	}
}

func newSubmissionMarkSentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-sent <id> <protocol>",
		Short: "Record that a submission was accepted for transmission",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			sub, err := rt.lifecycle.MarkAsSent(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		}),
	}
}

func newSubmissionRecordResponseCmd(opts *rootOptions) *cobra.Command {
	var outputName, outputPath string

	cmd := &cobra.Command{
		Use:   "record-response <id>",
		Short: "Record the counterpart's response and complete the submission",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			sub, err := rt.lifecycle.RecordResponse(cmd.Context(), id, outputName, outputPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		}),
	}

	cmd.Flags().StringVar(&outputName, "output-name", "", "Response file name")
	cmd.Flags().StringVar(&outputPath, "output-path", "", "Response file location")
	return cmd
}

// errorReportFile is the JSON layout accepted by record-errors.
type errorReportFile struct {
	Summary    string `json:"summary"`
	FlowErrors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"flow_errors"`
	ClaimErrors []struct {
		ClaimCode string `json:"claim_code"`
		Details   []struct {
			Code    string `json:"code"`
			XPath   string `json:"xpath"`
			Message string `json:"message"`
		} `json:"details"`
	} `json:"claim_errors"`
}

func (f errorReportFile) report() submission.ErrorReport {
	r := submission.ErrorReport{Summary: f.Summary}
	for _, fe := range f.FlowErrors {
		r.FlowErrors = append(r.FlowErrors, submission.FlowError{ErrorCode: fe.Code, Message: nullString(fe.Message)})
	}
	for _, ce := range f.ClaimErrors {
		claim := submission.ClaimError{ClaimCode: ce.ClaimCode}
		for _, d := range ce.Details {
			claim.Details = append(claim.Details, submission.ClaimErrorDetail{
				ErrorCode: d.Code,
				XPath:     d.XPath,
				Message:   nullString(d.Message),
			})
		}
		r.ClaimErrors = append(r.ClaimErrors, claim)
	}
	return r
}

func newSubmissionRecordErrorsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "record-errors <id> <report.json>",
		Short: "Attach a validation or exchange error report to a submission",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			var f errorReportFile
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("decode %s: %w", args[1], err)
			}
			res, err := rt.lifecycle.RecordErrors(cmd.Context(), id, f.report())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newWithErrorsView(res))
		}),
	}
}

func newSubmissionGetCmd(opts *rootOptions) *cobra.Command {
	var (
		byProtocol bool
		withErrors bool
	)

	cmd := &cobra.Command{
		Use:   "get <id|protocol>",
		Short: "Show one submission",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if byProtocol {
				sub, err := rt.lifecycle.GetByProtocol(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, newSubmissionView(sub))
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			if withErrors {
				res, err := rt.lifecycle.GetWithErrors(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(out, newWithErrorsView(res))
			}
			summary, err := rt.lifecycle.GetSummary(ctx, id)
			if err != nil {
				return err
			}
			view := newSubmissionView(summary.Submission)
			if summary.Correspondent != nil {
				view.CorrespondentCode = summary.Correspondent.Code
				view.CorrespondentName = summary.Correspondent.ConventionalName
			}
			return printJSON(out, view)
		}),
	}

	cmd.Flags().BoolVar(&byProtocol, "protocol", false, "Look up by exchange protocol instead of id")
	cmd.Flags().BoolVar(&withErrors, "errors", false, "Include flow and claim error records")
	return cmd
}

func newSubmissionListCmd(opts *rootOptions) *cobra.Command {
	var (
		status          string
		page, pageSize  int
		correspondentID string
		from, to        string
		pendingHours    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions by status, by correspondent or awaiting a response",
		RunE: withRuntime(opts, func(cmd *cobra.Command, args []string, rt *runtime) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case cmd.Flags().Changed("pending"):
				items, err := rt.lifecycle.ListPendingResponse(ctx, pendingHours)
				if err != nil {
					return err
				}
				return printJSON(out, newSubmissionViews(items))

			case correspondentID != "":
				id, err := uuid.Parse(correspondentID)
				if err != nil {
					return fmt.Errorf("invalid correspondent id: %w", err)
				}
				fromT, err := parseOptionalTime(from)
				if err != nil {
					return err
				}
				toT, err := parseOptionalTime(to)
				if err != nil {
					return err
				}
				items, err := rt.lifecycle.ListByCorrespondent(ctx, id, fromT, toT)
				if err != nil {
					return err
				}
				return printJSON(out, newSubmissionViews(items))

			default:
				st, err := submission.ParseStatus(status)
				if err != nil {
					return err
				}
				p, err := rt.lifecycle.ListByStatus(ctx, st, page, pageSize)
				if err != nil {
					return err
				}
				return printJSON(out, newPageView(p))
			}
		}),
	}

	cmd.Flags().StringVar(&status, "status", submission.StatusUploaded.String(), "Status name or id")
	cmd.Flags().IntVar(&page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "size", 50, "Page size")
	cmd.Flags().StringVar(&correspondentID, "correspondent-id", "", "List the submissions of one correspondent")
	cmd.Flags().StringVar(&from, "from", "", "Lower upload-date bound (RFC3339 or YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Upper upload-date bound (RFC3339 or YYYY-MM-DD, inclusive)")
	cmd.Flags().IntVar(&pendingHours, "pending", 0, "List Sent submissions with no response attempt in the last N hours")
	return cmd
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", v)
}

type submissionView struct {
	ID                      uuid.UUID  `json:"id"`
	Status                  string     `json:"status"`
	InputFileName           string     `json:"input_file_name"`
	InputFileFullPath       string     `json:"input_file_full_path"`
	OutputFileName          *string    `json:"output_file_name,omitempty"`
	OutputFileFullPath      *string    `json:"output_file_full_path,omitempty"`
	Protocol                *string    `json:"protocol,omitempty"`
	ValidationError         *string    `json:"validation_error,omitempty"`
	UploadDate              time.Time  `json:"upload_date"`
	SendDate                *time.Time `json:"send_date,omitempty"`
	LastResponseAttemptDate *time.Time `json:"last_response_attempt_date,omitempty"`
	ResponseDate            *time.Time `json:"response_date,omitempty"`
	CorrespondentID         *uuid.UUID `json:"correspondent_id,omitempty"`
	CorrespondentCode       string     `json:"correspondent_code,omitempty"`
	CorrespondentName       string     `json:"correspondent_name,omitempty"`
}

func newSubmissionView(s *submission.Submission) submissionView {
	v := submissionView{
		ID:                      s.ID,
		Status:                  s.Status.String(),
		InputFileName:           s.InputFileName,
		InputFileFullPath:       s.InputFileFullPath,
		OutputFileName:          strPtr(s.OutputFileName),
		OutputFileFullPath:      strPtr(s.OutputFileFullPath),
		Protocol:                strPtr(s.Protocol),
		ValidationError:         strPtr(s.ValidationError),
		UploadDate:              s.UploadDate,
		SendDate:                timePtr(s.SendDate),
		LastResponseAttemptDate: timePtr(s.LastResponseAttemptDate),
		ResponseDate:            timePtr(s.ResponseDate),
	}
	if s.CorrespondentID.Valid {
		id := s.CorrespondentID.UUID
		v.CorrespondentID = &id
	}
	return v
}

func newSubmissionViews(items []*submission.Submission) []submissionView {
	out := make([]submissionView, 0, len(items))
	for _, s := range items {
		out = append(out, newSubmissionView(s))
	}
	return out
}

type pageView struct {
	Items      []submissionView `json:"items"`
	TotalCount int              `json:"total_count"`
	PageNumber int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
}

func newPageView(p *app.Page) pageView {
	return pageView{
		Items:      newSubmissionViews(p.Items),
		TotalCount: p.TotalCount,
		PageNumber: p.PageNumber,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages(),
	}
}

type withErrorsView struct {
	Submission  submissionView          `json:"submission"`
	FlowErrors  []submission.FlowError  `json:"flow_errors"`
	ClaimErrors []submission.ClaimError `json:"claim_errors"`
}

func newWithErrorsView(w *submission.WithErrors) withErrorsView {
	return withErrorsView{
		Submission:  newSubmissionView(w.Submission),
		FlowErrors:  w.FlowErrors,
		ClaimErrors: w.ClaimErrors,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

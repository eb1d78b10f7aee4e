package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/telekom/mail-courier/pkg/campaign"
	"github.com/telekom/mail-courier/pkg/courier/output"
	"github.com/telekom/mail-courier/pkg/system"
)

// ErrCampaignRejected is returned by send when the governor refused the
// campaign before any message went out.
var ErrCampaignRejected = errors.New("campaign rejected")

func NewSendCommand() *cobra.Command {
	var (
		file     string
		retryOut string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one bulk campaign described in a YAML or JSON file",
		Example: `  courier send --file campaign.yaml
  courier send --file campaign.yaml -o json --retry-out retry.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := rt.Format()
			if err != nil {
				return err
			}
			req, err := loadRequest(file)
			if err != nil {
				return err
			}
			cfg, err := rt.LoadConfig()
			if err != nil {
				return err
			}
			zlog, err := system.NewLogger(rt.debug)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer func() { _ = zlog.Sync() }()

			svc, err := NewServices(cfg, nil, zlog)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runCampaign(ctx, rt.Writer(), format, svc.Orchestrator, req, retryOut)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Campaign request file (YAML or JSON)")
	cmd.Flags().StringVar(&retryOut, "retry-out", "", "Write a follow-up request for retryable failures to this file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadRequest(path string) (*campaign.BulkSendRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading campaign file %s: %w", path, err)
	}
	var req campaign.BulkSendRequest
	if err := yaml.UnmarshalStrict(data, &req); err != nil {
		return nil, fmt.Errorf("parsing campaign file %s: %w", path, err)
	}
	return &req, nil
}

type campaignRunner interface {
	ProcessBulkEmail(ctx context.Context, req *campaign.BulkSendRequest) (*campaign.BulkSendResult, error)
}

func runCampaign(ctx context.Context, w io.Writer, format output.Format, runner campaignRunner, req *campaign.BulkSendRequest, retryOut string) error {
	res, err := runner.ProcessBulkEmail(ctx, req)
	if err != nil {
		return err
	}

	if format == output.FormatTable {
		output.WriteCampaignSummary(w, res)
		if len(res.Failures) > 0 {
			_, _ = fmt.Fprintln(w)
			output.WriteFailureTable(w, res.Failures)
		}
	} else if err := output.WriteObject(w, format, res); err != nil {
		return err
	}

	if res.Rejected {
		reason := "unknown"
		if res.Admission != nil {
			reason = string(res.Admission.Reason)
		}
		return fmt.Errorf("%w: %s", ErrCampaignRejected, reason)
	}

	if retryOut == "" {
		return nil
	}
	next, err := campaign.RetryRequest(req, res, "")
	if errors.Is(err, campaign.ErrNothingToRetry) {
		return nil
	}
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding retry request: %w", err)
	}
	if err := os.WriteFile(retryOut, data, 0o600); err != nil {
		return fmt.Errorf("writing retry request %s: %w", retryOut, err)
	}
	_, _ = fmt.Fprintf(w, "retry request for %d recipient(s) written to %s\n", len(next.Recipients), retryOut)
	return nil
}

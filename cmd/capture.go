package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// ErrFailures is returned when --fail-on-error is set and any page failed.
	ErrFailures = errors.New("one or more pages failed")
	// ErrNoURLs is returned when capture is run without any --url.
	ErrNoURLs = errors.New("at least one --url is required")
)

type captureOptions struct {
	urls        []string
	selectors   []string
	failOnError bool
}

func newCaptureCmd() *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Visit URLs and snapshot every distinct failure",
		Example: `  errsnap capture --url https://shop.example/item/1 --selector '#price'
  errsnap capture --headless --url https://shop.example/item/1 --url https://shop.example/item/2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "URL to visit (repeatable)")
	cmd.Flags().StringSliceVar(&opts.selectors, "selector", nil, "CSS selector every page must contain (repeatable)")
	cmd.Flags().BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero when any page failed")
	return cmd
}

func runCapture(cmd *cobra.Command, opts *captureOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer appInstance.Close()

	if len(opts.urls) == 0 {
		return ErrNoURLs
	}
	if len(opts.selectors) > 0 {
		appInstance.RequireSelectors(opts.selectors...)
	}

	summary := appInstance.Run(cmd.Context(), opts.urls)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if opts.failOnError && summary.Total > 0 {
		return ErrFailures
	}
	return nil
}

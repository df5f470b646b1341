package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runOptions struct {
	payload      string
	tagName      string
	tagValues    string
	targetRegion string
	failOnError  bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform a single invocation and print its summary",
		Long: `Perform a single invocation and print its summary as JSON.

The invocation payload is taken from --payload, exactly as the trigger would send it, and
then overridden by --tag-name, --tag-values and --target-region. Fields given nowhere fall
back to the configured defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := opts.buildPayload(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cmd, payload, opts.failOnError)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.payload, "payload", "", "trigger payload as a JSON object")
	flags.StringVar(&opts.tagName, "tag-name", "", "tag key to select instances by")
	flags.StringVar(&opts.tagValues, "tag-values", "", `JSON list of tag values, e.g. '["day"]'`)
	flags.StringVar(&opts.targetRegion, "target-region", "", "region to act on")
	flags.BoolVar(&opts.failOnError, "fail-on-error", false,
		"exit non-zero if any instance or phase failed")
	return cmd
}

// buildPayload merges the individual flags into the --payload object. Only flags that were
// set are written, so absent fields still get their defaults from the parser.
func (o runOptions) buildPayload(cmd *cobra.Command) (json.RawMessage, error) {
	fields := map[string]interface{}{}
	if o.payload != "" {
		if err := json.Unmarshal([]byte(o.payload), &fields); err != nil {
			return nil, errors.Wrap(err, "--payload must be a JSON object")
		}
	}
	if cmd.Flags().Changed("tag-name") {
		fields["tag_name"] = o.tagName
	}
	if cmd.Flags().Changed("tag-values") {
		fields["tag_values"] = o.tagValues
	}
	if cmd.Flags().Changed("target-region") {
		fields["region"] = o.targetRegion
	}
	bs, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode payload")
	}
	return bs, nil
}

func runOnce(ctx context.Context, cmd *cobra.Command, payload json.RawMessage, strict bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	summary, err := a.invoke(ctx, "", payload)
	if err != nil {
		return err
	}

	bs, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode summary")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bs))

	if strict && summary.HasFailures() {
		return errors.Errorf("invocation %s had failures: %s", summary.InvocationID, summary)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/spf13/cobra"

	"github.com/determined-ai/fleetsched/internal/scheduler"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve invocations from the AWS Lambda runtime",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLambda()
	},
}

func runLambda() error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	// lambda.Start does not return.
	lambda.Start(a.handleLambda)
	return nil
}

// handleLambda receives the trigger payload verbatim. The Lambda request ID doubles as the
// invocation ID so log lines can be matched to the function's own logs.
func (a *app) handleLambda(
	ctx context.Context, payload json.RawMessage,
) (*scheduler.InvocationSummary, error) {
	var invocationID string
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		invocationID = lc.AwsRequestID
	}
	return a.invoke(ctx, invocationID, payload)
}

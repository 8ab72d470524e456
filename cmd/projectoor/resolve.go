package main

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type resolveFlags struct {
	projectID       string
	preferExact     bool
	rejectAmbiguous bool
	json            bool
}

// resolveOutput is the --json shape of a resolution.
type resolveOutput struct {
	Input    string          `json:"input"`
	ID       string          `json:"id"`
	Resolved bool            `json:"resolved"`
	Result   *resolve.Result `json:"result,omitempty"`
}

func newResolveCmd(log *logrus.Logger, gf *globalFlags) *cobra.Command {
	var rf resolveFlags

	cmd := &cobra.Command{
		Use:   "resolve TYPE VALUE",
		Short: "Resolve a human identifier to a numeric ID",
		Long: fmt.Sprintf(`Resolve an email, name, project number or task number to a numeric ID.

Numeric values are returned unchanged without a lookup. Supported types: %v`, resolve.Types()),
		Example: `  projectoor resolve person john@example.com
  projectoor resolve project PRJ-123
  projectoor resolve service Development --project-id 500`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), log, gf, &rf, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&rf.projectID, "project-id", "",
		"Scope project-bound lookups such as services to this project")
	cmd.Flags().BoolVar(&rf.preferExact, "prefer-exact", false,
		"Pick the candidate whose name matches exactly instead of the first")
	cmd.Flags().BoolVar(&rf.rejectAmbiguous, "reject-ambiguous", false,
		"Fail instead of taking the first of several matches")
	cmd.Flags().BoolVar(&rf.json, "json", false,
		"Print the resolution as JSON")

	return cmd
}

func runResolve(
	ctx context.Context,
	log *logrus.Logger,
	gf *globalFlags,
	rf *resolveFlags,
	typ, value string,
) error {
	rt, err := resolve.ParseResourceType(typ)
	if err != nil {
		return err
	}

	cfg, err := gf.loadConfig(log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, log, cfg, resolve.NeedsResolution(value))
	if err != nil {
		return err
	}

	defer a.close()

	var opts []resolve.Option
	if rf.projectID != "" {
		opts = append(opts, resolve.WithProjectID(rf.projectID))
	}

	if rf.preferExact {
		opts = append(opts, resolve.PreferExact())
	}

	if rf.rejectAmbiguous {
		opts = append(opts, resolve.RejectAmbiguous())
	}

	id, result, err := a.resolver.ResolveValue(ctx, value, rt, opts...)
	if err != nil {
		return err
	}

	if !rf.json {
		fmt.Println(id)

		return nil
	}

	out, err := sonic.ConfigStd.MarshalIndent(resolveOutput{
		Input:    value,
		ID:       id,
		Resolved: result != nil,
		Result:   result,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding resolution: %w", err)
	}

	fmt.Println(string(out))

	return nil
}

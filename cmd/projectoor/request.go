package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/projectoor/pkg/dispatcher"
	"github.com/ethpandaops/projectoor/pkg/resolve"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type requestFlags struct {
	query    []string
	resolve  []string
	data     string
	dataFile string
	ttl      time.Duration
	strict   bool
	meta     bool
}

func newRequestCmd(log *logrus.Logger, gf *globalFlags) *cobra.Command {
	var rf requestFlags

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send a request through the resolver, cache and rate limiter",
		Example: `  projectoor request GET /tasks --query filter[assignee_id]=john@example.com --resolve assignee_id=person
  projectoor request GET /projects/123
  projectoor request PATCH /tasks/9 --data-file task.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.Context(), log, gf, &rf, args[0], args[1])
		},
	}

	cmd.Flags().StringArrayVarP(&rf.query, "query", "q", nil,
		"Query parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&rf.resolve, "resolve", "r", nil,
		"Resolve a filter as name=type, e.g. assignee_id=person (repeatable)")
	cmd.Flags().StringVarP(&rf.data, "data", "d", "",
		"Request body")
	cmd.Flags().StringVar(&rf.dataFile, "data-file", "",
		"Read the request body from a file (- for stdin)")
	cmd.Flags().DurationVar(&rf.ttl, "ttl", 0,
		"Override the cache TTL for this read")
	cmd.Flags().BoolVar(&rf.strict, "strict", false,
		"Fail when a filter value cannot be resolved")
	cmd.Flags().BoolVar(&rf.meta, "meta", false,
		"Print status, cache and resolution details to stderr")

	return cmd
}

func runRequest(
	ctx context.Context,
	log *logrus.Logger,
	gf *globalFlags,
	rf *requestFlags,
	method, path string,
) error {
	query, err := parseQuery(rf.query)
	if err != nil {
		return err
	}

	mapping, err := parseResolve(rf.resolve)
	if err != nil {
		return err
	}

	body, err := readBody(rf.data, rf.dataFile)
	if err != nil {
		return err
	}

	cfg, err := gf.loadConfig(log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, log, cfg, true)
	if err != nil {
		return err
	}

	defer a.close()

	req := &dispatcher.Request{
		Method:  strings.ToUpper(method),
		Path:    path,
		Query:   query,
		Body:    body,
		Resolve: mapping,
		NoCache: gf.noCache,
		TTL:     rf.ttl,
	}

	if rf.strict {
		req.ResolveOptions = append(req.ResolveOptions, resolve.Strict())
	}

	resp, err := a.dispatcher.Do(ctx, req)
	if err != nil {
		return err
	}

	if rf.meta {
		meta, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding response details: %w", err)
		}

		fmt.Fprintln(os.Stderr, string(meta))
	}

	if _, err := os.Stdout.Write(resp.Body); err != nil {
		return err
	}

	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Println()
	}

	return nil
}

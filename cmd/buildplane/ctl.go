package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/drewstone/docker-builder-platform/pkg/api/client"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running API",
}

var (
	ctlProjectCmd = &cobra.Command{Use: "project", Short: "Manage projects"}
	ctlBuildCmd   = &cobra.Command{Use: "build", Short: "Submit and inspect builds"}
	ctlCacheCmd   = &cobra.Command{Use: "cache", Short: "Inspect and maintain project caches"}
	ctlBuilderCmd = &cobra.Command{Use: "builder", Short: "Inspect and remove builder nodes"}
)

func init() {
	ctlCmd.PersistentFlags().String("api", envOr("BUILDPLANE_API", "http://localhost:3000"), "API base URL")
	ctlCmd.PersistentFlags().String("token", os.Getenv("BUILDPLANE_TOKEN"), "Bearer token")
	ctlCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	ctlCmd.AddCommand(ctlProjectCmd, ctlBuildCmd, ctlCacheCmd, ctlBuilderCmd)

	projectCreate := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			region, _ := cmd.Flags().GetString("region")
			autoscale, _ := cmd.Flags().GetBool("autoscaling")
			return cli.CreateProject(ctx, apiclient.CreateProjectInput{Name: args[0], Region: region, Autoscaling: autoscale})
		}),
	}
	projectCreate.Flags().String("region", "", "Preferred builder region")
	projectCreate.Flags().Bool("autoscaling", false, "Provision builders on demand")
	projectSettings := &cobra.Command{
		Use:   "settings PROJECT_ID",
		Short: "Change a project's scheduling and cache settings",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			input, err := settingsFromFlags(cmd)
			if err != nil {
				return nil, err
			}
			return cli.UpdateProjectSettings(ctx, args[0], input)
		}),
	}
	projectSettings.Flags().Bool("autoscaling", false, "Provision builders on demand")
	projectSettings.Flags().Int("build-timeout-minutes", 0, "Build timeout in minutes")
	projectSettings.Flags().Int("retention-days", 0, "Days an unused cache entry is kept")
	projectSettings.Flags().StringToString("cache-target", nil, "Cache target in GB per architecture, e.g. amd64=20")

	projectUsage := &cobra.Command{
		Use:   "usage PROJECT_ID",
		Short: "Summarise a project's builds",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			days, _ := cmd.Flags().GetInt("days")
			return cli.Usage(ctx, args[0], days)
		}),
	}
	projectUsage.Flags().Int("days", 30, "Window in days")

	ctlProjectCmd.AddCommand(projectCreate, projectSettings, projectUsage,
		&cobra.Command{
			Use:   "get PROJECT_ID",
			Short: "Show a project",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return cli.GetProject(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "rm PROJECT_ID",
			Short: "Delete a project with its builds and cache",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return map[string]string{"status": "deleted"}, cli.DeleteProject(ctx, args[0])
			}),
		},
	)

	buildSubmit := &cobra.Command{
		Use:   "submit PROJECT_ID",
		Short: "Queue a build",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			input := apiclient.CreateBuildInput{ProjectID: args[0]}
			input.Dockerfile, _ = cmd.Flags().GetString("file")
			input.Context, _ = cmd.Flags().GetString("context")
			input.Platforms, _ = cmd.Flags().GetStringSlice("platform")
			input.Tags, _ = cmd.Flags().GetStringSlice("tag")
			input.Push, _ = cmd.Flags().GetBool("push")
			input.BuildArgs, _ = cmd.Flags().GetStringToString("build-arg")
			return cli.CreateBuild(ctx, input)
		}),
	}
	buildSubmit.Flags().StringP("file", "f", "Dockerfile", "Dockerfile path")
	buildSubmit.Flags().String("context", ".", "Build context")
	buildSubmit.Flags().StringSlice("platform", []string{"linux/amd64"}, "Target platforms")
	buildSubmit.Flags().StringSliceP("tag", "t", nil, "Image tags")
	buildSubmit.Flags().Bool("push", false, "Push the result")
	buildSubmit.Flags().StringToString("build-arg", nil, "Build arguments")

	buildList := &cobra.Command{
		Use:   "ls PROJECT_ID",
		Short: "List a project's builds",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return cli.ListBuilds(ctx, args[0], status, limit, offset)
		}),
	}
	buildList.Flags().String("status", "", "Only builds in this status")
	buildList.Flags().Int("limit", 30, "Page size")
	buildList.Flags().Int("offset", 0, "Page offset")

	ctlBuildCmd.AddCommand(buildSubmit, buildList,
		&cobra.Command{
			Use:   "get BUILD_ID",
			Short: "Show a build",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return cli.GetBuild(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "cancel BUILD_ID",
			Short: "Cancel a queued or running build",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return cli.CancelBuild(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "retry BUILD_ID",
			Short: "Queue a finished build again",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return cli.RetryBuild(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "logs BUILD_ID",
			Short: "Print a build's output",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel, cli, err := newClient(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				lines, err := cli.BuildLogs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), line.Message)
				}
				return nil
			},
		},
	)

	cachePrune := &cobra.Command{
		Use:   "prune PROJECT_ID",
		Short: "Evict least recently used entries down to a target size",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error) {
			target, _ := cmd.Flags().GetFloat64("target-gb")
			freed, err := cli.PruneCache(ctx, args[0], target)
			return map[string]float64{"prunedGB": freed}, err
		}),
	}
	cachePrune.Flags().Float64("target-gb", 0, "Target size in GB, zero uses the project setting")
	ctlCacheCmd.AddCommand(cachePrune,
		&cobra.Command{
			Use:   "stats PROJECT_ID",
			Short: "Show cache statistics",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return cli.CacheStats(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "reset PROJECT_ID",
			Short: "Delete every cache entry of a project",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return map[string]string{"status": "reset"}, cli.ResetCache(ctx, args[0])
			}),
		},
	)

	ctlBuilderCmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List builder nodes",
			Args:  cobra.NoArgs,
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, _ []string) (any, error) {
				return cli.ListBuilders(ctx)
			}),
		},
		&cobra.Command{
			Use:   "rm BUILDER_ID",
			Short: "Scale a builder node down",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, cli *apiclient.Client, _ *cobra.Command, args []string) (any, error) {
				return map[string]string{"status": "terminating"}, cli.RemoveBuilder(ctx, args[0])
			}),
		},
	)
}

// settingsFromFlags sends only the flags that were set.
func settingsFromFlags(cmd *cobra.Command) (apiclient.ProjectSettingsInput, error) {
	var input apiclient.ProjectSettingsInput
	flags := cmd.Flags()
	if flags.Changed("autoscaling") {
		v, _ := flags.GetBool("autoscaling")
		input.Autoscaling = &v
	}
	if flags.Changed("build-timeout-minutes") {
		v, _ := flags.GetInt("build-timeout-minutes")
		input.BuildTimeoutMinutes = &v
	}
	if flags.Changed("retention-days") {
		v, _ := flags.GetInt("retention-days")
		input.CacheRetentionDays = &v
	}
	targets, _ := flags.GetStringToString("cache-target")
	for arch, raw := range targets {
		gb, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return input, fmt.Errorf("cache target for %s: %w", arch, err)
		}
		if input.CacheTargetGB == nil {
			input.CacheTargetGB = make(map[string]float64)
		}
		input.CacheTargetGB[arch] = gb
	}
	return input, nil
}

type clientFunc func(ctx context.Context, cli *apiclient.Client, cmd *cobra.Command, args []string) (any, error)

// withClient runs fn against the configured API and prints its result as JSON.
func withClient(fn clientFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel, cli, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		res, err := fn(ctx, cli, cmd, args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		if isTerminal(out) {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(res)
	}
}

// isTerminal reports whether w is an interactive terminal; piped output stays compact.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newClient(cmd *cobra.Command) (context.Context, context.CancelFunc, *apiclient.Client, error) {
	base, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cli, err := apiclient.New(base, apiclient.WithToken(token))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, cli, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

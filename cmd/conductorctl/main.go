// The `conductorctl` CLI is a thin client over the control plane's HTTP
// API, for operators who want to list projects and drive a run's review
// actions from a terminal instead of the web UI.
//
// Usage:
//
//	conductorctl projects                      — list your projects
//	conductorctl runs <project-id>              — list runs awaiting gates
//	conductorctl run <run-id>                   — show run details
//	conductorctl approve <run-id>                — approve_plan
//	conductorctl revise <run-id> <comment>       — revise_plan
//	conductorctl reject <run-id> <comment>       — reject_run
//	conductorctl retry <run-id>                  — retry
//	conductorctl cancel <run-id>                  — cancel
//	conductorctl grant-exception <run-id> <scope> <justification>
//	conductorctl deny-exception <run-id> <comment>
//	conductorctl version                          — version info
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/conductor-sh/conductor/internal/operator"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

type cliConfig struct {
	server     string
	session    string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.session)
	ctx := context.Background()

	switch command {
	case "projects":
		err = runProjects(ctx, client, cfg, args)
	case "runs":
		err = runRunsAwaitingGates(ctx, client, cfg, args)
	case "run":
		err = runRunDetails(ctx, client, cfg, args)
	case "approve":
		err = runSimpleAction(ctx, client, cfg, args, operator.ApprovePlan, 1)
	case "retry":
		err = runSimpleAction(ctx, client, cfg, args, operator.Retry, 1)
	case "cancel":
		err = runSimpleAction(ctx, client, cfg, args, operator.Cancel, 1)
	case "revise":
		err = runCommentAction(ctx, client, cfg, args, operator.RevisePlan)
	case "reject":
		err = runCommentAction(ctx, client, cfg, args, operator.RejectRun)
	case "deny-exception":
		err = runCommentAction(ctx, client, cfg, args, operator.DenyPolicyException)
	case "grant-exception":
		err = runGrantException(ctx, client, cfg, args)
	case "version":
		fmt.Printf("conductorctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:  defaultServer,
		session: os.Getenv("CONDUCTOR_SESSION"),
	}
	if v := os.Getenv("CONDUCTOR_SERVER"); v != "" {
		cfg.server = v
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--session":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--session requires a value")
			}
			cfg.session = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}
	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: conductorctl [--server <url>] [--session <token>] [--json] <command>

Commands:
  projects                                List your projects
  runs <project-id>                       List runs awaiting gates
  run <run-id>                            Show run details
  approve <run-id>                        approve_plan
  revise <run-id> <comment>               revise_plan
  reject <run-id> <comment>               reject_run
  retry <run-id>                          retry
  cancel <run-id>                         cancel
  grant-exception <run-id> <scope> <justification>
                                           grant_policy_exception
  deny-exception <run-id> <comment>       deny_policy_exception
`)
}

func runProjects(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: conductorctl projects")
	}
	projects, err := client.Projects(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, projects)
	}
	headers := []string{"ID", "FORGE ORG", "INSTALLATION", "DEFAULT BRANCH", "CREATED"}
	rows := make([][]string, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, []string{
			Truncate(p.ID, 20), p.ForgeOrgLogin, p.ForgeInstallationID, p.DefaultBranch, FormatTimeOrDash(p.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d projects\n", len(projects))
	return nil
}

func runRunsAwaitingGates(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: conductorctl runs <project-id>")
	}
	runs, err := client.RunsAwaitingGates(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, runs)
	}
	headers := []string{"ID", "TASK", "#", "BRANCH", "PHASE", "STEP"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			Truncate(r.ID, 20), Truncate(r.TaskID, 16), strconv.Itoa(r.RunNumber), r.Branch, ColorPhase(r.Phase), r.Step,
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runRunDetails(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: conductorctl run <run-id>")
	}
	run, err := client.Run(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	fmt.Printf("ID: %s\n", run.ID)
	fmt.Printf("Task: %s\n", run.TaskID)
	fmt.Printf("Project: %s\n", run.ProjectID)
	fmt.Printf("Run #: %d\n", run.RunNumber)
	fmt.Printf("Branch: %s\n", run.Branch)
	fmt.Printf("Phase: %s\n", ColorPhase(run.Phase))
	fmt.Printf("Step: %s\n", run.Step)
	if run.BlockedReason != "" {
		fmt.Printf("Blocked reason: %s\n", run.BlockedReason)
	}
	if run.Result != "" {
		fmt.Printf("Result: %s\n", run.Result)
	}
	fmt.Printf("Started: %s\n", FormatTimeOrDash(run.StartedAt))
	fmt.Printf("Updated: %s\n", FormatTimeOrDash(run.UpdatedAt))
	return nil
}

func runSimpleAction(ctx context.Context, client *APIClient, cfg cliConfig, args []string, kind operator.Kind, wantArgs int) error {
	if len(args) != wantArgs {
		return fmt.Errorf("usage: conductorctl %s <run-id>", kind)
	}
	run, err := client.RunAction(ctx, args[0], runActionPayload{Kind: string(kind)})
	if err != nil {
		return err
	}
	return printActionResult(cfg, run)
}

func runCommentAction(ctx context.Context, client *APIClient, cfg cliConfig, args []string, kind operator.Kind) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: conductorctl %s <run-id> <comment>", kind)
	}
	run, err := client.RunAction(ctx, args[0], runActionPayload{Kind: string(kind), Comment: args[1]})
	if err != nil {
		return err
	}
	return printActionResult(cfg, run)
}

func runGrantException(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: conductorctl grant-exception <run-id> <scope> <justification>")
	}
	run, err := client.RunAction(ctx, args[0], runActionPayload{
		Kind: string(operator.GrantPolicyException), Scope: args[1], Justification: args[2],
	})
	if err != nil {
		return err
	}
	return printActionResult(cfg, run)
}

func printActionResult(cfg cliConfig, run *Run) error {
	if run == nil {
		fmt.Println("accepted")
		return nil
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	fmt.Printf("run %s is now %s (%s)\n", run.ID, ColorPhase(run.Phase), run.Step)
	return nil
}

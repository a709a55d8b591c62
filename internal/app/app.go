// Package app implements the ghacache command line.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/internal/logging"
	"github.com/askiada/go-actions-cache/internal/workflow"
	"github.com/askiada/go-actions-cache/pkg/cache/s3cache"
)

// Dependencies holds everything the commands take from the outside world, so tests can replace it.
type Dependencies struct {
	Context    context.Context
	Out        io.Writer
	Err        io.Writer
	Environ    func() []string
	Getenv     func(string) string
	HTTPClient *http.Client
	OpenS3     func(ctx context.Context, cfg s3cache.Config, logger *zap.Logger) (*s3cache.Store, error)
	Executor   workflow.StepExecutor
	// Groups is shared by the runs of the process.
	Groups *workflow.Groups
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.Err == nil {
		d.Err = os.Stderr
	}
	if d.Environ == nil {
		d.Environ = os.Environ
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.OpenS3 == nil {
		d.OpenS3 = s3cache.Open
	}
	if d.Executor == nil {
		d.Executor = &workflow.ShellExecutor{Stdout: d.Out, Stderr: d.Err}
	}

	if d.Groups == nil {
		d.Groups = workflow.NewGroups()
	}

	return d
}

// CLI defines the command-line interface parsed by Kong.
type CLI struct {
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level"`
	LogFormat string `name:"log-format" default:"console" enum:"json,console" help:"Log format"`
	EnvFile   string `name:"env-file" help:"Path to .env file"`
	Measure   bool   `help:"Log the timings of every transfer stage. Small archives and misses are moved without stages"`
	GraphFile string `name:"graph-file" help:"Write the transfer stages as a Graphviz DOT file, captioned with the transfer outcome"`

	Restore   RestoreCmd   `cmd:"" help:"Restore a cache archive"`
	Save      SaveCmd      `cmd:"" help:"Save a cache archive"`
	ExportEnv ExportEnvCmd `cmd:"" name:"export-env" help:"Re-export prefixed environment variables to later steps"`
	Workflow  WorkflowCmd  `cmd:"" help:"Evaluate a workflow definition"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

type VersionCmd struct{}

// runContext carries what every command handler needs.
type runContext struct {
	ctx    context.Context
	cli    CLI
	deps   Dependencies
	logger *zap.Logger
}

type commandHandler func(rc runContext) error

// Run parses args and runs the selected command. It returns the process exit code.
func Run(args []string, deps Dependencies) int {
	deps = deps.withDefaults()

	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("ghacache"),
		kong.Description("GitHub Actions cache client and workflow helper."),
		kong.Writers(deps.Out, deps.Err),
	)
	if err != nil {
		fmt.Fprintln(deps.Err, "Error:", err)
		return 1
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(deps.Err, "Error:", err)
		return 1
	}

	if cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil {
			fmt.Fprintf(deps.Err, "Error: failed to load env file %s: %v\n", cli.EnvFile, err)
			return 1
		}
	}

	logger, err := logging.New(cli.LogLevel, cli.LogFormat, deps.Err)
	if err != nil {
		fmt.Fprintln(deps.Err, "Error:", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	handlers := map[string]commandHandler{
		"restore":        runRestore,
		"save":           runSave,
		"export-env":     runExportEnv,
		"workflow check": runWorkflowCheck,
		"workflow run":   runWorkflowRun,
		"version":        runVersion,
	}
	handler, ok := handlers[kctx.Command()]
	if !ok {
		fmt.Fprintln(deps.Err, "Error: unknown command", kctx.Command())
		return 1
	}

	err = handler(runContext{ctx: deps.Context, cli: cli, deps: deps, logger: logger})
	if err != nil {
		logger.Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		return 1
	}

	return 0
}

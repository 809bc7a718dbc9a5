// Package cli implements rulectl, a command-line tool for checking and
// compiling audience rules and for driving populations through the API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ignite/audience/internal/apiclient"
)

// Version is set at build time.
var Version = "dev"

// App represents the CLI application.
type App struct {
	root   *cobra.Command
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	server string
}

// New creates the CLI application.
func New() *App {
	app := &App{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	app.root = &cobra.Command{
		Use:   "rulectl",
		Short: "Check, compile and populate audience rules",
		Long: `rulectl evaluates audience rules locally against JSON input, compiles them
to ClickHouse queries, and triggers list, campaign and journey populations on
a running audience API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	app.root.PersistentFlags().StringVar(&app.server, "server", envOr("AUDIENCE_API_URL", "http://localhost:8080"),
		"Base URL of the audience API")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newCheckCmd(),
		app.newQueryCmd(),
		app.newValidateCmd(),
		app.newPopulateCmd(),
		app.newProgressCmd(),
		app.newAbortCmd(),
	)
	return app
}

// WithIO sets custom input and output streams.
func (a *App) WithIO(stdin io.Reader, stdout, stderr io.Writer) *App {
	a.stdin = stdin
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetIn(stdin)
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the CLI with the process arguments.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "rulectl version %s\n", Version)
		},
	}
}

func (a *App) client() *apiclient.Client {
	return apiclient.New(a.server, nil)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

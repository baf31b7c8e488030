package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/depot/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// usageError marks bad invocations so Run can exit with 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// App carries the flags shared by every command.
type App struct {
	stdout io.Writer
	stderr io.Writer

	server   string
	token    string
	username string
	password string
	artifact string
}

// Run is the entrypoint for testing. args includes the program name.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{stdout: stdout, stderr: stderr}
	root := newRootCmd(app)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var uerr usageError
		if errors.As(err, &uerr) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "depot",
		Short:         "Versioned artifact store",
		Long:          "depot stores versioned build artifacts per project and serves the latest one.\nWith no command it runs the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
			}
			return nil
		},
		RunE: app.handleServe,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&app.server, "server", os.Getenv("DEPOT_SERVER"), "server URL; when empty commands work on the local root directory")
	pf.StringVar(&app.token, "token", os.Getenv("DEPOT_TOKEN"), "bearer token for --server")
	pf.StringVar(&app.username, "user", os.Getenv("DEPOT_USERNAME"), "username for --server")
	pf.StringVar(&app.password, "password", os.Getenv("DEPOT_PASSWORD"), "password for --server")
	pf.StringVar(&app.artifact, "artifact", "", "artifact base name (default from configuration)")

	cmd.AddCommand(
		newServeCmd(app),
		newProjectsCmd(app),
		newUploadCmd(app),
		newLatestCmd(app),
		newResolveCmd(app),
		newHistoryCmd(app),
		newHealthCmd(app),
		newVersionCmd(app),
	)
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the HTTP server (default)",
		Args:    cobra.NoArgs,
		RunE:    app.handleServe,
	}
}

func (a *App) handleServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	return startServer(cmd.Context(), cfg, a.stderr)
}

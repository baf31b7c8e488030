package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/client"
	"github.com/Mindburn-Labs/depot/pkg/config"
	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/projects"
	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// local is the on-disk store named by the configuration.
type local struct {
	cfg   *config.Config
	store *artifacts.Store
	tree  *projects.Tree
}

func (a *App) openLocal() (*local, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	backend := storage.NewFSBackend()
	st, err := artifacts.New(backend, cfg.RootDir,
		artifacts.WithBase(cfg.ArtifactBase),
		artifacts.WithChunkSize(cfg.ChunkSize),
		artifacts.WithLocker(artifacts.NewLocalLocker()),
	)
	if err != nil {
		return nil, err
	}
	return &local{cfg: cfg, store: st, tree: projects.NewTree(backend)}, nil
}

func (a *App) remote() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  a.server,
		Token:    a.token,
		Username: a.username,
		Password: a.password,
	})
}

func (a *App) base(l *local) string {
	if a.artifact != "" {
		return a.artifact
	}
	if l != nil {
		return l.store.Base()
	}
	return ""
}

func newProjectsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List or create projects",
	}

	var match string
	list := &cobra.Command{
		Use:   "list",
		Short: "List every project directory",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.handleProjectsList(cmd.Context(), match)
		},
	}
	list.Flags().StringVar(&match, "match", "", "glob pattern over project names, e.g. 'team/*'")

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project directory",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.handleProjectsCreate(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, create)
	return cmd
}

func (a *App) handleProjectsList(ctx context.Context, match string) error {
	if a.server != "" {
		c, err := a.remote()
		if err != nil {
			return err
		}
		list, err := c.ListProjects(ctx, match)
		if err != nil {
			return err
		}
		for _, p := range list {
			_, _ = fmt.Fprintln(a.stdout, p.Name)
		}
		return nil
	}

	l, err := a.openLocal()
	if err != nil {
		return err
	}
	root := l.store.Root()
	paths, err := l.tree.ListProjects(ctx, root)
	if err != nil {
		return err
	}
	if paths, err = projects.Filter(paths, root, match); err != nil {
		return usageError{err}
	}
	for _, p := range paths {
		_, _ = fmt.Fprintln(a.stdout, projects.RelName(root, p))
	}
	return nil
}

func (a *App) handleProjectsCreate(ctx context.Context, name string) error {
	var (
		created bool
		display string
	)
	if a.server != "" {
		c, err := a.remote()
		if err != nil {
			return err
		}
		info, err := c.CreateProject(ctx, name)
		if err != nil {
			return err
		}
		created, display = info.Created, info.Name
	} else {
		l, err := a.openLocal()
		if err != nil {
			return err
		}
		dir, ok, err := l.tree.CreateProject(ctx, l.store.Root(), name)
		if err != nil {
			return err
		}
		created, display = ok, projects.RelName(l.store.Root(), dir)
	}

	if created {
		_, _ = fmt.Fprintf(a.stdout, "created %s\n", display)
	} else {
		_, _ = fmt.Fprintf(a.stdout, "%s already exists\n", display)
	}
	return nil
}

func newUploadCmd(app *App) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "upload <project> <file>",
		Short: "Upload <base>_v<N>.<ext> to a project if N is newer than its latest version",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.handleUpload(cmd.Context(), args[0], args[1], as)
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "store under this filename instead of the file's own name")
	return cmd
}

func (a *App) handleUpload(ctx context.Context, project, path, as string) error {
	filename := as
	if filename == "" {
		filename = filepath.Base(path)
	}
	f, err := os.Open(path) //nolint:gosec // G304: user-supplied upload path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var out artifacts.Outcome
	if a.server != "" {
		c, err := a.remote()
		if err != nil {
			return err
		}
		if out, err = c.Upload(ctx, project, filename, f); err != nil {
			return err
		}
	} else {
		l, err := a.openLocal()
		if err != nil {
			return err
		}
		dir, err := l.store.ProjectDir(project)
		if err != nil {
			return err
		}
		if out, err = l.store.AcceptUpload(ctx, dir, filename, f); err != nil {
			return err
		}
	}

	note := ""
	if out.Bootstrap {
		note = " (first version)"
	}
	_, _ = fmt.Fprintf(a.stdout, "accepted %s/%s %s, %d bytes%s\n",
		out.Project, out.Filename, versioning.FormatToken(out.Version), out.Bytes, note)
	return nil
}

func newLatestCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <project>",
		Short: "Print the latest version number of a project, or 'none'",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.handleLatest(cmd.Context(), args[0])
		},
	}
}

func (a *App) handleLatest(ctx context.Context, project string) error {
	var (
		v   int64
		ok  bool
		err error
	)
	if a.server != "" {
		c, cerr := a.remote()
		if cerr != nil {
			return cerr
		}
		v, ok, err = c.LatestVersion(ctx, project, a.artifact)
	} else {
		l, lerr := a.openLocal()
		if lerr != nil {
			return lerr
		}
		v, ok, err = l.store.LatestVersionFor(ctx, project, a.base(l))
	}
	if err != nil {
		return err
	}
	if !ok {
		_, _ = fmt.Fprintln(a.stdout, "none")
		return nil
	}
	_, _ = fmt.Fprintln(a.stdout, v)
	return nil
}

func newResolveCmd(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "resolve <project> <version>",
		Short: "Resolve a version such as v3 to its artifact; with --output, copy it out",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.handleResolve(cmd.Context(), args[0], args[1], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the artifact to this file ('-' for stdout)")
	return cmd
}

func (a *App) handleResolve(ctx context.Context, project, spec, output string) error {
	if a.server != "" {
		if output == "" {
			return usageError{fmt.Errorf("--output is required with --server")}
		}
		c, err := a.remote()
		if err != nil {
			return err
		}
		return a.writeOutput(output, func(w io.Writer) (int64, error) {
			return c.Download(ctx, project, spec, a.artifact, w)
		})
	}

	l, err := a.openLocal()
	if err != nil {
		return err
	}
	path, err := l.store.ResolveDownloadFor(ctx, project, a.base(l), spec)
	if err != nil {
		return err
	}
	if output == "" {
		_, _ = fmt.Fprintln(a.stdout, path)
		return nil
	}
	return a.writeOutput(output, func(w io.Writer) (int64, error) {
		f, err := l.store.Open(ctx, path)
		if err != nil {
			return 0, err
		}
		defer func() { _ = f.Close() }()
		return io.Copy(w, f)
	})
}

func (a *App) writeOutput(output string, fill func(io.Writer) (int64, error)) error {
	if output == "-" {
		_, err := fill(a.stdout)
		return err
	}
	f, err := os.Create(output) //nolint:gosec // G304: user-supplied output path
	if err != nil {
		return err
	}
	n, err := fill(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}
	_, _ = fmt.Fprintf(a.stderr, "wrote %d bytes to %s\n", n, output)
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <project>",
		Short: "Print a project's version ledger in append order",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.handleHistory(cmd.Context(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *App) handleHistory(ctx context.Context, project string, asJSON bool) error {
	var (
		entries []ledger.Entry
		err     error
	)
	if a.server != "" {
		c, cerr := a.remote()
		if cerr != nil {
			return cerr
		}
		entries, err = c.History(ctx, project, a.artifact)
	} else {
		l, lerr := a.openLocal()
		if lerr != nil {
			return lerr
		}
		entries, err = l.store.History(ctx, project, a.base(l))
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LINE\tENTRY\tVALID")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%t\n", e.Line, e.Raw, e.Valid)
	}
	return tw.Flush()
}

func newHealthCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health (HTTP)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.handleHealth(cmd.Context())
		},
	}
}

func (a *App) handleHealth(ctx context.Context) error {
	if a.server == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = config.Default().Port
		}
		a.server = "http://localhost:" + port
	}
	c, err := a.remote()
	if err != nil {
		return err
	}
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "%s (server %s, journal %s)\n", h.Status, h.Version, h.Journal)
	if h.Status != "ok" {
		return fmt.Errorf("server is %s", h.Status)
	}
	return nil
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the depot version",
		Args:  exactArgs(0),
		Run: func(_ *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(app.stdout, "depot %s\n", versioning.Build)
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitepush/internal/app"
	"sitepush/internal/config"
	"sitepush/internal/db"
	"sitepush/internal/domain"
	"sitepush/internal/github"
	"sitepush/internal/migrate"
	"sitepush/internal/records"
	"sitepush/internal/repo"
	sitepushsdk "sitepush/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sitepush",
	Short: "Sitepush: signed-in edits to a GitHub-hosted JSON collection",
	Long: `Sitepush lets signed-in users change a JSON collection stored in a GitHub
repository. Each change is a delta (added, updated, deleted records). Deltas are
queued and applied one at a time: read the file, merge, commit, then wait for
the GitHub Pages build that publishes it.

Configuration lives in sitepush.yml in the workspace; secrets and the listen
port can come from SITEPUSH_* environment variables and PORT.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITEPUSH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("port", "PORT")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(pushCmd())
}

func newLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	switch strings.ToLower(viper.GetString("log-format")) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", viper.GetString("log-format"))
	}
	return log, nil
}

// loadConfig reads sitepush.yml and overlays the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(viper.GetViper())
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireSecrets(); err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			workspace := viper.GetString("workspace")
			a, err := app.Build(cfg, app.Options{Workspace: workspace, Logger: log})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			watchConfig(config.Path(workspace), a, log)

			runDone := make(chan error, 1)
			go func() { runDone <- a.Run(ctx) }()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.WithFields(logrus.Fields{
				"addr":   cfg.Server.Addr,
				"target": cfg.Location().String(),
			}).Info("serving sitepush API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-runDone
				return err
			}
			return <-runDone
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr and PORT)")
	return cmd
}

// watchConfig reloads the deploy settings whenever sitepush.yml changes.
func watchConfig(path string, a *app.App, log logrus.FieldLogger) {
	w := viper.New()
	w.SetConfigFile(path)
	if err := w.ReadInConfig(); err != nil {
		log.WithError(err).Warn("config watch disabled")
		return
	}
	w.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.FromFile(path)
		if err != nil {
			log.WithError(err).Warn("ignoring invalid config change")
			return
		}
		cfg.ApplyEnv(viper.GetViper())
		a.Reload(cfg)
	})
	w.WatchConfig()
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect sitepush.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var owner, repoName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sitepush.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" || repoName == "" {
				return fmt.Errorf("--owner and --repo required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(owner, repoName)), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": path})
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "GitHub owner of the target repository")
	cmd.Flags().StringVar(&repoName, "repo", "", "target repository name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var secrets bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate sitepush.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil && secrets {
				err = cfg.RequireSecrets()
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().BoolVar(&secrets, "secrets", false, "also require the secrets serve needs")
	return cmd
}

func mergeCmd() *cobra.Command {
	var basePath, deltaPath, outPath string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Apply a delta to a local collection file",
		Long:  "Runs the same merge the server performs, without touching GitHub. Useful to preview a delta.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if basePath == "" || deltaPath == "" {
				return fmt.Errorf("--base and --delta required")
			}
			baseDoc, err := os.ReadFile(basePath)
			if err != nil {
				return err
			}
			base, err := records.DecodeCollection(baseDoc)
			if err != nil {
				return fmt.Errorf("%s: %w", basePath, err)
			}
			deltaDoc, err := readInput(deltaPath)
			if err != nil {
				return err
			}
			delta, err := records.DecodeDelta(deltaDoc)
			if err != nil {
				return err
			}
			out, err := records.EncodeCollection(delta.Apply(base))
			if err != nil {
				return err
			}
			out = append(out, '\n')
			if outPath == "" {
				_, err = os.Stdout.Write(out)
				return err
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "collection file")
	cmd.Flags().StringVar(&deltaPath, "delta", "", "delta file (- for stdin)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the result here instead of stdout")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest Pages build of the target repository",
		Long:  "Queries GitHub directly with a personal token (--token or SITEPUSH_GITHUB_TOKEN).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token := viper.GetString("github.token")
			if token == "" {
				return fmt.Errorf("--token or SITEPUSH_GITHUB_TOKEN required")
			}
			client := github.New(github.Options{BaseURL: cfg.GitHub.APIURL})
			build, err := client.LatestBuild(cmd.Context(), cfg.Location(), token)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(build)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Target", "Status", "Raw", "Commit", "Error"})
			tw.AppendRow(table.Row{cfg.Location().String(), build.Status, build.RawStatus, shortSHA(build.Commit), build.Error})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("token", "", "GitHub token")
	_ = viper.BindPFlag("github.token", cmd.Flags().Lookup("token"))
	return cmd
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect job history"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Submitted", "Identity", "State", "+/~/-", "Polls", "Commit", "Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{
						j.ID, j.SubmittedAt, j.Identity, j.State,
						fmt.Sprintf("%d/%d/%d", j.Added, j.Updated, j.Deleted),
						j.Polls, shortSHA(j.CommitSHA), j.Error,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max jobs (up to 200)")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Identity, "identity", "", "identity filter")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job and its transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := r.LatestEvents(ctx, repo.EventFilters{JobID: job.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": job, "events": events})
				}
				printJob(job, events)
				return nil
			})
		},
	}
	return cmd
}

func printJob(job domain.Job, events []domain.Event) {
	fmt.Printf("Job %s (%s)\n", job.ID, job.State)
	fmt.Printf("  identity:  %s\n  target:    %s\n  submitted: %s\n", job.Identity, job.Location, job.SubmittedAt)
	if job.CommitSHA != "" {
		fmt.Printf("  commit:    %s (%d polls)\n", job.CommitSHA, job.Polls)
	}
	if job.Error != "" {
		fmt.Printf("  error:     [%s] %s\n", job.ErrorKind, job.Error)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Event", "Type", "At"})
	for i := len(events) - 1; i >= 0; i-- {
		tw.AppendRow(table.Row{events[i].ID, events[i].Type, events[i].TS})
	}
	tw.Render()
}

func pushCmd() *cobra.Command {
	var serverURL, deltaPath string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Submit a delta to a running server and wait for the deployment",
		Long:  "Authenticates with a session token (--token or SITEPUSH_TOKEN) as issued at /auth/callback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deltaPath == "" {
				return fmt.Errorf("--delta required")
			}
			body, err := readInput(deltaPath)
			if err != nil {
				return err
			}
			if _, err := records.DecodeDelta(body); err != nil {
				return err
			}
			client := sitepushsdk.New(serverURL, viper.GetString("token"))
			res, err := client.SubmitUpdateJSON(cmd.Context(), body)
			var jobErr *sitepushsdk.JobError
			if err != nil && !errors.As(err, &jobErr) {
				return err
			}
			if viper.GetBool("json") {
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Printf("job %s deployed: commit %s after %d polls\n", res.JobID, shortSHA(res.CommitSHA), res.Polls)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sitepush server URL")
	cmd.Flags().StringVar(&deltaPath, "delta", "", "delta file (- for stdin)")
	cmd.Flags().String("token", "", "session token")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	dsn := viper.GetString("storage.dsn")
	if dsn == "" && cfg != nil {
		dsn = cfg.Storage.DSN
	}
	conn, err := db.Open(db.Config{DSN: dsn, Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

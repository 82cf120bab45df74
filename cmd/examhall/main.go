package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examhall/internal/handler"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/importer"
	"github.com/pavelanni/examhall/internal/jobs"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/session"
	"github.com/pavelanni/examhall/internal/store"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examhall",
		Short: "Online exam papers with automatic scoring",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examhall --port ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("database-url", "examhall.db", "Database connection string (postgres:// URL or SQLite path)")
	f.Bool("database-ssl", false, "Require TLS for PostgreSQL connections")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("port", "p", "8080", "HTTP listen port")
	f.String("session-secret", "", "Secret used to sign session cookies (required)")
	f.Duration("session-ttl", session.DefaultTTL, "Idle timeout for sessions")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /exams)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.String("delimiter", string(importer.DefaultDelimiter), "Question/answer separator in uploaded files")
	f.String("session-sweep", jobs.DefaultSessionSweep, "Cron spec for removing expired sessions")
	f.String("health-check", jobs.DefaultHealthCheck, "Cron spec for the database health check")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a paper from a question|answer file",
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("file", "f", "", "Path to the answer-key file (required)")
	f.StringP("name", "n", "", "Paper name (required)")
	f.IntP("marks-per-question", "m", 1, "Marks awarded for each correct answer")
	f.Int("total-marks", 0, "Total marks (0 = questions x marks per question)")
	f.String("delimiter", string(importer.DefaultDelimiter), "Question/answer separator")

	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all papers and results as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
// Besides EXAMHALL_* variables, the conventional DATABASE_URL, DATABASE_SSL,
// SESSION_SECRET and PORT are honoured.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMHALL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database-url", "EXAMHALL_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database-ssl", "EXAMHALL_DATABASE_SSL", "DATABASE_SSL")
	_ = v.BindEnv("session-secret", "EXAMHALL_SESSION_SECRET", "SESSION_SECRET")
	_ = v.BindEnv("port", "EXAMHALL_PORT", "PORT")

	v.SetConfigName("examhall")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examhall")
	v.AddConfigPath("/etc/examhall")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("database-url"), v.GetBool("database-ssl"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func parseDelimiter(s string) (rune, error) {
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	secret := v.GetString("session-secret")
	if secret == "" {
		return errors.New("session secret is required: set --session-secret or SESSION_SECRET")
	}
	delim, err := parseDelimiter(v.GetString("delimiter"))
	if err != nil {
		return err
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	basePath := normalizeBasePath(v.GetString("base-path"))
	cfg := model.ServerConfig{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		SessionSecret: secret,
		SessionTTL:    v.GetDuration("session-ttl"),
		Delimiter:     delim,
	}

	cookiePath := "/"
	if basePath != "" {
		cookiePath = basePath + "/"
	}
	sessions, err := session.NewManager(db, cfg.SessionSecret, session.Options{
		TTL:    cfg.SessionTTL,
		Secure: cfg.SecureCookies,
		Path:   cookiePath,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	h, err := handler.New(db, sessions, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	scheduler, err := jobs.New(db, jobs.Config{
		SessionSweep: v.GetString("session-sweep"),
		HealthCheck:  v.GetString("health-check"),
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := ":" + strings.TrimPrefix(v.GetString("port"), ":")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"database", db.Dialect(),
			"lang", lang,
			"base_path", basePath,
			"session_ttl", cfg.SessionTTL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runImport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	delim, err := parseDelimiter(v.GetString("delimiter"))
	if err != nil {
		return err
	}
	path := v.GetString("file")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	pairs, err := importer.NewDelimited(delim).Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	paper, err := db.CreatePaper(cmd.Context(), model.Paper{
		Name:             v.GetString("name"),
		TotalMarks:       v.GetInt("total-marks"),
		MarksPerQuestion: v.GetInt("marks-per-question"),
	}, pairs)
	if err != nil {
		return fmt.Errorf("create paper: %w", err)
	}

	slog.Info("imported paper", "path", path, "paper_id", paper.ID, "questions", len(pairs), "total_marks", paper.TotalMarks)
	fmt.Fprintf(cmd.OutOrStdout(), "paper %d: %d questions, %d marks\n", paper.ID, len(pairs), paper.TotalMarks)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	papers, err := db.PaperSummaries(ctx)
	if err != nil {
		return fmt.Errorf("list papers: %w", err)
	}
	results, err := db.ListAllResults(ctx)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}

	export := model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		Papers:     papers,
		Results:    results,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported results", "papers", len(papers), "results", len(results))
	return nil
}

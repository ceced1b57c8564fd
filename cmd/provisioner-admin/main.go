package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/workstead/provisioner/config"
	"github.com/workstead/provisioner/internal/bootstrap"
	"github.com/workstead/provisioner/internal/data"
	"github.com/workstead/provisioner/internal/devseed"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger(false)

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	if cfg.IsDev {
		logger = bootstrap.InitLogger(true)
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"db-reset": {
			name:        "db-reset",
			description: "Drop the database schema, run migrations, and optionally seed data",
			run:         runDBReset,
		},
		"db-seed": {
			name:        "db-seed",
			description: "Run database migrations and seed directory reference data",
			run:         runDBSeed,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"submit-batch": {
			name:        "submit-batch",
			description: "Submit a provisioning batch from a JSON records file",
			run:         runSubmitBatch,
		},
		"job-status": {
			name:        "job-status",
			description: "Inspect a ledger entry by job ID",
			run:         runJobStatus,
		},
		"queue-stats": {
			name:        "queue-stats",
			description: "Show task queue counts by status",
			run:         runQueueStats,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: provisioner-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-24s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

type dbResetOptions struct {
	Timeout     time.Duration
	Yes         bool
	Seed        bool
	AllowRemote bool
}

type dbSeedOptions struct {
	Timeout     time.Duration
	AllowRemote bool
}

type submitBatchOptions struct {
	File        string
	SubmitterID string
	Timeout     time.Duration
}

type jobStatusOptions struct {
	JobID       string
	SubmitterID string
	RawJSON     bool
	Timeout     time.Duration
}

type queueStatsOptions struct {
	Timeout time.Duration
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runDBReset(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBResetFlags(args)
	if err != nil {
		return err
	}

	target := fmt.Sprintf(
		"database %q on %s:%d",
		cmdCtx.Config.Postgres.Name,
		cmdCtx.Config.Postgres.Host,
		cmdCtx.Config.Postgres.Port,
	)

	remote, err := guardRemoteHost(cmdCtx, opts.AllowRemote, "drop and recreate the public schema")
	if err != nil {
		return err
	}

	confirmOpts := dbResetConfirmOptions{
		yes:    opts.Yes,
		target: target,
	}
	if remote {
		confirmOpts.remoteHost = cmdCtx.Config.Postgres.Host
	}
	if confirmErr := confirmAction(confirmOpts, "reset database schema"); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("dropping public schema", "database", cmdCtx.Config.Postgres.Name)
		if resetErr := cmdCtx.resetDatabase(ctx, db); resetErr != nil {
			return resetErr
		}

		cmdCtx.Logger.Info("re-running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		if opts.Seed {
			cmdCtx.Logger.Info("seeding directory reference data after reset")
			if seedErr := devseed.Run(ctx, db, cmdCtx.Logger); seedErr != nil {
				return fmt.Errorf("seed data: %w", seedErr)
			}
		}

		cmdCtx.Logger.Info("database reset completed successfully")
		return nil
	})
}

func runDBSeed(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBSeedFlags(args)
	if err != nil {
		return err
	}

	if _, guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "seed directory reference data on the configured database"); guardErr != nil {
		return guardErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("ensuring database migrations are current")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		cmdCtx.Logger.Info("seeding directory reference data")
		if seedErr := devseed.Run(ctx, db, cmdCtx.Logger); seedErr != nil {
			return fmt.Errorf("seed data: %w", seedErr)
		}

		cmdCtx.Logger.Info("database seeding completed successfully")
		return nil
	})
}

func runSubmitBatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitBatchFlags(args)
	if err != nil {
		return err
	}

	records, err := loadBatchRecords(opts.File)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", closeErr)
		}
	}()

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	resp, err := services.Intake.Submit(ctx, service.SubmitBatchRequest{
		SubmitterID: opts.SubmitterID,
		Records:     records,
	})
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}

	cmdCtx.Logger.Info("batch accepted", "job_id", resp.JobID, "records", len(records))
	if err := writef(os.Stdout, "%s\n", resp.JobID); err != nil {
		return fmt.Errorf("print job id: %w", err)
	}
	return nil
}

func loadBatchRecords(path string) ([]model.BatchRecord, error) {
	f, err := os.Open(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("open records file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var records []model.BatchRecord
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if decodeErr := dec.Decode(&records); decodeErr != nil {
		return nil, fmt.Errorf("decode records file: %w", decodeErr)
	}
	if len(records) == 0 {
		return nil, errors.New("records file contains no records")
	}
	return records, nil
}

func runJobStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobStatusFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewLedgerRepo(db, data.LedgerRepoConfig{Logger: cmdCtx.Logger})

		job, lookupErr := lookupJob(ctx, repo, opts)
		if lookupErr != nil {
			if errors.Is(lookupErr, data.ErrJobNotFound) {
				return fmt.Errorf("no ledger entry found for job %s", opts.JobID)
			}
			return lookupErr
		}

		if opts.RawJSON {
			return printJobJSON(job)
		}
		return printJobSummary(job)
	})
}

func lookupJob(
	ctx context.Context,
	repo *data.LedgerRepo,
	opts jobStatusOptions,
) (*model.Job, error) {
	if opts.SubmitterID != "" {
		return repo.Get(ctx, opts.JobID, opts.SubmitterID)
	}
	return repo.GetByID(ctx, opts.JobID)
}

func printJobJSON(job *model.Job) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if writeErr := writef(os.Stdout, "%s\n", out); writeErr != nil {
		return fmt.Errorf("print job: %w", writeErr)
	}
	return nil
}

func printJobSummary(job *model.Job) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "Job ID\t%s\n", job.ID); err != nil {
		return fmt.Errorf("write job id: %w", err)
	}
	if err := writef(w, "Submitter\t%s\n", job.SubmitterID); err != nil {
		return fmt.Errorf("write submitter: %w", err)
	}
	if err := writef(w, "Status\t%s\n", job.Status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := writef(w, "Progress\t%.1f%%\n", job.Progress); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := writef(w, "Records\t%d total, %d succeeded, %d failed\n",
		job.TotalRecords, job.SuccessCount, job.FailureCount); err != nil {
		return fmt.Errorf("write record counts: %w", err)
	}
	if err := writef(w, "Attempts\t%d\n", job.AttemptsMade); err != nil {
		return fmt.Errorf("write attempts: %w", err)
	}
	if err := writef(w, "Created\t%s\n", job.CreatedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write created at: %w", err)
	}
	if job.CompletedAt != nil {
		if err := writef(w, "Completed\t%s\n", job.CompletedAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("write completed at: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job summary: %w", err)
	}

	return printJobErrors(job.Errors)
}

func printJobErrors(recordErrors []model.RecordError) error {
	if len(recordErrors) == 0 {
		return nil
	}
	if err := writef(os.Stdout, "\nRecord errors (%d):\n", len(recordErrors)); err != nil {
		return fmt.Errorf("write record errors header: %w", err)
	}
	for _, re := range recordErrors {
		if err := writef(os.Stdout, "  %s: %s\n", re.RecordKey, re.Message); err != nil {
			return fmt.Errorf("write record error: %w", err)
		}
	}
	return nil
}

func runQueueStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueueStatsFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewTaskRepo(db, data.TaskRepoConfig{Logger: cmdCtx.Logger})

		stats, statsErr := repo.Stats(ctx, model.JobKindEmployeeProvisioning)
		if statsErr != nil {
			return fmt.Errorf("query task stats: %w", statsErr)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if writeErr := writeln(w, "Status\tCount"); writeErr != nil {
			return fmt.Errorf("write stats header: %w", writeErr)
		}
		rows := []struct {
			label string
			count int
		}{
			{"pending", stats.Pending},
			{"running", stats.Running},
			{"completed", stats.Completed},
			{"failed", stats.Failed},
		}
		for _, row := range rows {
			if writeErr := writef(w, "%s\t%d\n", row.label, row.count); writeErr != nil {
				return fmt.Errorf("write stats row: %w", writeErr)
			}
		}
		if flushErr := w.Flush(); flushErr != nil {
			return fmt.Errorf("flush stats: %w", flushErr)
		}
		return nil
	})
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBResetFlags(args []string) (dbResetOptions, error) {
	fs := flag.NewFlagSet("db-reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbResetOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for reset operations to complete",
	)
	fs.BoolVar(
		&opts.Yes,
		"yes",
		false,
		"Skip confirmation prompt",
	)
	fs.BoolVar(
		&opts.Seed,
		"seed",
		false,
		"Run database seeding after reset completes",
	)
	fs.BoolVar(
		&opts.AllowRemote,
		"allow-remote",
		false,
		"Permit running against database hosts that do not look local",
	)

	if err := fs.Parse(args); err != nil {
		return dbResetOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbResetOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBSeedFlags(args []string) (dbSeedOptions, error) {
	fs := flag.NewFlagSet("db-seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbSeedOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for seeding to complete",
	)
	fs.BoolVar(
		&opts.AllowRemote,
		"allow-remote",
		false,
		"Permit running against database hosts that do not look local",
	)

	if err := fs.Parse(args); err != nil {
		return dbSeedOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbSeedOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseSubmitBatchFlags(args []string) (submitBatchOptions, error) {
	fs := flag.NewFlagSet("submit-batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := submitBatchOptions{
		Timeout: 2 * time.Minute,
	}

	fs.StringVar(&opts.File, "file", "", "Path to a JSON file containing an array of batch records")
	fs.StringVar(&opts.SubmitterID, "submitter", "", "Submitter ID to record on the ledger entry")
	fs.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "Maximum duration to wait for submission")

	if err := fs.Parse(args); err != nil {
		return submitBatchOptions{}, err
	}

	if opts.File == "" {
		return submitBatchOptions{}, errors.New("--file is required")
	}
	if opts.SubmitterID == "" {
		return submitBatchOptions{}, errors.New("--submitter is required")
	}
	if opts.Timeout <= 0 {
		return submitBatchOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseJobStatusFlags(args []string) (jobStatusOptions, error) {
	fs := flag.NewFlagSet("job-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := jobStatusOptions{
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.JobID, "job", "", "Job ID to inspect")
	fs.StringVar(&opts.SubmitterID, "submitter", "", "Restrict the lookup to a submitter's own entry")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the full ledger entry as JSON")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for the lookup")

	if err := fs.Parse(args); err != nil {
		return jobStatusOptions{}, err
	}

	if opts.JobID == "" {
		return jobStatusOptions{}, errors.New("--job is required")
	}
	if opts.Timeout <= 0 {
		return jobStatusOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseQueueStatsFlags(args []string) (queueStatsOptions, error) {
	fs := flag.NewFlagSet("queue-stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := queueStatsOptions{
		Timeout: time.Minute,
	}

	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for the query")

	if err := fs.Parse(args); err != nil {
		return queueStatsOptions{}, err
	}

	if opts.Timeout <= 0 {
		return queueStatsOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func guardRemoteHost(cmdCtx *commandContext, allow bool, action string) (bool, error) {
	remote := isLikelyRemoteHost(cmdCtx.Config.Postgres.Host)
	if !remote {
		return false, nil
	}
	if !allow {
		return true, fmt.Errorf(
			"refusing to run against potentially remote database host %q; re-run with --allow-remote if this is intentional",
			cmdCtx.Config.Postgres.Host,
		)
	}
	if err := requireRemoteHostConfirmation(action, cmdCtx.Config.Postgres.Host); err != nil {
		return true, err
	}
	return true, nil
}

func (cmdCtx *commandContext) resetDatabase(ctx context.Context, db *sql.DB) error {
	if cmdCtx == nil {
		return errors.New("command context is required")
	}

	cfg := &cmdCtx.Config.Postgres
	statements := []string{
		"DROP SCHEMA public CASCADE",
		"CREATE SCHEMA public",
		"GRANT ALL ON SCHEMA public TO public",
	}
	if user := strings.TrimSpace(cfg.User); user != "" && !strings.EqualFold(user, "public") {
		statements = append(statements, "GRANT ALL ON SCHEMA public TO "+quoteIdentifier(user))
	}

	for _, stmt := range statements {
		if cmdCtx.Logger != nil {
			cmdCtx.Logger.DebugContext(ctx, "executing reset statement", "sql", stmt)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	if strings.HasSuffix(h, ".local") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func requireRemoteHostConfirmation(action, host string) error {
	if err := writef(
		os.Stderr,
		"\nWARNING: database host %q does not look like a local address.\n"+
			"This operation will %s.\n",
		host,
		action,
	); err != nil {
		return fmt.Errorf("print remote host warning: %w", err)
	}
	if err := writef(os.Stderr, "Type %q to continue or press enter to abort: ", host); err != nil {
		return fmt.Errorf("print remote host prompt: %w", err)
	}
	reader := bufio.NewReader(os.Stdin)
	resp, err := reader.ReadString('\n')
	if err != nil {
		if writeErr := writef(os.Stderr, "\nFailed to read confirmation input: %v\n", err); writeErr != nil {
			return fmt.Errorf("aborted by user: report write failed: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	if strings.TrimSpace(resp) != host {
		if writeErr := writeln(os.Stderr, "\nRemote safeguard check failed; aborting."); writeErr != nil {
			return fmt.Errorf("print remote safeguard failure: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	return nil
}

type confirmOptions interface {
	IsDryRun() bool
	IsYes() bool
	GetTarget() string
	GetWarning() string
}

type dbResetConfirmOptions struct {
	yes        bool
	target     string
	remoteHost string
}

func (d dbResetConfirmOptions) IsDryRun() bool { return false }
func (d dbResetConfirmOptions) IsYes() bool {
	if d.remoteHost != "" {
		return false
	}
	return d.yes
}

func (d dbResetConfirmOptions) GetWarning() string {
	warning := "WARNING: this will drop and recreate the public schema for the configured database."
	if d.remoteHost != "" {
		warning += fmt.Sprintf(" Host %q appears to be remote; double-check before proceeding.", d.remoteHost)
	}
	return warning
}
func (d dbResetConfirmOptions) GetTarget() string { return d.target }

func confirmAction(opts confirmOptions, actionType string) error {
	if opts.IsDryRun() || opts.IsYes() {
		return nil
	}

	if err := printConfirmationIntro(opts, actionType); err != nil {
		return err
	}

	if err := write(os.Stdout, "Continue? [y/N]: "); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	reader := bufio.NewReader(os.Stdin)
	resp, err := reader.ReadString('\n')
	if err != nil {
		if writeErr := writef(os.Stdout, "\nFailed to read confirmation input: %v\n", err); writeErr != nil {
			return fmt.Errorf("aborted by user: report write failed: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func printConfirmationIntro(opts confirmOptions, actionType string) error {
	target := opts.GetTarget()
	if target == "" {
		if err := writeln(os.Stdout, opts.GetWarning()); err != nil {
			return fmt.Errorf("print confirmation warning: %w", err)
		}
		return nil
	}

	if err := writef(os.Stdout, "About to %s for %s.\n", actionType, target); err != nil {
		return fmt.Errorf("print confirmation message: %w", err)
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}

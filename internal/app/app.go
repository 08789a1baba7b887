// Package app wires the extraction engine together: configuration, logging,
// metrics, tracing, input discovery and the pipeline run.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"affiliation-extract/internal/config"
	"affiliation-extract/internal/extract"
	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/metrics"
	"affiliation-extract/internal/output"
	"affiliation-extract/internal/pipeline"
	"affiliation-extract/internal/profile"
	"affiliation-extract/internal/tracing"
	"affiliation-extract/pkg/errors"
	"affiliation-extract/pkg/sysinfo"

	"github.com/sirupsen/logrus"
)

// App is the top-level application instance for one extraction run
type App struct {
	opts   *config.Options
	logger *logrus.Logger
}

// New validates the options and prepares the application
func New(opts *config.Options) (*App, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	switch strings.ToUpper(opts.LogLevel) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return &App{
		opts:   opts,
		logger: logger,
	}, nil
}

// Run executes the whole extraction run and returns the process exit code
func (a *App) Run(ctx context.Context) int {
	started := time.Now()
	a.logger.Info("Starting affiliation extraction run")
	sysinfo.LogMemoryUsage(a.logger, "initial")

	summary, err := a.run(ctx, started)
	if err != nil {
		a.logger.WithError(err).Error("Run aborted")
		return 1
	}

	a.logSummary(summary)
	sysinfo.LogMemoryUsage(a.logger, "final")
	a.logger.Info("Extraction process finished")

	if len(summary.FailedFiles) > 0 || summary.WriterFailed {
		return 1
	}
	return 0
}

func (a *App) run(ctx context.Context, started time.Time) (*pipeline.Summary, error) {
	if err := os.MkdirAll(a.opts.OutputDir, 0o755); err != nil {
		return nil, errors.WriterError("init", fmt.Sprintf("failed to create output directory %s", a.opts.OutputDir)).Wrap(err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	a.logger.WithField("timestamp", timestamp).Info("Run timestamp")

	runConfig, err := config.LoadRunConfig(a.opts.RunConfigPath)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("tasks", len(runConfig.Tasks)).Info("Run configuration loaded")

	metricsServer := metrics.NewServer(a.opts.MetricsPort, a.logger)
	metricsServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(shutdownCtx)
	}()

	tracingManager, err := tracing.New(tracing.Config{Endpoint: a.opts.TraceEndpoint}, a.logger)
	if err != nil {
		return nil, errors.ConfigError("tracing", "failed to initialize tracing").Wrap(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracingManager.Shutdown(shutdownCtx)
	}()

	loader := profile.NewLoader(a.logger)
	var allProfiles []*profile.Profile
	seenProfiles := make(map[*profile.Profile]struct{})
	var files []pipeline.FileTask

	for i, task := range runConfig.Tasks {
		taskLogger := a.logger.WithFields(logrus.Fields{
			"task":      i + 1,
			"profile":   task.Profile,
			"input_dir": task.InputDir,
		})
		taskLogger.WithField("description", task.Description).Info("Scanning task")

		p, err := loader.Load(task.Profile)
		if err != nil {
			return nil, err
		}
		if _, ok := seenProfiles[p]; !ok {
			seenProfiles[p] = struct{}{}
			allProfiles = append(allProfiles, p)
		}

		resolvedFilters := extract.ResolveTaskFilters(p, task.Filters, a.logger)
		if len(resolvedFilters) > 0 {
			taskLogger.WithField("filters", resolvedFilters).Info("Applying task filters")
		}

		taskFiles, err := findInputFiles(task.InputDir)
		if err != nil {
			return nil, errors.DiscoveryError("scan",
				fmt.Sprintf("task %d: failed to find input files in %s", i+1, task.InputDir)).Wrap(err)
		}
		taskLogger.WithField("files", len(taskFiles)).Info("Found input files for task")

		for _, path := range taskFiles {
			files = append(files, pipeline.FileTask{
				Path:    path,
				Profile: p,
				Filters: resolvedFilters,
			})
		}
	}

	if len(files) == 0 {
		a.logger.Warn("No .jsonl.gz files found across all tasks")
		return &pipeline.Summary{RowCounts: map[string]int{}, Elapsed: time.Since(started)}, nil
	}
	a.logger.WithField("files", len(files)).Info("Total files to process across all tasks")

	nulls, err := identity.BuildNullRegistry(allProfiles)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("null_values", len(nulls)).Info("Precomputed null value ids")

	ids := identity.NewMaps()
	pipe := pipeline.New(pipeline.Config{
		Threads:             a.opts.Threads,
		BatchSize:           a.opts.BatchSize,
		OutputDir:           a.opts.OutputDir,
		CreateMetadataFiles: a.opts.CreateMetadataFiles,
	}, ids, nulls, allProfiles, timestamp, tracingManager.Tracer(), a.logger)

	return pipe.Run(ctx, files)
}

// findInputFiles recursively collects *.jsonl.gz files under dir
func findInputFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl.gz") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (a *App) logSummary(summary *pipeline.Summary) {
	a.logger.Info("-------------------- FINAL SUMMARY --------------------")
	a.logger.WithField("elapsed", formatElapsed(summary.Elapsed)).Info("Total execution time")
	a.logger.WithFields(logrus.Fields{
		"total":     summary.TotalFiles,
		"succeeded": summary.Succeeded,
		"failed":    len(summary.FailedFiles),
	}).Info("Files processed")

	if len(summary.FailedFiles) > 0 {
		a.logger.WithField("failed", len(summary.FailedFiles)).Warn("Files with processing errors")
		for i, path := range summary.FailedFiles {
			if i >= 10 {
				a.logger.Warnf("  ... (and %d more)", len(summary.FailedFiles)-10)
				break
			}
			a.logger.Warnf("  - %s", path)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"unique_records": summary.UniqueRecords,
		"unique_values":  summary.UniqueValues,
	}).Info("Unique identifiers interned")

	if summary.WriterFailed {
		a.logger.Error("Writer terminated abnormally; row counts may be incomplete")
	}
	for _, table := range append(append([]string{}, output.DataTableNames...), output.MetadataTableNames...) {
		if count, ok := summary.RowCounts[table]; ok {
			a.logger.Infof("  - %s.csv: %d", table, count)
		}
	}
	a.logger.Info("-------------------------------------------------------")
}

func formatElapsed(elapsed time.Duration) string {
	totalSecs := int(elapsed.Seconds())
	hours := totalSecs / 3600
	minutes := (totalSecs % 3600) / 60
	seconds := totalSecs % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%d.%03ds", seconds, elapsed.Milliseconds()%1000)
	}
}

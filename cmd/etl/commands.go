package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/sources/myspa"
)

// shutdownTimeout bounds graceful shutdown of workers, server and connections
const shutdownTimeout = 30 * time.Second

var confFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the stage job workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run <namespace> <table> <stage>",
	Short: "Run one stage of a table",
	Long: `Run one stage (extract, transform or load) of namespace.table inline.

The run conf is a JSON object, for example
  {"run_id": "manual-1", "start_date": "2024-06-01", "end_date": "2024-06-02", "invoices": {"load": false}}
Transform and load of signal-gated tables need the run_id of the extract that published has_new_data.`,
	Args: cobra.ExactArgs(3),
	RunE: runStage,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <namespace>",
	Short: "Run every table of a namespace in dependency order",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipeline,
}

var myspaCmd = &cobra.Command{
	Use:   "myspa <bucket> <key>",
	Short: "Load an uploaded myspa export as if its object-finalize event arrived",
	Args:  cobra.ExactArgs(2),
	RunE:  runMyspa,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply run-history database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	runCmd.Flags().StringVar(&confFlag, "conf", "", "Run conf as a JSON object")
	pipelineCmd.Flags().StringVar(&confFlag, "conf", "", "Run conf as a JSON object")
}

// startApp loads config and brings up every store.
func startApp(ctx context.Context) (*App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := newApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.withStores()
	if err := app.start(ctx); err != nil {
		app.stop(context.Background())
		return nil, err
	}
	return app, nil
}

func stopApp(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.stop(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer stopApp(app)

	processor := app.processor()
	if err := processor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := processor.Stop(stopCtx); err != nil {
			app.logger.WithError(err).Warn("Stage job workers did not stop cleanly")
		}
	}()

	e, err := app.server(ctx)
	if err != nil {
		return err
	}
	go listenAndServe(e, app.cfg.Port, app.logger)
	app.health.SetReady(true)
	app.logger.Infof("%s %s listening on :%d", app.cfg.AppName, version, app.cfg.Port)

	<-ctx.Done()
	app.health.SetReady(false)
	app.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runStage(cmd *cobra.Command, args []string) error {
	stage, err := pipeline.ParseStage(args[2])
	if err != nil {
		return err
	}
	cfg, err := pipeline.ParseRunConfigJSON([]byte(confFlag), time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer stopApp(app)

	outcome, runErr := app.runner.Run(ctx, args[0], args[1], stage, cfg)
	if outcome != nil {
		printOutcomes(cfg.RunID, []*pipeline.RunOutcome{outcome})
	}
	return runErr
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := pipeline.ParseRunConfigJSON([]byte(confFlag), time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer stopApp(app)

	if len(app.runner.Registry().Tables(args[0])) == 0 {
		return fmt.Errorf("%w: namespace %s", pipeline.ErrStageNotFound, args[0])
	}
	outcomes, runErr := app.runner.RunPipeline(ctx, args[0], cfg)
	printOutcomes(cfg.RunID, outcomes)
	return runErr
}

func runMyspa(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer stopApp(app)

	res, err := app.myspa.Handle(ctx, myspa.ObjectEvent{Bucket: args[0], Name: args[1]})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	app.withPostgres(true)
	if err := app.start(cmd.Context()); err != nil {
		return err
	}
	stopApp(app)
	logger.Info("Migrations applied")
	return nil
}

func printOutcomes(runID string, outcomes []*pipeline.RunOutcome) {
	fmt.Printf("run_id=%s\n", runID)
	for _, o := range outcomes {
		line := fmt.Sprintf("%-8s %s.%s %-9s records=%d duration=%s", o.Stage, o.Namespace, o.Table, o.Status, o.Records, o.Duration.Round(time.Millisecond))
		if o.SkipReason != "" {
			line += " reason=" + string(o.SkipReason)
		}
		if o.HasNewData != nil {
			line += fmt.Sprintf(" has_new_data=%t", *o.HasNewData)
		}
		fmt.Println(line)
	}
}

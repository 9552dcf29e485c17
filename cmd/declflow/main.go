package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"declflow/internal/accrual"
	"declflow/internal/config"
	"declflow/internal/currency"
	"declflow/internal/db"
	"declflow/internal/domain"
	"declflow/internal/engine"
	"declflow/internal/migrate"
	"declflow/internal/repo"
	"declflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "declflow",
	Short: "Declflow CLI",
	Long: `Declflow tracks customs declarations through a fixed stage pipeline.
Core concepts:
- Workspace: your .declflow directory holding the database; declflow.yml next to it holds config.
- Task: one declaration for one client, carrying a price snapshot frozen at creation.
- Stages: the nine pipeline steps (intake ... driver_notice); each is assigned, started, completed.
- Rollup: the task status follows the stages until every stage is ready, then an
  operator walks it through verified -> delivered -> closed.
- KPI: completing a stage credits its worker once per stage per task; the intake
  group is paid a flat amount regardless of assignment.
- Rates: state payment rows per branch; the newest row at creation time becomes
  the task's snapshot.
- Event log: diary of changes, view with 'declflow log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("DECLFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(ratesCmd())
	rootCmd.AddCommand(txnCmd())
	rootCmd.AddCommand(penaltyCmd())
	rootCmd.AddCommand(branchCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates declflow.yml with defaults, runs migrations, and seeds the KPI price table from config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.SeedKpiConfigs(ctx, e.Config.KPI.DefaultPrices, now); err != nil {
					return err
				}
				fmt.Printf("Initialized workspace: %s, db %s\n", cfgPath, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is the rulebook: base currency, flat-rate rule, default stage prices, server and webhook settings. Lives in declflow.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var branchID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Task counts per status, optionally scoped to a branch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx, branchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"branch_id": branchID, "task_counts": counts})
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id filter")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage declaration tasks",
		Long:  "Tasks are declarations. Creating one spawns the full stage catalog and freezes the branch's current rates into a snapshot.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskSetStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in engine.CreateTaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.BranchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Comments, "comments", "", "comments")
	cmd.Flags().StringVar(&in.DriverPhone, "driver-phone", "", "driver phone")
	cmd.Flags().BoolVar(&in.HasPSR, "psr", false, "declaration has a PSR certificate")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Branch", "Client", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.BranchID, t.ClientID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BranchID, "branch", "", "branch filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task with stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				stages, err := e.Repo.ListStagesByTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "stages": stages})
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, comments, driverPhone string
	var hasPSR bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var in engine.UpdateTaskInput
			in.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("comments") {
				in.Comments = &comments
			}
			if cmd.Flags().Changed("driver-phone") {
				in.DriverPhone = &driverPhone
			}
			if cmd.Flags().Changed("psr") {
				in.HasPSR = &hasPSR
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.UpdateTask(ctx, id, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&driverPhone, "driver-phone", "", "driver phone")
	cmd.Flags().BoolVar(&hasPSR, "psr", false, "declaration has a PSR certificate")
	return cmd
}

func taskSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Advance operator task status",
		Long:  "Moves a task one operator step: ready -> verified -> delivered -> closed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			next, err := domain.ParseTaskStatus(status)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.SetTaskStatus(ctx, id, next, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Manage pipeline stages",
		Long:  "Stages move not_started -> in_progress -> ready. Completing a stage credits the assignee's KPI ledger in the same transaction.",
	}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageAssignCmd())
	stage.AddCommand(stageStartCmd())
	stage.AddCommand(stageCompleteCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List stages of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stages, err := e.Repo.ListStagesByTask(ctx, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "Status", "Assignee", "ID"})
				for _, s := range stages {
					assignee := ""
					if s.AssignedTo != nil {
						assignee = *s.AssignedTo
					}
					tw.AppendRow(table.Row{s.StageOrder, s.Name, s.Status, assignee, s.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageAssignCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "assign <stage-id>",
		Short: "Assign a worker to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.AssignStage(ctx, id, workerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func stageStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <stage-id>",
		Short: "Start a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.StartStage(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stageCompleteCmd() *cobra.Command {
	var atFlag string
	cmd := &cobra.Command{
		Use:   "complete <stage-id>",
		Short: "Complete a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var at *time.Time
			if atFlag != "" {
				parsed, err := time.Parse(time.RFC3339, atFlag)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				at = &parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CompleteStage(ctx, id, viper.GetString("actor-id"), at)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&atFlag, "at", "", "RFC3339 completion time (default now)")
	return cmd
}

func kpiCmd() *cobra.Command {
	kpi := &cobra.Command{
		Use:   "kpi",
		Short: "KPI prices, ledger, reports",
	}
	kpi.AddCommand(kpiPricesCmd())
	kpi.AddCommand(kpiSetPriceCmd())
	kpi.AddCommand(kpiSeedCmd())
	kpi.AddCommand(kpiLogsCmd())
	kpi.AddCommand(kpiReportCmd())
	kpi.AddCommand(kpiReconcileCmd())
	return kpi
}

func kpiPricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Show per-stage prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListKpiConfigs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func kpiSetPriceCmd() *cobra.Command {
	var price float64
	cmd := &cobra.Command{
		Use:   "set-price <stage>",
		Short: "Set the price for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := domain.StageName(args[0])
			if !domain.ValidStageName(stage) {
				return fmt.Errorf("unknown stage %q", args[0])
			}
			if price < 0 {
				return fmt.Errorf("--price must be non-negative")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertKpiConfig(ctx, stage, price, now); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"stage": stage, "price": price})
			})
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "price per completion")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func kpiSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the price table from config defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.SeedKpiConfigs(ctx, e.Config.KPI.DefaultPrices, now); err != nil {
					return err
				}
				fmt.Printf("Seeded %d stage prices\n", len(e.Config.KPI.DefaultPrices))
				return nil
			})
		},
	}
	return cmd
}

func kpiLogsCmd() *cobra.Command {
	var f repo.KpiLogFilters
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List accrual ledger rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListKpiLogs(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.From, "from", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&f.To, "to", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func kpiReportCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Per-worker payroll summary",
		Long:  "Aggregates accruals and penalties per worker over [from, to).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rows, err := e.Repo.SumAccrualsByWorker(ctx, from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Accrued", "Penalties", "Net", "Rows"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.WorkerID, r.Accrued, r.Penalties, r.Accrued - r.Penalties, r.Rows})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 upper bound")
	return cmd
}

func kpiReconcileCmd() *cobra.Command {
	var opts accrual.ReconcileOptions
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Backfill missing or drifted accruals",
		Long:  "Walks completed stages and creates or corrects ledger rows without duplicating existing ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Accrual.Reconcile(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&opts.StageName, "stage", "", "limit to one stage")
	cmd.Flags().StringArrayVar(&opts.TaskIDs, "task", []string{}, "limit to task id (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max completed stages to scan")
	return cmd
}

func ratesCmd() *cobra.Command {
	rates := &cobra.Command{
		Use:   "rates",
		Short: "Manage branch rate history",
		Long:  "State payment rows form a per-branch history; new tasks snapshot the newest row in effect at creation time.",
	}
	rates.AddCommand(ratesAddCmd())
	rates.AddCommand(ratesListCmd())
	return rates
}

func ratesAddCmd() *cobra.Command {
	var p domain.StatePayment
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rate row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.AddStatePayment(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&p.BranchID, "branch", "", "branch id")
	cmd.Flags().Float64Var(&p.WorkerPrice, "worker-price", 0, "worker price")
	cmd.Flags().Float64Var(&p.CertificateFee, "certificate-fee", 0, "certificate fee")
	cmd.Flags().Float64Var(&p.CustomsFee, "customs-fee", 0, "customs fee")
	cmd.Flags().StringVar(&p.EffectiveAt, "effective-at", "", "RFC3339 effective time (default now)")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func ratesListCmd() *cobra.Command {
	var branchID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rate rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListStatePayments(ctx, branchID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "", "branch filter")
	return cmd
}

func txnCmd() *cobra.Command {
	txn := &cobra.Command{
		Use:   "txn",
		Short: "Manage task transactions",
		Long:  "Income and expense rows per task. Foreign-currency rows must carry a consistent rate, original amount, and base amount.",
	}
	txn.AddCommand(txnAddCmd())
	txn.AddCommand(txnListCmd())
	txn.AddCommand(txnValidateCmd())
	return txn
}

func txnFlags(cmd *cobra.Command, in *engine.TransactionInput, rate, original, base *float64) {
	cmd.Flags().StringVar(&in.Currency, "currency", "", "currency code")
	cmd.Flags().Float64Var(rate, "rate", 0, "exchange rate to base")
	cmd.Flags().Float64Var(original, "original", 0, "original amount")
	cmd.Flags().Float64Var(base, "base", 0, "base currency amount")
}

func txnAddCmd() *cobra.Command {
	var in engine.TransactionInput
	var rate, original, base float64
	cmd := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Record a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TaskID = args[0]
			in.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("rate") {
				in.ExchangeRate = &rate
			}
			if cmd.Flags().Changed("original") {
				in.OriginalAmount = &original
			}
			if cmd.Flags().Changed("base") {
				in.BaseAmount = &base
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, res, err := e.RecordTransaction(ctx, in)
				if err != nil {
					if !res.Valid {
						return fmt.Errorf("currency validation failed: %s", currencyIssues(res))
					}
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Kind, "kind", "", "income or expense")
	cmd.Flags().StringVar(&in.Note, "note", "", "note")
	txnFlags(cmd, &in, &rate, &original, &base)
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func txnListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List task transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListTransactionsByTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func txnValidateCmd() *cobra.Command {
	var in engine.TransactionInput
	var rate, original, base float64
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Dry-run currency validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("rate") {
				in.ExchangeRate = &rate
			}
			if cmd.Flags().Changed("original") {
				in.OriginalAmount = &original
			}
			if cmd.Flags().Changed("base") {
				in.BaseAmount = &base
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res := e.Currency.ValidateTransaction(currency.Input{
					Currency:       in.Currency,
					ExchangeRate:   in.ExchangeRate,
					OriginalAmount: in.OriginalAmount,
					BaseAmount:     in.BaseAmount,
				})
				return printJSONOrTable(res)
			})
		},
	}
	txnFlags(cmd, &in, &rate, &original, &base)
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func penaltyCmd() *cobra.Command {
	pen := &cobra.Command{
		Use:   "penalty",
		Short: "Manage penalties",
	}
	pen.AddCommand(penaltyAddCmd())
	pen.AddCommand(penaltyListCmd())
	pen.AddCommand(penaltyDeleteCmd())
	return pen
}

func penaltyAddCmd() *cobra.Command {
	var in engine.PenaltyInput
	var stage string
	cmd := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Record a penalty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TaskID = args[0]
			in.StageName = domain.StageName(stage)
			in.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.AddPenalty(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&in.WorkerID, "worker", "", "worker id")
	cmd.Flags().Float64Var(&in.Amount, "amount", 0, "penalty amount")
	cmd.Flags().StringVar(&in.Comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func penaltyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List task penalties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListPenaltiesByTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func penaltyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a penalty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeletePenalty(ctx, id)
			})
		},
	}
	return cmd
}

func branchCmd() *cobra.Command {
	br := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}
	br.AddCommand(branchCreateCmd())
	br.AddCommand(branchListCmd())
	return br
}

func branchCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b := domain.Branch{ID: newID(), Name: name, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if err := e.Repo.InsertBranch(ctx, b); err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "branch name")
	return cmd
}

func branchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBranches(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func clientCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "client",
		Short: "Manage clients",
	}
	cl.AddCommand(clientCreateCmd())
	cl.AddCommand(clientListCmd())
	return cl
}

func clientCreateCmd() *cobra.Command {
	var c domain.Client
	var dealAmount float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Name == "" {
				return fmt.Errorf("--name required")
			}
			if cmd.Flags().Changed("deal-amount") {
				c.DealAmount = &dealAmount
			}
			c.ID = newID()
			c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertClient(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&c.Name, "name", "", "client name")
	cmd.Flags().StringVar(&c.Phone, "phone", "", "phone")
	cmd.Flags().Float64Var(&dealAmount, "deal-amount", 0, "agreed deal amount")
	return cmd
}

func clientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClients(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func workerCmd() *cobra.Command {
	wk := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}
	wk.AddCommand(workerCreateCmd())
	wk.AddCommand(workerListCmd())
	return wk
}

func workerCreateCmd() *cobra.Command {
	var w domain.Worker
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if w.Name == "" {
				return fmt.Errorf("--name required")
			}
			if w.Role == "" {
				w.Role = "worker"
			}
			w.ID = newID()
			w.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertWorker(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&w.Name, "name", "", "worker name")
	cmd.Flags().StringVar(&w.Email, "email", "", "email")
	cmd.Flags().StringVar(&w.Role, "role", "", "role (worker, operator, admin)")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
	}
	ak.AddCommand(apiKeyCreateCmd())
	ak.AddCommand(apiKeyListCmd())
	ak.AddCommand(apiKeyDeleteCmd())
	return ak
}

func apiKeyCreateCmd() *cobra.Command {
	var workerID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		Long:  "Prints the plaintext key once; only the hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				return fmt.Errorf("--worker required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetWorker(ctx, workerID); err != nil {
					return err
				}
				plaintext := newID() + newID()
				key := domain.APIKey{
					ID:        newID(),
					WorkerID:  workerID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id": key.ID, "worker_id": key.WorkerID, "name": key.Name, "key": plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, workerID)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, stage moves, accruals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, evtType, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			log := newLogger()
			e := engine.New(conn, cfg, log)
			secret := cfg.Server.JWTSecret
			if secret == "" {
				secret = os.Getenv("DECLFLOW_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("jwt secret is required: set server.jwt_secret or DECLFLOW_JWT_SECRET")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: log},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Declflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLogger())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newID() string {
	return uuid.NewString()
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
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

func currencyIssues(res currency.Result) string {
	parts := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}

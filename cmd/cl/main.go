package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"complyline/internal/app"
	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/repo"
	"complyline/internal/scoring"
	"complyline/internal/server"
	"complyline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Complyline CLI",
	Long: `Complyline runs step-gated compliance records.
- Record types: ropa (12 steps), vendor (details, checklist, decision) and training (attendance, evidence), defined in complyline.yml.
- Steps unlock in order; a step opens once every earlier step has its required fields.
- Statuses go DRAFT -> IN_PROGRESS -> SUBMITTED -> APPROVED or REJECTED. Training records can be reopened after a rejection.
- Vendor checklists score 2/1/0/0 per answer and classify risk HIGH, MEDIUM or LOW.
- Event log: every change, view with 'cl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COMPLYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/complyline.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Manage compliance records"}
	cmd.AddCommand(recordCreateCmd())
	cmd.AddCommand(recordListCmd())
	cmd.AddCommand(recordShowCmd())
	cmd.AddCommand(recordSaveStepCmd())
	cmd.AddCommand(recordEvaluateCmd())
	cmd.AddCommand(recordSubmitCmd())
	cmd.AddCommand(recordApproveCmd())
	cmd.AddCommand(recordRejectCmd())
	cmd.AddCommand(recordReopenCmd())
	return cmd
}

func recordCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record in DRAFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Type == "" {
				return fmt.Errorf("--type required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Engine.CreateRecord(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Created %s record %s (current step %s)\n", rec.Type, rec.ID, rec.Current())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "record type (ropa, vendor, training)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "record title")
	cmd.Flags().StringVar(&opts.ID, "id", "", "record id (generated when empty)")
	return cmd
}

func recordListCmd() *cobra.Command {
	var f repo.RecordFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				records, err := rt.Engine.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Step", "Version", "Updated"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Title, r.Status, r.Current(), r.Version, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "record type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	return cmd
}

func recordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record with its step evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, ev, err := rt.Engine.EvaluateRecord(ctx, args[0], "", nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"record": rec, "evaluation": ev})
				}
				fmt.Printf("%s  %s  [%s]  %s  v%d  progress %d%%\n", rec.ID, rec.Type, rec.Status, rec.Title, rec.Version, ev.Progress)
				if rec.RejectionReason != "" {
					fmt.Printf("Rejected: %s\n", rec.RejectionReason)
				}
				printEvaluation(ev)
				return nil
			})
		},
	}
}

func recordSaveStepCmd() *cobra.Command {
	var dataJSON string
	var sets []string
	var expected int
	cmd := &cobra.Command{
		Use:   "save-step <id> <step>",
		Short: "Save one step's data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseStepData(dataJSON, sets)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Engine.SaveStep(ctx, engine.SaveStepOptions{
					ID:              args[0],
					Step:            workflow.StepKey(args[1]),
					Data:            data,
					ExpectedVersion: expected,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Saved %s on %s (status %s, version %d)\n", args[1], rec.ID, rec.Status, rec.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "step data as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the record is at this version")
	return cmd
}

func recordEvaluateCmd() *cobra.Command {
	var step, dataJSON string
	var sets []string
	cmd := &cobra.Command{
		Use:   "evaluate <id>",
		Short: "Evaluate a record, optionally with unsaved data for one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var draft workflow.StepData
			if step != "" {
				d, err := parseStepData(dataJSON, sets)
				if err != nil {
					return err
				}
				draft = d
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				_, ev, err := rt.Engine.EvaluateRecord(ctx, args[0], workflow.StepKey(step), draft)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("progress %d%%, can submit: %t\n", ev.Progress, ev.Gate.OK)
				printEvaluation(ev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step the draft data belongs to")
	cmd.Flags().StringVar(&dataJSON, "data", "", "draft data as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	return cmd
}

func recordSubmitCmd() *cobra.Command {
	return transitionCmd("submit", "Submit a record for approval", func(ctx context.Context, e engine.Engine, id, actor string) error {
		return printRecordResult(e.Submit(ctx, id, actor))
	})
}

func recordApproveCmd() *cobra.Command {
	return transitionCmd("approve", "Approve a submitted record", func(ctx context.Context, e engine.Engine, id, actor string) error {
		return printRecordResult(e.Approve(ctx, id, actor))
	})
}

func recordRejectCmd() *cobra.Command {
	var reason string
	cmd := transitionCmd("reject", "Reject a submitted record", func(ctx context.Context, e engine.Engine, id, actor string) error {
		return printRecordResult(e.Reject(ctx, id, actor, reason))
	})
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func recordReopenCmd() *cobra.Command {
	return transitionCmd("reopen", "Reopen a rejected record for rework", func(ctx context.Context, e engine.Engine, id, actor string) error {
		return printRecordResult(e.Reopen(ctx, id, actor))
	})
}

func transitionCmd(use, short string, fn func(ctx context.Context, e engine.Engine, id, actor string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return fn(ctx, rt.Engine, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func checklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checklist", Short: "Answer and score vendor checklists"}
	cmd.AddCommand(checklistAnswerCmd())
	cmd.AddCommand(checklistAssessmentCmd())
	return cmd
}

func checklistAnswerCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "answer <id> <question> <status>",
		Short: "Record a checklist answer (COMPLIANT, PARTIAL, NON_COMPLIANT, NA)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := scoring.ParseAnswerStatus(args[2])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.AnswerQuestion(ctx, engine.AnswerOptions{
					ID:           args[0],
					QuestionID:   args[1],
					Status:       status,
					ResponseText: text,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "free-text response")
	return cmd
}

func checklistAssessmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assessment <id>",
		Short: "Show the checklist score and risk level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Assessment(ctx, args[0])
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Inspect and validate record type schemas"}
	cmd.AddCommand(schemaListCmd())
	cmd.AddCommand(schemaShowCmd())
	cmd.AddCommand(schemaValidateCmd())
	cmd.AddCommand(schemaInitCmd())
	return cmd
}

func schemaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List record types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				types := rt.Engine.Catalog.Types.Types()
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(types))
					for _, t := range types {
						out = append(out, map[string]any{"key": t.Key, "label": t.Label, "steps": t.Schema.Keys(), "rework_on_reject": t.Lifecycle.ReworkOnReject})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Label", "Steps", "Checklist", "Rework"})
				for _, t := range types {
					_, hasChecklist := rt.Engine.Catalog.Checklist(t.Key)
					tw.AppendRow(table.Row{t.Key, t.Label, t.Schema.Len(), hasChecklist, t.Lifecycle.ReworkOnReject})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func schemaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <type>",
		Short: "Show the ordered steps of a record type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.Catalog.RecordType(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t.Schema.Steps())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Label", "Required"})
				for i, s := range t.Schema.Steps() {
					tw.AppendRow(table.Row{i + 1, s.Key, s.Label, strings.Join(s.RequiredFields, ", ")})
				}
				tw.Render()
				if binding, ok := rt.Engine.Catalog.Checklist(t.Key); ok {
					th := binding.Checklist.Thresholds
					fmt.Printf("Checklist on step %s: %d questions, max score %d, HIGH <= %d, MEDIUM <= %d\n",
						binding.Step, len(binding.Checklist.Questions), binding.Checklist.MaxScore(), th.HighMax, th.MediumMax)
				}
				return nil
			})
		},
	}
}

func schemaValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file without opening the workspace",
		Args:  cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if _, err := engine.NewCatalog(cfg); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %d record types OK\n", path, len(cfg.RecordTypes))
			return nil
		},
	}
}

func schemaInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default complyline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.History(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Record", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RecordID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RecordID, "record", "", "record id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("COMPLYLINE_JWT_SECRET"),
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
				}
				if authCfg.JWTSecret == "" && !legacyHeader {
					return fmt.Errorf("COMPLYLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:        rt.Engine,
					BasePath:      basePath,
					Auth:          authCfg,
					ApproverRoles: rt.Config.Auth.ApproverRoles,
					Logger:        log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if basePath == "" {
					basePath = "/v0"
				}
				log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving complyline api")
				fmt.Printf("Serving Complyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path, then /v0)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login token minting")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func parseStepData(raw string, sets []string) (workflow.StepData, error) {
	data := workflow.StepData{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--set %q: expected field=value", kv)
		}
		data[key] = value
	}
	return data, nil
}

func printEvaluation(ev engine.Evaluation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "Step", "Label", "Complete", "Unlocked", "Missing"})
	for _, s := range ev.Steps {
		marker := ""
		if s.Key == ev.CurrentStep {
			marker = ">"
		}
		tw.AppendRow(table.Row{marker, s.Key, s.Label, s.Complete, s.Unlocked, strings.Join(s.Missing, ", ")})
	}
	tw.Render()
	if !ev.Gate.OK {
		keys := make([]string, len(ev.Gate.MissingSteps))
		for i, k := range ev.Gate.MissingSteps {
			keys[i] = string(k)
		}
		fmt.Printf("Incomplete before submit: %s\n", strings.Join(keys, ", "))
	}
}

func printAssessment(a scoring.Assessment) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Question", "Status", "Points", "Response"})
	for _, ans := range a.Answers {
		tw.AppendRow(table.Row{ans.QuestionID, ans.Status, ans.Status.Points(), ans.ResponseText})
	}
	tw.AppendFooter(table.Row{"", "Score", fmt.Sprintf("%d/%d", a.Score, a.MaxScore), a.Risk})
	tw.Render()
	fmt.Printf("Answered %d of %d questions\n", a.Answered, a.Questions)
	return nil
}

func printRecordResult(rec any, err error) error {
	if err != nil {
		return err
	}
	return printJSONOrTable(rec)
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

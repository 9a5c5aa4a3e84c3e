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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/metrics"
	"gateline/internal/registry"
	"gateline/internal/server"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline governs repository lifecycles with a fixed state machine and
check-gated transitions. A repository moves NEW_IDEA -> DISCOVERY_RUNNING ->
EVOLUTION_COMPLETE -> BUILD_RUNNING -> VALIDATION -> APPROVAL -> RELEASED,
and each hop is gated on the validation matrix for its current state.
Every attempt, accepted or rejected, lands in an append-only ledger.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func repoCmd() *cobra.Command {
	repo := &cobra.Command{Use: "repo", Short: "Manage governed repositories"}
	repo.AddCommand(repoRegisterCmd())
	repo.AddCommand(repoListCmd())
	repo.AddCommand(repoShowCmd())
	return repo
}

func repoRegisterCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a repository (starts in NEW_IDEA)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.RegisterRepository(ctx, id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "repository id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func repoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Sink.ListRepositories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.State, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func repoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a repository with its gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Sink.GetRepository(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"repository":      r,
					"allowed_next":    rt.Config.AllowedNext(r.State),
					"required_checks": rt.Config.RequiredChecks(r.State),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Repository: %s (%s)\n", r.ID, r.State)
				fmt.Printf("Allowed next: %v\n", rt.Config.AllowedNext(r.State))
				fmt.Printf("Required checks: %v\n", rt.Config.RequiredChecks(r.State))
				return nil
			})
		},
	}
	return cmd
}

func checkCmd() *cobra.Command {
	check := &cobra.Command{Use: "check", Short: "Report and inspect check results"}
	check.AddCommand(checkReportCmd())
	check.AddCommand(checkListCmd())
	check.AddCommand(checkVerdictCmd())
	return check
}

func checkReportCmd() *cobra.Command {
	var name, status, detail string
	cmd := &cobra.Command{
		Use:   "report <repository>",
		Short: "Report a check result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || status == "" {
				return fmt.Errorf("--name and --status required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res := domain.CheckResult{
					RepositoryID: args[0],
					Name:         name,
					Status:       domain.CheckStatus(status),
					Detail:       detail,
				}
				if err := rt.Engine.ReportCheck(ctx, res); err != nil {
					return err
				}
				stored, _, err := rt.Sink.LatestCheckResult(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "check name (from the catalog)")
	cmd.Flags().StringVar(&status, "status", "", "pass, fail or pending")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")
	return cmd
}

func checkListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <repository>",
		Short: "List latest check results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Sink.ListCheckResults(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Last run", "Detail"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Name, c.Status, c.LastRun, c.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checkVerdictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdict <repository>",
		Short: "Evaluate the validation matrix for the current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.Evaluate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("Overall: %s (%s)\n", v.Overall, v.Reason())
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Detail"})
				for _, c := range v.Checks {
					tw.AppendRow(table.Row{c.Name, c.Status, c.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <repository> <to-state>",
		Short: "Attempt a single lifecycle transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := domain.State(args[1])
			if !domain.KnownState(to) {
				return fmt.Errorf("unknown state %q (states: %v)", args[1], domain.States)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				dec, err := rt.Engine.AttemptTransition(ctx, engine.TransitionRequest{
					RepositoryID: args[0],
					To:           to,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dec)
				}
				if dec.Accepted {
					fmt.Printf("accepted: %s -> %s\n", dec.From, dec.To)
				} else {
					fmt.Printf("rejected: %s -> %s (%s)\n", dec.From, dec.To, dec.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "gate <repository> <to-state>",
		Short: "Run a gated transition with remediation",
		Long:  "Evaluates the validation matrix and, on failure, invokes the configured remediation hook up to the attempt budget before escalating.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := domain.State(args[1])
			if !domain.KnownState(to) {
				return fmt.Errorf("unknown state %q (states: %v)", args[1], domain.States)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				outcome, err := rt.Engine.RunGatedTransition(ctx, args[0], to, maxAttempts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outcome)
				}
				fmt.Printf("final: %s\n", outcome.Final)
				if outcome.Decision.Reason != "" {
					fmt.Printf("reason: %s\n", outcome.Decision.Reason)
				}
				for _, a := range outcome.Attempts {
					fmt.Printf("attempt %d at %s: %s\n", a.Number, a.TriggeredAt, a.Outcome)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "remediation budget (0 uses the configured default)")
	return cmd
}

func historyCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "history <repository>",
		Short: "Show the transition ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if at != "" {
					ts, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("--at must be RFC 3339: %w", err)
					}
					state, err := rt.Engine.StateAt(ctx, args[0], ts)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]string{"state": string(state)})
					}
					fmt.Println(state)
					return nil
				}
				records, err := rt.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Accepted", "Reason", "Attempts"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.TS, rec.From, rec.To, rec.Accepted, rec.Reason, len(rec.Attempts)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "show the state at this RFC 3339 instant instead")
	return cmd
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the lifecycle transition graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					edges := make(map[string][]string, len(domain.States))
					for _, s := range domain.States {
						var next []string
						for _, n := range rt.Config.AllowedNext(s) {
							next = append(next, string(n))
						}
						edges[string(s)] = next
					}
					return printJSON(edges)
				}
				for _, s := range domain.States {
					next := rt.Config.AllowedNext(s)
					if len(next) == 0 {
						fmt.Printf("%s (terminal)\n", s)
						continue
					}
					for _, n := range next {
						fmt.Printf("%s -> %s  [requires %v]\n", s, n, rt.Config.RequiredChecks(s))
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Attempt the next hop for every repository with a single outgoing edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				results, err := rt.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				for _, res := range results {
					verdict := "accepted"
					if !res.Accepted {
						verdict = "rejected: " + res.Reason
					}
					fmt.Printf("%s: %s -> %s (%s)\n", res.RepositoryID, res.From, res.To, verdict)
				}
				if len(results) == 0 {
					fmt.Println("nothing to sweep")
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "gateline", "repository id for the template")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Config)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   registry.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := rt.Sink.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "secret": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("id: %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Sink.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Sink.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				reg := prometheus.NewRegistry()
				rt.Engine.Metrics = metrics.New(reg)

				jwtSecret := rt.Config.Server.JWTSecret
				if env := os.Getenv("GATELINE_JWT_SECRET"); env != "" {
					jwtSecret = env
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret}
				if jwtSecret != "" {
					authCfg.Keys = rt.Sink
				}
				handler, err := server.New(server.Config{
					Engine:        rt.Engine,
					BasePath:      basePath,
					Auth:          authCfg,
					Metrics:       reg,
					WebhookSecret: rt.Config.Server.WebhookSecret,
				})
				if err != nil {
					return err
				}

				var sched *cron.Cron
				if spec := rt.Config.Server.SweepCron; spec != "" {
					sched = cron.New()
					if _, err := sched.AddFunc(spec, func() {
						if _, err := rt.Engine.Sweep(context.Background()); err != nil {
							fmt.Fprintln(os.Stderr, "sweep:", err)
						}
					}); err != nil {
						return fmt.Errorf("sweep cron %q: %w", spec, err)
					}
					sched.Start()
					defer sched.Stop()
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gl", version)
		},
	}
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"workgate/internal/app"
	"workgate/internal/config"
	"workgate/internal/db"
	"workgate/internal/domain"
	"workgate/internal/gate"
	"workgate/internal/logging"
	"workgate/internal/policy"
	"workgate/internal/repo"
	"workgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wg",
	Short: "workgate CLI",
	Long: `workgate decides whether a principal may perform an action on a work item.
- Engagement level: 1-5 rank of a principal. Each level grants action tiers T1 (read) to T5 (deploy).
- Environment cap: the highest level honored in an environment (production caps at 3 by default).
- Handoff: a work item moves proposed -> in_progress -> review_pending -> resolved.
- Ledger: every decision, allowed or denied, is appended to a hash chained per work item log.
- Idempotency key: redelivering the same key returns the recorded decision instead of deciding again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides workgate.yml)")
	rootCmd.PersistentFlags().String("log-format", "", "log format json|console (overrides workgate.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(principalCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := viper.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Must(cfg.Log)
	defer logger.Sync()
	opts.Config = cfg
	opts.Logger = logger
	rt, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, principalHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: principalHeader,
					Logger:           rt.Logger,
				}
				if authCfg.JWTSecret == "" && !principalHeader {
					return fmt.Errorf("WORKGATE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: authCfg, DevLogin: devLogin})
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
				rt.Logger.Info("serving workgate API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	cmd.Flags().BoolVar(&principalHeader, "allow-principal-header", false, "trust X-Principal-Id without credentials (local only)")
	return cmd
}

func authorizeCmd() *cobra.Command {
	var principalID, env, key string
	cmd := &cobra.Command{
		Use:   "authorize <work-item> <action>",
		Short: "Decide an action for a principal and record it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withRuntime(cmd.Context(), app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Identity.Resolve(ctx, principalID)
				if err != nil {
					return err
				}
				res, err := rt.Gate.Authorize(ctx, gate.Request{
					Principal:      p,
					Environment:    domain.Environment(env),
					WorkItemID:     args[0],
					Action:         args[1],
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				return printDecision(res)
			})
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "acting principal id")
	cmd.Flags().StringVar(&env, "env", "", "target environment (default from config)")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (random when empty)")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var evt domain.VerifiedEvent
	var env, payload string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Handle a verified event as the HTTP intake would",
		RunE: func(cmd *cobra.Command, args []string) error {
			evt.Environment = domain.Environment(env)
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withRuntime(cmd.Context(), app.Options{}, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Dispatcher.Handle(ctx, evt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Routed {
					fmt.Printf("routed %s to %s (candidates %s)\n", evt.Path, res.PrincipalID, strings.Join(res.Candidates, ", "))
				}
				if err := printDecision(res.Result); err != nil {
					return err
				}
				switch {
				case res.EffectError != "":
					fmt.Println("effect failed:", res.EffectError)
				case res.EffectApplied:
					fmt.Println("effect applied")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evt.DeliveryID, "delivery", "", "delivery id (idempotency key)")
	cmd.Flags().StringVar(&evt.Actor, "actor", "", "acting principal id; empty routes by --path")
	cmd.Flags().StringVar(&evt.Target, "target", "", "work item id")
	cmd.Flags().StringVar(&evt.Action, "action", "", "action name")
	cmd.Flags().StringVar(&evt.Path, "path", "", "changed path used for CODEOWNERS routing")
	cmd.Flags().StringVar(&env, "env", "", "target environment")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object forwarded to effectors")
	_ = cmd.MarkFlagRequired("delivery")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func stateCmd() *cobra.Command {
	var filter string
	var limit int
	cmd := &cobra.Command{
		Use:   "state [work-item]",
		Short: "Show the handoff state of one or all work items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				var items []domain.WorkItem
				if len(args) == 1 {
					item, err := rt.Gate.State(ctx, args[0])
					if err != nil {
						return fmt.Errorf("work item %s: %w", args[0], err)
					}
					items = append(items, item)
				} else {
					var err error
					items, err = repo.Repo{DB: rt.DB}.ListWorkItems(ctx, domain.HandoffState(filter), limit)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Last Seq", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.State, w.LastSeq, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func historyCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history <work-item>",
		Short: "Show ledger entries of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Ledger.HistoryPage(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Time", "Principal", "Action", "Env", "Tier", "Decision", "Transition", "Reason"})
				for _, e := range entries {
					reason := ""
					if e.Reason != nil {
						reason = e.Reason.Message
					}
					tw.AppendRow(table.Row{
						e.Seq, e.Timestamp, e.PrincipalID, e.Action, e.Environment, e.Tier,
						e.Decision, fmt.Sprintf("%s -> %s", e.FromState, e.ToState), reason,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (0 = all)")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [work-item]",
		Short: "Check ledger hash chains",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				ids := args
				if len(ids) == 0 {
					var err error
					if ids, err = (repo.Repo{DB: rt.DB}).ListWorkItemIDs(ctx); err != nil {
						return err
					}
				}
				broken := 0
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work Item", "Entries", "OK", "Broken At", "Message"})
				var reports []any
				for _, id := range ids {
					rep, err := rt.Ledger.Verify(ctx, id)
					if err != nil {
						return err
					}
					if !rep.OK {
						broken++
					}
					reports = append(reports, rep)
					tw.AppendRow(table.Row{rep.WorkItemID, rep.Entries, rep.OK, rep.BrokenAt, rep.Message})
				}
				if viper.GetBool("json") {
					if err := printJSON(reports); err != nil {
						return err
					}
				} else {
					tw.Render()
				}
				if broken > 0 {
					return fmt.Errorf("%d ledger chain(s) broken", broken)
				}
				return nil
			})
		},
	}
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover [work-item]",
		Short: "Rebuild work item projections from the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				var reports []gate.RecoverReport
				if len(args) == 1 {
					rep, err := rt.Gate.Recover(ctx, args[0])
					if err != nil {
						return err
					}
					reports = append(reports, rep)
				} else {
					var err error
					if reports, err = rt.Gate.RecoverAll(ctx); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work Item", "Stored", "Replayed", "Last Seq", "Repaired"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.WorkItemID, r.Stored, r.Replayed, r.LastSeq, r.Repaired})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the engagement policy",
	}
	cmd.AddCommand(policyCheckCmd())
	cmd.AddCommand(policyShowCmd())
	return cmd
}

func loadPolicy() (*policy.Policy, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return policy.New(cfg.Engagement)
}

func policyCheckCmd() *cobra.Command {
	var level int
	var env, action string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a level against an action without recording anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := loadPolicy()
			if err != nil {
				return err
			}
			rule, ok := pol.Resolve(action)
			if !ok {
				return fmt.Errorf("unknown action %q", action)
			}
			e := domain.Environment(env)
			if e == "" {
				e = pol.DefaultEnvironment()
			}
			p := domain.Principal{ID: "policy-check", Kind: domain.KindAgent, Level: level}
			decision, err := pol.Evaluate(p, e, rule.Tier)
			if err != nil {
				return err
			}
			out := map[string]any{
				"action":          rule.Name,
				"tier":            rule.Tier,
				"environment":     e,
				"level":           level,
				"effective_level": decision.Effective,
				"allow":           decision.Allow,
			}
			if decision.Denial != nil {
				out["reason"] = decision.Denial.Error()
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if decision.Allow {
				fmt.Printf("allow: L%d in %s (effective L%d) may %s (%s)\n", level, e, decision.Effective, rule.Name, rule.Tier)
				return nil
			}
			fmt.Printf("deny: %s\n", decision.Denial.Error())
			return nil
		},
	}
	cmd.Flags().IntVar(&level, "level", 0, "engagement level 1-5")
	cmd.Flags().StringVar(&env, "env", "", "environment")
	cmd.Flags().StringVar(&action, "action", "", "action name")
	_ = cmd.MarkFlagRequired("level")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List actions with their tier and handoff event",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := loadPolicy()
			if err != nil {
				return err
			}
			actions := pol.Actions()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"actions": actions, "environments": pol.Environments()})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Action", "Tier", "Event"})
			for _, a := range actions {
				tw.AppendRow(table.Row{a.Name, a.Tier, a.Event})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workgate.yml",
		Long:  "workgate.yml holds the level table, environment caps, action map, principal roster, CODEOWNERS routing, effect webhooks, lock backend and logging.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default workgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage principals and their credentials",
	}
	cmd.AddCommand(principalListCmd())
	cmd.AddCommand(principalSetLevelCmd())
	cmd.AddCommand(principalKeyCmd())
	cmd.AddCommand(principalTokenCmd())
	return cmd
}

func principalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Identity.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Level", "Name", "Capabilities"})
				for _, p := range items {
					name := ""
					if l, ok := rt.Policy.Level(p.Level); ok {
						name = l.Name
					}
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Level, name, strings.Join(p.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func principalSetLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-level <principal> <level>",
		Short: "Change the engagement level of a principal",
		Long:  "The change lasts until the principal is seeded again from workgate.yml on the next start.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("level must be a number: %w", err)
			}
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Identity.SetLevel(ctx, args[0], level); err != nil {
					return err
				}
				fmt.Printf("%s now at level %d\n", args[0], level)
				return nil
			})
		},
	}
}

func principalKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <principal>",
		Short: "Issue an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Identity.Resolve(ctx, args[0]); err != nil {
					return err
				}
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "wg_" + hex.EncodeToString(buf)
				key := domain.APIKey{ID: uuid.NewString(), PrincipalID: args[0], Name: name, KeyHash: repo.HashAPIKey(secret)}
				if err := (repo.Repo{DB: rt.DB}).InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "principal_id": key.PrincipalID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				return (repo.Repo{DB: rt.DB}).DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, revoke)
	return cmd
}

func principalTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a bearer token signed with WORKGATE_JWT_SECRET",
		Long:  "The principal must be in the roster or listed in dispatch.intake.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), app.Options{SkipRecover: true}, func(ctx context.Context, rt *app.Runtime) error {
				if !rt.Config.Dispatch.IsIntake(args[0]) {
					if _, err := rt.Identity.Resolve(ctx, args[0]); err != nil {
						return err
					}
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func printDecision(res gate.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	replay := ""
	if res.Replayed {
		replay = " (replayed)"
	}
	fmt.Printf("%s%s: %s on %s [%s] %s -> %s, seq %d\n",
		res.Decision, replay, res.Action, res.WorkItemID, res.Tier, res.From, res.To, res.Entry.Seq)
	if res.Reason != nil {
		fmt.Printf("reason: %s\n", res.Reason.Message)
		if len(res.Reason.Allowed) > 0 {
			fmt.Printf("allowed events from %s: %s\n", res.Reason.State, strings.Join(res.Reason.Allowed, ", "))
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

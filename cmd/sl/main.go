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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/stage"
	"stageline/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline tracks job applications through a role-gated review pipeline.
- Workspace: your .stageline directory with only the database; the org config
  lives in the DB and is imported explicitly from stageline.yml.
- Applications move submitted -> screen -> recruiter_review -> recruiter_proposed
  -> company_review -> interview -> offer, with rejected as the terminal exit and
  recruiter_request as the rework loop.
- Who may approve, deny, or request changes at each stage depends on role:
  recruiters own the screening track, company users own the review track,
  platform admins may act anywhere.
- Every transition lands in the event log; view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides single-org default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func applicationCmd() *cobra.Command {
	a := &cobra.Command{
		Use:     "application",
		Aliases: []string{"app"},
		Short:   "Manage applications",
	}
	a.AddCommand(applicationSubmitCmd())
	a.AddCommand(applicationListCmd())
	a.AddCommand(applicationGetCmd())
	a.AddCommand(applicationPermissionsCmd())
	a.AddCommand(applicationApproveCmd())
	a.AddCommand(applicationDenyCmd())
	a.AddCommand(applicationRequestChangesCmd())
	a.AddCommand(applicationPrescreenCmd())
	a.AddCommand(applicationNoteCmd())
	a.AddCommand(applicationNotesCmd())
	return a
}

func applicationSubmitCmd() *cobra.Command {
	var candidateID, jobID, recruiterID string
	var score int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new application",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.SubmitInput{
				CandidateID:          candidateID,
				JobID:                jobID,
				CandidateRecruiterID: optionalString(recruiterID),
			}
			if cmd.Flags().Changed("ai-score") {
				in.AIReviewScore = &score
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Submit(ctx, viper.GetString("actor-id"), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&candidateID, "candidate", "", "candidate id")
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&recruiterID, "recruiter", "", "candidate recruiter id")
	cmd.Flags().IntVar(&score, "ai-score", 0, "ai review score (0-100)")
	_ = cmd.MarkFlagRequired("candidate")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func applicationListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	var minScore int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-score") {
				f.MinScore = &minScore
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.OrgID == "" {
					f.OrgID = e.Config.Org.ID
				}
				items, err := e.Repo.ListApplications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Candidate", "Job", "Stage", "Version", "Recruiter", "Updated"})
				for _, a := range items {
					recruiter := ""
					if a.CandidateRecruiterID != nil {
						recruiter = *a.CandidateRecruiterID
					}
					tw.AppendRow(table.Row{a.ID, a.CandidateID, a.JobID, stage.Parse(a.Stage).Label(), a.Version, recruiter, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.RecruiterID, "recruiter", "", "recruiter filter")
	cmd.Flags().StringVar(&f.JobID, "job", "", "job filter")
	cmd.Flags().StringVar(&f.CandidateID, "candidate", "", "candidate filter")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "minimum ai review score")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func applicationGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetApplication(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func applicationPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions <id>",
		Short: "Show what the acting user may do",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("application id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				perms, a, err := e.PermissionsFor(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"application_id": a.ID,
					"stage":          a.Stage,
					"version":        a.Version,
					"permissions":    perms,
				})
			})
		},
	}
	return cmd
}

func applicationApproveCmd() *cobra.Command {
	var note string
	var moveToOffer bool
	var expected int64
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ApproveOptions{Note: note, MoveToOffer: moveToOffer}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, viper.GetString("actor-id"), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note to attach after the transition")
	cmd.Flags().BoolVar(&moveToOffer, "move-to-offer", false, "fast-track company review straight to offer")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail if the stored version differs")
	return cmd
}

func applicationDenyCmd() *cobra.Command {
	var reason string
	var expected int64
	cmd := &cobra.Command{
		Use:   "deny <id>",
		Short: "Reject an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DenyOptions{}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Deny(ctx, viper.GetString("actor-id"), args[0], reason, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail if the stored version differs")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func applicationRequestChangesCmd() *cobra.Command {
	var note string
	var expected int64
	cmd := &cobra.Command{
		Use:   "request-changes <id>",
		Short: "Send the application back to the recruiter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ChangeOptions{Note: note}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestChanges(ctx, viper.GetString("actor-id"), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "what needs to change (required)")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail if the stored version differs")
	return cmd
}

func applicationPrescreenCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "prescreen <id>",
		Short: "Route a submitted application into screening",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestPrescreen(ctx, viper.GetString("actor-id"), args[0], engine.ChangeOptions{Note: note})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note to attach after the transition")
	return cmd
}

func applicationNoteCmd() *cobra.Command {
	var text, inResponseTo string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AddNote(ctx, viper.GetString("actor-id"), args[0], text, optionalString(inResponseTo))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "note text")
	cmd.Flags().StringVar(&inResponseTo, "in-response-to", "", "parent note id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func applicationNotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes <id>",
		Short: "List notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect org config",
		Long:  "Config is the rulebook (stored in DB): org identity, note visibility, RBAC roles, webhooks, and the stalled-application sweep. Import from stageline.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import stageline.yml into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgID := viper.GetString("org")
				if orgID == "" {
					orgID = cfg.Org.ID
				}
				if orgID == "" {
					return fmt.Errorf("org id missing; set org.id in the config or pass --org")
				}
				resolved, _, err := app.ResolveOrgAndConfig(ctx, orgID, r)
				if err != nil {
					return err
				}
				if err := r.UpsertOrgConfig(ctx, resolved, cfg); err != nil {
					return err
				}
				if len(cfg.RBAC.Roles) > 0 {
					if err := r.SyncRoles(ctx, cfg.RBAC.Roles); err != nil {
						return err
					}
				}
				fmt.Printf("imported config for org %s\n", resolved)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (default <workspace>/stageline.yml)")
	return cmd
}

func configCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file without importing",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
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
	cmd.Flags().StringVar(&file, "file", "", "config file path (default <workspace>/stageline.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline scoreboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountApplicationsByStage(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"org_id": e.Config.Org.ID, "stage_counts": counts})
				}
				fmt.Printf("Org: %s\n", e.Config.Org.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Applications"})
				for _, s := range stage.All {
					if n, ok := counts[string(s)]; ok {
						tw.AppendRow(table.Row{s.Label(), n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "RBAC management",
	}
	cmd.AddCommand(roleAssignCmd())
	cmd.AddCommand(roleRevokeCmd())
	cmd.AddCommand(roleListCmd())
	cmd.AddCommand(roleWhoamiCmd())
	return cmd
}

func roleAssignCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AssignRole(ctx, e.Config.Org.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeRole(ctx, e.Config.Org.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	return cmd
}

func roleWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Org.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id": viper.GetString("actor-id"),
					"org_id":   e.Config.Org.ID,
					"roles":    roles,
				})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k, secret, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"name":     k.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, transitions, notes, and sweeps.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, e.Config.Org.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the stalled-application sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := &sweep.Sweeper{Engine: e}
				return s.Run(ctx)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var rateLimit int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), viper.GetString("org"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			limiter, err := server.NewRateLimiter(os.Getenv("STAGELINE_REDIS_URL"), rateLimit, time.Minute)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, RateLimit: limiter})
			if err != nil {
				return err
			}
			sweeper, err := sweep.Start(e)
			if err != nil {
				return err
			}
			defer sweeper.Stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 60, "mutating requests per actor per minute (needs STAGELINE_REDIS_URL)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

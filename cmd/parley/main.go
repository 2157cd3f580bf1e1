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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/domain"
	"parley/internal/engine"
	"parley/internal/gateway"
	"parley/internal/migrate"
	"parley/internal/registry"
	"parley/internal/repo"
	"parley/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley CLI",
	Long: `Parley is a marketplace engagement and messaging core.
- Identities: requesters, providers, and moderators.
- Engagements: an offer between a requester and a provider that moves
  negotiating -> accepted -> completed -> finalized, or exits via
  rejected/cancelled.
- Threads: the conversation bound one-to-one to an engagement; a
  terminal engagement closes its thread.
- Messages: ordered per thread, readable after closure.
- Event log: diary of changes, view with 'parley log tail'.`,
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
	viper.SetEnvPrefix("PARLEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting identity id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(engagementCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default parley.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
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
	return cmd
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Manage identities",
	}
	id.AddCommand(identityRegisterCmd())
	id.AddCommand(identityListCmd())
	id.AddCommand(identityShowCmd())
	id.AddCommand(identityAPIKeyCmd())
	return id
}

func identityRegisterCmd() *cobra.Command {
	var opts engine.IdentityCreateOptions
	var role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Role = domain.Role(role)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ident, err := e.RegisterIdentity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ident)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "identity id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&role, "role", "", "role (requester, provider, moderator)")
	cmd.Flags().StringVar(&opts.DisplayName, "display-name", "", "display name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func identityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				idents, err := e.Repo.ListIdentities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(idents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Display Name", "Created"})
				for _, i := range idents {
					tw.AppendRow(table.Row{i.ID, i.Role, i.DisplayName, i.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func identityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ident, err := e.Repo.GetIdentity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(ident)
			})
		},
	}
	return cmd
}

func identityAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey <identity-id>",
		Short: "Mint an API key for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				// the raw key is shown once; only its hash is stored
				return printJSONOrIndent(map[string]any{
					"id":          key.ID,
					"identity_id": key.IdentityID,
					"name":        key.Name,
					"key":         raw,
					"created_at":  key.CreatedAt,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func engagementCmd() *cobra.Command {
	eng := &cobra.Command{
		Use:   "engagement",
		Short: "Manage engagements",
		Long:  "Engagements flow negotiating -> accepted -> completed -> finalized; rejected and cancelled are exits. Accept and reject belong to the principal who did not open the engagement.",
	}
	eng.AddCommand(engagementCreateCmd())
	eng.AddCommand(engagementListCmd())
	eng.AddCommand(engagementShowCmd())
	eng.AddCommand(engagementTransitionCmd("accept", "Accept an engagement", engine.Engine.Accept))
	eng.AddCommand(engagementTransitionCmd("complete", "Mark an engagement completed", engine.Engine.MarkCompleted))
	eng.AddCommand(engagementTransitionCmd("finalize", "Finalize a completed engagement", engine.Engine.Finalize))
	eng.AddCommand(engagementTransitionCmd("reject", "Reject an engagement", engine.Engine.Reject))
	eng.AddCommand(engagementCancelCmd())
	return eng
}

func engagementCreateCmd() *cobra.Command {
	var opts engine.EngagementCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an engagement",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			opts.ActorID = actor
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateEngagement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequesterID, "requester", "", "requester identity id")
	cmd.Flags().StringVar(&opts.ProviderID, "provider", "", "provider identity id")
	cmd.Flags().StringVar(&opts.ListingRef, "listing", "", "listing reference")
	cmd.Flags().StringVar(&opts.ThreadID, "thread", "", "existing thread id (optional)")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func engagementListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engagements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEngagements(ctx, repo.EngagementFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Requester", "Provider", "Status", "Thread", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.RequesterID, it.ProviderID, it.Status, it.ThreadID, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func engagementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Repo.GetEngagement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	return cmd
}

func engagementTransitionCmd(action, short string, apply func(engine.Engine, context.Context, string, string) (engine.TransitionResult, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := apply(e, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res.Engagement)
			})
		},
	}
	return cmd
}

func engagementCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an engagement with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Cancel(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res.Engagement)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func threadCmd() *cobra.Command {
	th := &cobra.Command{
		Use:   "thread",
		Short: "Manage threads",
	}
	th.AddCommand(threadOpenCmd())
	th.AddCommand(threadListCmd())
	th.AddCommand(threadShowCmd())
	th.AddCommand(threadJoinCmd())
	th.AddCommand(threadCloseCmd())
	th.AddCommand(threadHistoryCmd())
	return th
}

func threadOpenCmd() *cobra.Command {
	var participants []string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a thread over two or three identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.OpenThread(ctx, engine.ThreadOpenOptions{ParticipantIDs: participants, ActorID: actor})
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&participants, "participant", []string{}, "participant identity id (repeatable)")
	return cmd
}

func threadListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the actor's threads, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListThreadsFor(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Engagement", "Closed", "Participants", "Last Message"})
				for _, s := range items {
					engagementID := ""
					if s.Thread.EngagementID != nil {
						engagementID = *s.Thread.EngagementID
					}
					var names []string
					for _, p := range s.Participants {
						names = append(names, p.IdentityID)
					}
					last := ""
					if s.LastMessageAt != nil {
						last = *s.LastMessageAt
					}
					tw.AppendRow(table.Row{s.Thread.ID, engagementID, s.Thread.Closed, strings.Join(names, ","), last})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func threadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a thread and its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetThread(ctx, args[0])
				if err != nil {
					return err
				}
				parts, err := e.Repo.ListParticipants(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"thread": t, "participants": parts})
			})
		},
	}
	return cmd
}

func threadJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <id>",
		Short: "Join a thread as a moderator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.JoinThread(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func threadCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a thread to further messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Authorize(ctx, args[0], actor); err != nil {
					return err
				}
				closed, err := e.CloseThread(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"thread_id": args[0], "closed_now": closed})
			})
		},
	}
	return cmd
}

func threadHistoryCmd() *cobra.Command {
	var afterSeq int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Read thread history in seq order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Authorize(ctx, args[0], actor); err != nil {
					return err
				}
				msgs, err := e.Repo.ListMessages(ctx, args[0], afterSeq, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					fmt.Printf("%4d %s %s: %s\n", m.Seq, m.CreatedAt, m.SenderID, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "return messages after this seq")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages (0 for all)")
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "message",
		Short: "Send messages",
	}
	msg.AddCommand(messageSendCmd())
	return msg
}

func messageSendCmd() *cobra.Command {
	var threadID, content string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Append a message to a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AppendMessage(ctx, engine.MessageSendOptions{
					ThreadID: threadID,
					SenderID: actor,
					Content:  content,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var cursor int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "start after this event id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and websocket server",
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("PARLEY_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("a JWT secret is required: set auth.jwt_secret or PARLEY_JWT_SECRET")
			}
			e := engine.New(conn, cfg)
			gw := gateway.New(e, registry.New(), cfg)
			handler, err := server.New(server.Config{
				Gateway:  gw,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: secret,
					DevLogin:  cfg.Auth.DevLogin,
					APIKeys:   cfg.Auth.APIKeys,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Parley API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

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
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", fmt.Errorf("--actor-id is required")
	}
	return actor, nil
}

func printJSONOrIndent(v any) error {
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

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

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/ingest"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/server"
	"pulseline/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "pulseline",
	Short: "Pulseline CLI",
	Long: `Pulseline ingests delivery and engagement webhooks from outreach
providers, deduplicates them, correlates them back to campaign
enrollments and keeps per-campaign rollup counters current.

- Workspace: the .pulseline directory holding the database.
- Templates and instances: a template is the reusable sequence
  definition; an instance is one running campaign with counters.
- Enrollments: one contact inside one instance. Correlation keys map
  provider send ids back to enrollments.
- Orphans: events that arrived before their correlation key; the sweep
  retries them and dead-letters the hopeless ones for operator replay.`,
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
	viper.SetEnvPrefix("PULSELINE")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(enrollmentCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start webhook ingress and HTTP API server",
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
			e := ingest.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PULSELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PULSELINE_JWT_SECRET is required for bearer auth")
			}
			sw := sweep.New(e)
			handler, err := server.New(server.Config{Engine: e, Sweeper: sw, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go sw.Run(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pulseline API on http://%s%s (webhooks at /webhooks/{provider}, Swagger UI at /docs)\n", addr, basePath)
			fmt.Printf("Database: %s\n", db.Path(workspace))
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

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one orphan sweep cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				return sweep.New(e).Cycle(ctx)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage campaign templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var name, channel string
	var steps int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				t, err := e.CreateTemplate(ctx, ingest.TemplateCreateOptions{
					Name:      name,
					Channel:   channel,
					StepCount: steps,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&channel, "channel", "email", "channel (email, linkedin, multi)")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of sequence steps")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaign templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Channel", "Steps", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Channel, t.StepCount, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage campaign instances"}
	inst.AddCommand(instanceCreateCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceStatusCmd())
	inst.AddCommand(instanceMetricsCmd())
	inst.AddCommand(instanceDeleteCmd())
	return inst
}

func instanceDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a campaign instance and all of its enrollments and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deleting an instance removes its enrollments, keys and events; re-run with --yes")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteInstance(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted instance %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func instanceCreateCmd() *cobra.Command {
	var templateID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign instance from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				ci, err := e.CreateInstance(ctx, ingest.InstanceCreateOptions{
					TemplateID: templateID,
					Name:       name,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ci)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&name, "name", "", "instance name (defaults to template name)")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaign instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstances(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Enrolled", "Sent", "Delivered", "Opened", "Clicked", "Replied"})
				for _, ci := range items {
					tw.AppendRow(table.Row{ci.ID, ci.Name, ci.Status, ci.TotalEnrolled, ci.TotalSent, ci.TotalDelivered, ci.TotalOpened, ci.TotalClicked, ci.TotalReplied})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a campaign instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ci, err := r.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ci)
			})
		},
	}
	return cmd
}

func instanceStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update a campaign instance status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				ci, err := e.SetInstanceStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(ci)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "status (draft, active, paused, completed, failed)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func instanceMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show campaign instance metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				m, err := e.Metrics(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Instance: %s\n", m.InstanceID)
				fmt.Printf("  enrolled:  %d\n", m.TotalEnrolled)
				fmt.Printf("  sent:      %d\n", m.TotalSent)
				fmt.Printf("  delivered: %d (%.2f%%)\n", m.TotalDelivered, m.DeliveryRate)
				fmt.Printf("  opened:    %d (%.2f%%)\n", m.TotalOpened, m.OpenRate)
				fmt.Printf("  clicked:   %d (%.2f%%)\n", m.TotalClicked, m.ClickThroughRate)
				fmt.Printf("  replied:   %d (%.2f%%)\n", m.TotalReplied, m.ReplyRate)
				return nil
			})
		},
	}
	return cmd
}

func enrollmentCmd() *cobra.Command {
	en := &cobra.Command{Use: "enrollment", Short: "Manage enrollments"}
	en.AddCommand(enrollmentAddCmd())
	en.AddCommand(enrollmentListCmd())
	en.AddCommand(enrollmentShowCmd())
	en.AddCommand(enrollmentStatusCmd())
	en.AddCommand(enrollmentKeyCmd())
	return en
}

func enrollmentAddCmd() *cobra.Command {
	var instanceID, contactJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enroll a contact into a campaign instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var contact map[string]any
			if contactJSON != "" {
				if err := json.Unmarshal([]byte(contactJSON), &contact); err != nil {
					return fmt.Errorf("invalid --contact: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				en, err := e.Enroll(ctx, ingest.EnrollOptions{
					InstanceID: instanceID,
					Contact:    contact,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(en)
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "campaign instance id")
	cmd.Flags().StringVar(&contactJSON, "contact", "", "contact attributes as JSON")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func enrollmentListCmd() *cobra.Command {
	var instanceID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEnrollments(ctx, repo.EnrollmentFilters{
					InstanceID: instanceID,
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Instance", "Status", "Step", "Created"})
				for _, en := range items {
					tw.AppendRow(table.Row{en.ID, en.InstanceID, en.Status, en.CurrentStep, en.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func enrollmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an enrollment with its correlation keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				en, err := r.GetEnrollment(ctx, args[0])
				if err != nil {
					return err
				}
				keys, err := r.ListKeys(ctx, en.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"enrollment": en, "keys": keys})
			})
		},
	}
	return cmd
}

func enrollmentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update an enrollment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				en, err := e.SetEnrollmentStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(en)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "status (enrolled, active, paused, completed, unsubscribed, bounced)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func enrollmentKeyCmd() *cobra.Command {
	var provider, key string
	cmd := &cobra.Command{
		Use:   "key <enrollment-id>",
		Short: "Register a provider correlation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				k, err := e.RegisterKey(ctx, args[0], provider, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&key, "key", "", "provider-assigned send identifier")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func eventsCmd() *cobra.Command {
	var enrollmentID, instanceID, evtType, provider string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List stored campaign events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, repo.EventFilters{
					EnrollmentID: enrollmentID,
					InstanceID:   instanceID,
					Type:         evtType,
					Provider:     provider,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Enrollment", "Provider", "Provider Event", "TS"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.Type, ev.EnrollmentID, ev.Provider, ev.ProviderEventID, ev.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&enrollmentID, "enrollment", "", "enrollment filter")
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&provider, "provider", "", "provider filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dlqCmd() *cobra.Command {
	dlq := &cobra.Command{Use: "dlq", Short: "Manage dead-lettered events"}
	dlq.AddCommand(dlqListCmd())
	dlq.AddCommand(dlqReplayCmd())
	dlq.AddCommand(dlqDiscardCmd())
	return dlq
}

func dlqListCmd() *cobra.Command {
	var provider, reason string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeadLettered(ctx, repo.OrphanFilters{
					Provider: provider,
					Reason:   reason,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Type", "Reason", "Retries", "Arrived"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Provider, o.Type, o.Reason, o.RetryCount, o.ArrivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&reason, "reason", "", "reason filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <id>...",
		Short: "Replay dead-lettered events through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				res, err := sweep.New(e).Replay(ctx, args)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func dlqDiscardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <id>...",
		Short: "Permanently discard dead-lettered events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				n, err := sweep.New(e).Discard(ctx, args)
				if err != nil {
					return err
				}
				fmt.Printf("Discarded %d event(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show orphaned event counts by provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stats, err := r.OrphanStats(ctx, since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Provider", "Status", "Count"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.Provider, s.Status, s.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on arrival time")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show workspace config",
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
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config, or an arbitrary file with --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file to validate instead of the workspace one")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pulseline.yml",
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

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an operator API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operator API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e ingest.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				// Raw key is shown exactly once; only its hash is stored.
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, ingest.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return fn(ctx, ingest.New(conn, cfg))
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

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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmatch/internal/app"
	"taskmatch/internal/db"
	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
	"taskmatch/internal/repo"
	"taskmatch/internal/sched"
	"taskmatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmatch CLI",
	Long: `Taskmatch matches posted tasks to experts and coordinates soft-claims.
How it flows:
- Workspace: your .taskmatch directory holding the database; tune weights and
  TTLs in taskmatch.yml next to it.
- Tasks: posted with a subject, price, and deadline; statuses go
  open -> reserved -> claimed -> submitted -> completed. Only a reservation
  can lapse back to open.
- Invites: each open task invites its best-scored experts in waves; more go
  out on a timer until someone claims or the candidate pool runs dry.
- Reservations: an expert soft-claims a task for a TTL window (at most three
  at a time), then confirms into a firm claim or lets it lapse.
- Submissions: the claimed expert submits work; the owner accepts to complete
  or rejects it back for rework.
- Event log: diary of everything the engine did, view with 'tm log tail'.`,
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
	viper.SetEnvPrefix("TASKMATCH")
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
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(expertCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskPostCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskReserveCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskRejectCmd())
	return task
}

func taskPostCmd() *cobra.Command {
	var subject, title, description, deadline string
	var price float64
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a task and fire the first invite wave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PostTask(ctx, engine.PostTaskOptions{
					OwnerID:     viper.GetString("actor-id"),
					Subject:     subject,
					Title:       title,
					Description: description,
					Price:       price,
					Deadline:    deadline,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "task subject")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&price, "price", 0, "offered price")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Title", "Status", "Price", "Expert", "Invited"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Subject, t.Title, t.Status, t.Price, strOr(t.ExpertID, strOr(t.ReservedBy, "")), t.InvitedNow})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Subject, "subject", "", "subject filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&f.ExpertID, "expert-id", "", "expert filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with invites and reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.GetMatchingStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	return cmd
}

func taskReserveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserve <task-id>",
		Short: "Soft-claim an open task for the acting expert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AttemptReservation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Confirm a reservation into a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ConfirmClaim(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a held reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseReservation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit work for a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Submit(ctx, args[0], viper.GetString("actor-id"), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "submission payload (JSON)")
	return cmd
}

func taskAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <task-id>",
		Short: "Accept a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AcceptSubmission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a submitted task back to the expert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectSubmission(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func expertCmd() *cobra.Command {
	expert := &cobra.Command{Use: "expert", Short: "Manage the expert registry"}
	expert.AddCommand(expertAddCmd())
	expert.AddCommand(expertListCmd())
	expert.AddCommand(expertShowCmd())
	expert.AddCommand(expertInvitesCmd())
	return expert
}

func expertAddCmd() *cobra.Command {
	var id, name, level string
	var subjects []string
	var minPrice, maxPrice, ratingAvg, acceptRate, responseMins float64
	var ratingCount int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an expert",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if id == "" {
					id = viper.GetString("actor-id")
				}
				x, err := e.RegisterExpert(ctx, domain.Expert{
					ID:                 id,
					DisplayName:        name,
					Subjects:           subjects,
					MinPrice:           minPrice,
					MaxPrice:           maxPrice,
					Level:              level,
					RatingAvg:          ratingAvg,
					RatingCount:        ratingCount,
					AcceptRate:         acceptRate,
					MedianResponseMins: responseMins,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "expert id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringArrayVar(&subjects, "subject", []string{}, "subject served (repeatable)")
	cmd.Flags().Float64Var(&minPrice, "min-price", 0, "minimum acceptable price")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "maximum acceptable price")
	cmd.Flags().StringVar(&level, "level", "", "academic level")
	cmd.Flags().Float64Var(&ratingAvg, "rating-avg", 0, "average rating")
	cmd.Flags().IntVar(&ratingCount, "rating-count", 0, "rating count")
	cmd.Flags().Float64Var(&acceptRate, "accept-rate", 0, "historical accept rate [0,1]")
	cmd.Flags().Float64Var(&responseMins, "response-mins", 0, "median response time in minutes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func expertListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExperts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Subjects", "Price Range", "Rating", "Accept"})
				for _, x := range items {
					priceRange := fmt.Sprintf("%.0f-%.0f", x.MinPrice, x.MaxPrice)
					rating := fmt.Sprintf("%.1f (%d)", x.RatingAvg, x.RatingCount)
					tw.AppendRow(table.Row{x.ID, x.DisplayName, strings.Join(x.Subjects, ","), priceRange, rating, fmt.Sprintf("%.0f%%", x.AcceptRate*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func expertShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <expert-id>",
		Short: "Show an expert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.Repo.GetExpert(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func expertInvitesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "invites [expert-id]",
		Short: "List invites sent to an expert",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				expertID := viper.GetString("actor-id")
				if len(args) == 1 {
					expertID = args[0]
				}
				items, err := e.Repo.ListInvitesByExpert(ctx, expertID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Sent", "Status", "Score"})
				for _, inv := range items {
					tw.AppendRow(table.Row{inv.ID, inv.TaskID, inv.SentAt, inv.Status, fmt.Sprintf("%.3f", inv.LastScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "invite status filter (sent, accepted, declined)")
	return cmd
}

func inviteCmd() *cobra.Command {
	invite := &cobra.Command{Use: "invite", Short: "Respond to invites"}
	invite.AddCommand(inviteRespondCmd())
	return invite
}

func inviteRespondCmd() *cobra.Command {
	var accept, decline bool
	cmd := &cobra.Command{
		Use:   "respond <invite-id>",
		Short: "Accept or decline an invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == decline {
				return fmt.Errorf("pass exactly one of --accept or --decline")
			}
			response := domain.InviteAccepted
			if decline {
				response = domain.InviteDeclined
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.RespondInvite(ctx, args[0], viper.GetString("actor-id"), response)
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "accept the invite")
	cmd.Flags().BoolVar(&decline, "decline", false, "decline the invite")
	return cmd
}

func sweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release lapsed reservations and advance due invite waves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if loop {
					sweeper := sched.Sweeper{Engine: e, Interval: e.Config.Matching.SweepInterval}
					fmt.Printf("sweeping every %s, Ctrl-C to stop\n", e.Config.Matching.SweepInterval)
					if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				}
				released, err := e.ExpireDueReservations(ctx)
				if err != nil {
					return err
				}
				advanced, err := e.AdvanceDueWaves(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{
					"reservations_released": released,
					"waves_advanced":        advanced,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping on the configured interval")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			jwtSecret := a.Config.Auth.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("TASKMATCH_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("TASKMATCH_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			if sweep {
				sweeper := sched.Sweeper{Engine: a.Engine, Interval: a.Config.Matching.SweepInterval}
				go sweeper.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskmatch API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&sweep, "sweep", true, "run the maintenance sweeper alongside the server")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "tk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is only shown here; the store keeps its hash.
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"api_key": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
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

func strOr(ptr *string, fallback string) string {
	if ptr != nil {
		return *ptr
	}
	return fallback
}

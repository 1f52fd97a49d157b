package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpoints/internal/app"
	"taskpoints/internal/config"
	"taskpoints/internal/db"
	"taskpoints/internal/domain"
	"taskpoints/internal/engine"
	"taskpoints/internal/repo"
	"taskpoints/internal/report"
	"taskpoints/internal/server"
	taskpointssdk "taskpoints/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Taskpoints CLI",
	Long: `Taskpoints tracks tasks, the users who perform them and the rewards they earn.
- Tasks are worth points.
- A history records a user performing a task; finalizing it counts the points.
- Each time a history is finalized the user's point total picks a creature from the catalog
  and a reward is stored for that history (at most one per history).
- Reports summarize points, histories and rewards, and count log lines per hour.`,
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
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKPOINTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("catalog-url", "", "catalog base URL (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("catalog-url", rootCmd.PersistentFlags().Lookup("catalog-url"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(rewardCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(remoteCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskpoints.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret},
					Logger:   a.Logger,
					LogPath:  reportLogPath(a),
				})
				if err != nil {
					return err
				}
				if spec := a.Config.Reports.Schedule; spec != "" {
					sched := report.NewScheduler(a.Repo, time.Local, a.Logger)
					if _, err := sched.Schedule(spec); err != nil {
						return err
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
				a.Logger.Info("serve: listening", "addr", addr, "base_path", basePath, "auth", a.Config.Auth.JWTSecret != "")
				fmt.Printf("Serving Taskpoints API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (default from config)")
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Manage tasks"}
	c.AddCommand(taskCreateCmd())
	c.AddCommand(taskListCmd())
	c.AddCommand(taskGetCmd())
	c.AddCommand(taskUpdateCmd())
	c.AddCommand(deleteCmd("task", func(ctx context.Context, e engine.Engine, id int64) error { return e.DeleteTask(ctx, id) }))
	return c
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Created task %d (%d points)\n", t.ID, t.Points)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().IntVar(&opts.Points, "points", 1, "points awarded when performed")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderTasks(items)
				return nil
			})
		},
	}
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				renderTasks([]domain.Task{t})
				return nil
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc string
	var points int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.TaskUpdateOptions{ID: id}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("points") {
				opts.Points = &points
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Updated task %d\n", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().IntVar(&points, "points", 0, "new points")
	return cmd
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users"}
	c.AddCommand(userCreateCmd())
	c.AddCommand(userListCmd())
	c.AddCommand(userGetCmd())
	c.AddCommand(userUpdateCmd())
	c.AddCommand(deleteCmd("user", func(ctx context.Context, e engine.Engine, id int64) error { return e.DeleteUser(ctx, id) }))
	return c
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("Created user %d\n", u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "user name")
	cmd.Flags().IntVar(&opts.Age, "age", 0, "age")
	cmd.Flags().StringVar(&opts.Gender, "gender", "", "gender")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderUsers(items)
				return nil
			})
		},
	}
}

func userGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUser(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				renderUsers([]domain.User{u})
				return nil
			})
		},
	}
}

func userUpdateCmd() *cobra.Command {
	var name, gender string
	var age int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update user fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.UserUpdateOptions{ID: id}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("age") {
				opts.Age = &age
			}
			if cmd.Flags().Changed("gender") {
				opts.Gender = &gender
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateUser(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("Updated user %d\n", u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().IntVar(&age, "age", 0, "new age")
	cmd.Flags().StringVar(&gender, "gender", "", "new gender")
	return cmd
}

func historyCmd() *cobra.Command {
	c := &cobra.Command{Use: "history", Short: "Record users performing tasks"}
	c.AddCommand(historyCreateCmd())
	c.AddCommand(historyListCmd())
	c.AddCommand(historyGetCmd())
	c.AddCommand(historyUpdateCmd())
	c.AddCommand(deleteCmd("history", func(ctx context.Context, e engine.Engine, id int64) error { return e.DeleteHistory(ctx, id) }))
	return c
}

func historyCreateCmd() *cobra.Command {
	var opts engine.HistoryCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create history (finalized histories issue a reward)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.CreateHistory(ctx, opts)
				if err != nil {
					return err
				}
				return printHistoryResult(ctx, e, h, "Created")
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "history name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "user id")
	cmd.Flags().Int64Var(&opts.TaskID, "task", 0, "task id")
	cmd.Flags().BoolVar(&opts.Finalized, "finalized", false, "mark as finalized")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func historyListCmd() *cobra.Command {
	var userID int64
	var finalized bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List histories",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.HistoryFilters{UserID: userID}
			if cmd.Flags().Changed("finalized") {
				f.Finalized = &finalized
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHistories(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderHistories(items)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "filter by user id")
	cmd.Flags().BoolVar(&finalized, "finalized", false, "filter by finalized state")
	return cmd
}

func historyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.GetHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				renderHistories([]domain.History{h})
				return nil
			})
		},
	}
}

func historyUpdateCmd() *cobra.Command {
	var name, desc string
	var finalized bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update history fields (finalizing issues a reward)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.HistoryUpdateOptions{ID: id}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("finalized") {
				opts.Finalized = &finalized
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.UpdateHistory(ctx, opts)
				if err != nil {
					return err
				}
				return printHistoryResult(ctx, e, h, "Updated")
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().BoolVar(&finalized, "finalized", false, "set finalized state")
	return cmd
}

// printHistoryResult shows the history and, once finalized, its reward if one was issued.
func printHistoryResult(ctx context.Context, e engine.Engine, h domain.History, verb string) error {
	var rewards []domain.Reward
	if h.Finalized {
		var err error
		if rewards, err = e.ListRewards(ctx, h.ID); err != nil {
			return err
		}
	}
	if viper.GetBool("json") {
		return printJSON(struct {
			History domain.History  `json:"history"`
			Rewards []domain.Reward `json:"rewards,omitempty"`
		}{h, rewards})
	}
	fmt.Printf("%s history %d (finalized=%t)\n", verb, h.ID, h.Finalized)
	for _, rw := range rewards {
		fmt.Printf("Reward %d: %s (%d points)\n", rw.ID, rw.Name, rw.Points)
	}
	return nil
}

func rewardCmd() *cobra.Command {
	c := &cobra.Command{Use: "reward", Short: "Inspect issued rewards"}
	var historyID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List rewards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRewards(ctx, historyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRewards(items)
				return nil
			})
		},
	}
	list.Flags().Int64Var(&historyID, "history", 0, "filter by history id")
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show reward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rw, err := e.GetReward(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rw)
				}
				renderRewards([]domain.Reward{rw})
				return nil
			})
		},
	}
	c.AddCommand(list, get)
	return c
}

func reportCmd() *cobra.Command {
	c := &cobra.Command{Use: "report", Short: "Aggregate reports"}
	c.AddCommand(reportSummaryCmd())
	c.AddCommand(reportLogsCmd())
	c.AddCommand(reportSnapshotsCmd())
	return c
}

func reportSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Points, histories and rewards per user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := report.Build(ctx, a.Repo, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Users")
				tw.AppendHeader(table.Row{"User", "Points", "Histories", "Finalized"})
				histories := userValues(s.HistoriesByUser)
				finalized := userValues(s.FinalizedByUser)
				for _, p := range s.PointsByUser {
					tw.AppendRow(table.Row{p.User, p.Value, histories[p.UserID], finalized[p.UserID]})
				}
				tw.Render()
				tw = table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Rewards")
				tw.AppendHeader(table.Row{"Name", "Count"})
				for _, rc := range s.Rewards {
					tw.AppendRow(table.Row{rc.Name, rc.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userValues(rows []domain.UserPoints) map[int64]int {
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Value
	}
	return out
}

func reportLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Log lines per hour and level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				stats, err := report.LogStatsFile(reportLogPath(a))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hour", "Debug", "Info", "Warn", "Error"})
				for _, b := range stats.Buckets {
					tw.AppendRow(table.Row{b.Hour, b.Debug, b.Info, b.Warn, b.Error})
				}
				tw.AppendFooter(table.Row{"Total", stats.Total.Debug, stats.Total.Info, stats.Total.Warn, stats.Total.Error})
				tw.Render()
				return nil
			})
		},
	}
}

func reportSnapshotsCmd() *cobra.Command {
	var limit int
	var take bool
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List stored summary snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if take {
					if _, err := report.NewScheduler(a.Repo, time.Local, a.Logger).Snapshot(ctx); err != nil {
						return err
					}
				}
				items, err := a.Repo.ListSnapshots(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Taken", "Bytes"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TakenAt, len(s.SummaryJSON)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of snapshots")
	cmd.Flags().BoolVar(&take, "take", false, "store a snapshot now before listing")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Request"})
				for _, ev := range items {
					entity := ev.EntityKind
					if ev.EntityID != nil {
						entity = fmt.Sprintf("%s/%d", ev.EntityKind, *ev.EntityID)
					}
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, entity, ev.CorrelationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().Int64Var(&f.EntityID, "entity-id", 0, "entity id")
	c.AddCommand(tail)
	return c
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Bearer tokens for write endpoints"}
	var subject string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no secret: set auth.jwt_secret or TASKPOINTS_JWT_SECRET")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.TokenTTL.Std()
			}
			tok, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config, 0 never expires)")
	_ = issue.MarkFlagRequired("subject")
	c.AddCommand(issue)
	c.AddCommand(apiKeyCmd())
	return c
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "key", Short: "Manage API keys (X-Api-Key header)"}
	var subject, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, subject, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Created key %s for %s\n%s\n", key.ID, key.Subject, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&subject, "subject", "", "key subject")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("subject")
	var listSubject string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, listSubject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Subject, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listSubject, "subject", "", "filter by subject")
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Revoked", args[0])
				return nil
			})
		},
	}
	c.AddCommand(create, list, revoke)
	return c
}

func remoteCmd() *cobra.Command {
	var baseURL, format, token, apiKey string
	c := &cobra.Command{
		Use:   "remote",
		Short: "Query a running server",
	}
	c.PersistentFlags().StringVar(&baseURL, "url", "http://127.0.0.1:8000/v1", "API base URL")
	c.PersistentFlags().StringVar(&format, "format", "json", "response format: json or xml")
	c.PersistentFlags().StringVar(&token, "token", "", "bearer token")
	c.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key")
	client := func() (*taskpointssdk.Client, error) {
		switch format {
		case "json", "xml":
		default:
			return nil, fmt.Errorf("--format must be json or xml")
		}
		cl := taskpointssdk.New(baseURL)
		cl.Format = format
		cl.BearerToken = token
		cl.APIKey = apiKey
		return cl, nil
	}
	for _, entity := range []string{"tasks", "users", "histories", "rewards"} {
		ec := &cobra.Command{Use: entity, Short: "Remote " + entity}
		ec.AddCommand(&cobra.Command{
			Use:   "list",
			Short: "List " + entity,
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := client()
				if err != nil {
					return err
				}
				return remoteFetch(cmd.Context(), cl, entity, 0)
			},
		})
		ec.AddCommand(&cobra.Command{
			Use:   "get <id>",
			Short: "Show one of " + entity,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				cl, err := client()
				if err != nil {
					return err
				}
				return remoteFetch(cmd.Context(), cl, entity, id)
			},
		})
		c.AddCommand(ec)
	}
	c.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := client()
			if err != nil {
				return err
			}
			status, err := cl.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	})
	return c
}

// remoteFetch prints the raw body for XML and decoded values otherwise.
// id 0 lists the collection.
func remoteFetch(ctx context.Context, cl *taskpointssdk.Client, entity string, id int64) error {
	if cl.Format == "xml" {
		endpoint := entity
		if id > 0 {
			endpoint += "/" + strconv.FormatInt(id, 10)
		}
		body, err := cl.Raw(ctx, endpoint)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	}
	var (
		v   any
		err error
	)
	switch {
	case entity == "tasks" && id > 0:
		v, err = cl.GetTask(ctx, id)
	case entity == "tasks":
		v, err = cl.Tasks(ctx)
	case entity == "users" && id > 0:
		v, err = cl.GetUser(ctx, id)
	case entity == "users":
		v, err = cl.Users(ctx)
	case entity == "histories" && id > 0:
		v, err = cl.GetHistory(ctx, id)
	case entity == "histories":
		v, err = cl.Histories(ctx, 0)
	case entity == "rewards" && id > 0:
		v, err = cl.GetReward(ctx, id)
	default:
		v, err = cl.Rewards(ctx, 0)
	}
	if err != nil {
		return err
	}
	return printJSON(v)
}

func deleteCmd(kind string, del func(context.Context, engine.Engine, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft delete " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := del(ctx, e, id); err != nil {
					return err
				}
				fmt.Printf("Deleted %s %d\n", kind, id)
				return nil
			})
		},
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Overrides{
		CatalogURL: viper.GetString("catalog-url"),
		LogLevel:   viper.GetString("log-level"),
		JWTSecret:  viper.GetString("jwt-secret"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

func reportLogPath(a *app.Context) string {
	p := a.Config.Reports.LogPath
	if p == "" {
		p = a.Config.Logging.File
	}
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Workspace, p)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func renderTasks(items []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Points", "Created", "Edited"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Points, t.CreatedAt, deref(t.EditedAt)})
	}
	tw.Render()
}

func renderUsers(items []domain.User) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Age", "Gender", "Created"})
	for _, u := range items {
		tw.AppendRow(table.Row{u.ID, u.Name, u.Age, u.Gender, u.CreatedAt})
	}
	tw.Render()
}

func renderHistories(items []domain.History) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "User", "Task", "Finalized", "Created"})
	for _, h := range items {
		tw.AppendRow(table.Row{h.ID, h.Name, h.UserID, h.TaskID, h.Finalized, h.CreatedAt})
	}
	tw.Render()
}

func renderRewards(items []domain.Reward) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "History", "Name", "Points", "Description"})
	for _, rw := range items {
		tw.AppendRow(table.Row{rw.ID, rw.HistoryID, rw.Name, rw.Points, rw.Description})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgrid/internal/app"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/repo"
	"taskgrid/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "TaskGrid CLI",
	Long: `TaskGrid coordinates collaborative map editing: a project's area is cut
into a grid of tasks, mappers lock and map one task at a time, and
validators review the results. The CLI manages the workspace database,
seeds projects and users, and runs the HTTP API.`,
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
	viper.SetEnvPrefix("TASKGRID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-admin", "acting username")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPublishCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name string
	var zoom, minX, minY, maxX, maxY int
	var private, enforceLevel bool
	var mapperLevel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with a task grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				author, err := app.EnsureUser(ctx, e.Repo, viper.GetString("user"), domain.RoleProjectManager)
				if err != nil {
					return err
				}
				level := domain.LevelBeginner
				if mapperLevel != "" {
					level, err = domain.ParseMappingLevel(mapperLevel)
					if err != nil {
						return err
					}
				}
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					Name:               name,
					AuthorID:           author.ID,
					Zoom:               zoom,
					MinX:               minX,
					MinY:               minY,
					MaxX:               maxX,
					MaxY:               maxY,
					Private:            private,
					EnforceMapperLevel: enforceLevel,
					MapperLevel:        level,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().IntVar(&zoom, "zoom", 13, "tile zoom level")
	cmd.Flags().IntVar(&minX, "min-x", 0, "west tile column")
	cmd.Flags().IntVar(&minY, "min-y", 0, "north tile row")
	cmd.Flags().IntVar(&maxX, "max-x", 0, "east tile column")
	cmd.Flags().IntVar(&maxY, "max-y", 0, "south tile row")
	cmd.Flags().BoolVar(&private, "private", false, "restrict to allowed users")
	cmd.Flags().BoolVar(&enforceLevel, "enforce-level", false, "enforce mapper level")
	cmd.Flags().StringVar(&mapperLevel, "mapper-level", "", "required mapper level")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Tasks", "Mapped", "Validated", "BadImagery"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.TotalTasks, p.TasksMapped, p.TasksValidated, p.TasksBadImagery})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project with task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": p, "task_counts": counts})
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectPublishCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Mark a project as published",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateProjectStatus(ctx, projectID, domain.ProjectPublished); err != nil {
					return err
				}
				p, err := r.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project with no mapped tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProject(ctx, projectID); err != nil {
					return err
				}
				fmt.Printf("project %d deleted\n", projectID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var projectID int64
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				filters := repo.TaskFilters{ProjectID: projectID}
				if status != "" {
					s, err := domain.ParseTaskStatus(status)
					if err != nil {
						return err
					}
					filters.Status = s
				}
				tasks, err := r.ListTasks(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "X", "Y", "Zoom", "LockedBy", "MappedBy", "ValidatedBy"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, t.X, t.Y, t.Zoom, int64Text(t.LockedBy), int64Text(t.MappedBy), int64Text(t.ValidatedBy)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var projectID, taskID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, projectID, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	var projectID, taskID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a task's action history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListTaskHistory(ctx, projectID, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Text", "User", "Date", "Seconds"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.ID, h.Action, h.ActionText, h.UserID, h.ActionDate, int64Text(h.DurationSeconds)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userPromoteCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var username, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				parsed := domain.RoleMapper
				if role != "" {
					var err error
					parsed, err = domain.ParseUserRole(role)
					if err != nil {
						return err
					}
				}
				u, err := app.EnsureUser(ctx, r, username, parsed)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&role, "role", "", "user role")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userPromoteCmd() *cobra.Command {
	var userID int64
	var role string
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Change a user's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				parsed, err := domain.ParseUserRole(role)
				if err != nil {
					return err
				}
				if err := r.SetUserRole(ctx, userID, parsed); err != nil {
					return err
				}
				u, err := r.GetUser(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "id", 0, "user id")
	cmd.Flags().StringVar(&role, "role", "", "new role")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Role", "Level", "Mapped", "Validated", "Invalidated"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.MappingLevel, u.TasksMapped, u.TasksValidated, u.TasksInvalidated})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := app.EnsureUser(ctx, r, viper.GetString("user"), domain.RoleMapper)
				if err != nil {
					return err
				}
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    u.ID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key %s created for %s\nkey: %s\nstore it now; only the hash is kept\n", key.ID, u.Username, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUserByUsername(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				keys, err := r.ListAPIKeys(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUserByUsername(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if err := r.DeleteAPIKey(ctx, id, u.ID); err != nil {
					return err
				}
				fmt.Printf("api key %s deleted\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sweepCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired task locks in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AutoUnlockTasks(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("released %d expired locks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("TASKGRID_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Auth.AllowLegacyUserHeader {
				return fmt.Errorf("TASKGRID_JWT_SECRET is required for bearer auth")
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             jwtSecret,
					AllowLegacyUserHeader: cfg.Auth.AllowLegacyUserHeader,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving TaskGrid API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, e, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, _, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
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

func int64Text(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

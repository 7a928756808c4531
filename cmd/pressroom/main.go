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
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressroom/internal/app"
	"pressroom/internal/config"
	"pressroom/internal/db"
	"pressroom/internal/domain"
	"pressroom/internal/migrate"
	"pressroom/internal/moderation"
	"pressroom/internal/repo"
	"pressroom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pressroom",
	Short: "Pressroom CLI",
	Long: `Pressroom turns captured channel posts into moderated publications.
Source posts arrive from watched channels, a drafting worker rewrites them,
and moderators review each draft (approve, edit, reject, pick an image)
before it fans out to the configured publish channels.
The workspace is a .pressroom directory holding the SQLite database;
settings live in pressroom.yml next to it.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("PRESSROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("moderator-id", "local-moderator", "moderator identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("moderator-id", rootCmd.PersistentFlags().Lookup("moderator-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pressroom.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func sourceCmd() *cobra.Command {
	src := &cobra.Command{Use: "source", Short: "Manage captured source posts"}
	src.AddCommand(sourceAddCmd())
	src.AddCommand(sourceListCmd())
	return src
}

func sourceAddCmd() *cobra.Command {
	var channelID, text, photoRef, capturedAt string
	var messageID int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a captured post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if capturedAt == "" {
					capturedAt = time.Now().UTC().Format(time.RFC3339)
				}
				id, err := r.InsertSourcePost(ctx, domain.SourcePost{
					ChannelID:  channelID,
					MessageID:  messageID,
					Text:       text,
					PhotoRef:   optionalString(photoRef),
					CapturedAt: capturedAt,
				})
				if errors.Is(err, repo.ErrDuplicate) {
					fmt.Println("already captured, skipping")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Println("source post", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "source channel id")
	cmd.Flags().Int64Var(&messageID, "message-id", 0, "message id within the channel")
	cmd.Flags().StringVar(&text, "text", "", "post text")
	cmd.Flags().StringVar(&photoRef, "photo-ref", "", "photo reference")
	cmd.Flags().StringVar(&capturedAt, "captured-at", "", "capture time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("message-id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func sourceListCmd() *cobra.Command {
	var f repo.SourceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List source posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				posts, err := r.ListSourcePosts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(posts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Channel", "Message", "Status", "Captured", "Text"})
				for _, p := range posts {
					tw.AppendRow(table.Row{p.ID, p.ChannelID, p.MessageID, p.Status, p.CapturedAt, truncate(p.Text, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Review and publish drafts"}
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftApproveCmd())
	d.AddCommand(draftRejectCmd())
	d.AddCommand(draftEditCmd())
	d.AddCommand(draftImagesCmd())
	d.AddCommand(draftPickCmd())
	d.AddCommand(draftPublishCmd())
	return d
}

func draftListCmd() *cobra.Command {
	var f repo.DraftFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				drafts, err := r.ListDrafts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Image", "Updated"})
				for _, d := range drafts {
					image := ""
					if d.FinalImageURL != nil {
						image = "yes"
					}
					tw.AppendRow(table.Row{d.ID, truncate(draftTitle(d), 40), d.Status, image, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func draftShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDraft(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func draftApproveCmd() *cobra.Command {
	return draftActionCmd("approve", "Approve a draft and start channel selection",
		func(ctx context.Context, h *moderation.Handler, moderator string, id int64) (moderation.Ack, error) {
			return h.Approve(ctx, moderator, id)
		})
}

func draftRejectCmd() *cobra.Command {
	return draftActionCmd("reject", "Reject a draft",
		func(ctx context.Context, h *moderation.Handler, moderator string, id int64) (moderation.Ack, error) {
			return h.Reject(ctx, moderator, id)
		})
}

func draftActionCmd(name, short string, fn func(context.Context, *moderation.Handler, string, int64) (moderation.Ack, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ack, err := fn(ctx, a.Handler, viper.GetString("moderator-id"), id)
				if err != nil {
					return err
				}
				fmt.Println(ack.Text)
				return nil
			})
		},
	}
}

func draftEditCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a draft's title, body and tags",
		Long: `The first line of --text becomes the title, the rest the body.
Words starting with # anywhere in the text are collected as tags.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				moderator := viper.GetString("moderator-id")
				if _, err := a.Handler.BeginEdit(ctx, moderator, id); err != nil {
					return err
				}
				ack, err := a.Handler.SubmitEdit(ctx, moderator, text)
				if err != nil {
					return err
				}
				fmt.Println(ack.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "replacement text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func draftImagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images <id>",
		Short: "Fetch candidate images for a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ack, images, err := a.Handler.ShowImages(ctx, viper.GetString("moderator-id"), id)
				if err != nil {
					return err
				}
				fmt.Println(ack.Text)
				if viper.GetBool("json") {
					return printJSON(images)
				}
				for i, img := range images {
					fmt.Printf("%d: %s (%s)\n", i, img.URL, img.Photographer)
				}
				return nil
			})
		},
	}
	return cmd
}

func draftPickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pick <id> <index>",
		Short: "Pick a candidate image and render the final cover",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var index int
			if _, err := fmt.Sscanf(args[1], "%d", &index); err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ack, err := a.Handler.PickImage(ctx, viper.GetString("moderator-id"), id, index)
				if err != nil {
					return err
				}
				fmt.Println(ack.Text)
				return nil
			})
		},
	}
	return cmd
}

func draftPublishCmd() *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Approve a draft and publish it to channels",
		Long:  `Publishes to the given --channel flags, or to every configured channel when none are given.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				moderator := viper.GetString("moderator-id")
				ack, err := a.Handler.Approve(ctx, moderator, id)
				if err != nil {
					return err
				}
				if ack.Done {
					fmt.Println(ack.Text)
					return nil
				}
				selected := channels
				if len(selected) == 0 {
					for _, ch := range a.Config.Channels {
						selected = append(selected, ch.ID)
					}
				}
				for _, ch := range selected {
					if ack, err = a.Handler.ToggleChannel(ctx, moderator, ch); err != nil {
						return err
					}
				}
				ack, err = a.Handler.ConfirmChannels(ctx, moderator)
				if err != nil {
					return err
				}
				fmt.Println(ack.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&channels, "channel", []string{}, "publish channel (repeatable)")
	return cmd
}

func generateCmd() *cobra.Command {
	gen := &cobra.Command{Use: "generate", Short: "Draft posts from captured sources"}
	gen.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Draft every new source post once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.GenerateWorker().RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Println("drafted", n, "posts")
				return nil
			})
		},
	})
	gen.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Keep drafting new source posts on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				interval := a.Config.GenerateInterval()
				if interval <= 0 {
					interval = time.Minute
				}
				a.GenerateWorker().Run(ctx, interval)
				return nil
			})
		},
	})
	return gen
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one delivery scheduler tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				fmt.Println("delivered", n, "drafts")
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
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
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the moderator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "prk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:          uuid.NewString(),
					ModeratorID: viper.GetString("moderator-id"),
					Name:        name,
					KeyHash:     repo.HashAPIKey(raw),
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println("id: ", key.ID)
				fmt.Println("key:", raw)
				fmt.Println("The key is shown once; store it now.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				moderator := viper.GetString("moderator-id")
				if all {
					moderator = ""
				}
				keys, err := r.ListAPIKeys(ctx, moderator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Moderator", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ModeratorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys for every moderator")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler, noGenerate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:  os.Getenv(app.EnvJWTSecret),
					Moderators: a.Config.Moderators,
					Logger:     a.Logger,
				}
				if authCfg.JWTSecret == "" {
					fmt.Println("note:", app.EnvJWTSecret, "is unset; bearer auth disabled, API keys only")
				}
				handler, err := server.New(server.Config{
					Repo:      a.Repo,
					Handler:   a.Handler,
					Scheduler: a.Scheduler,
					AppConfig: a.Config,
					BasePath:  basePath,
					Auth:      authCfg,
				})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}

				if !noScheduler {
					go a.Scheduler.Run(ctx, a.Interval())
				}
				if !noGenerate && os.Getenv(app.EnvOpenAIAPIKey) != "" {
					interval := a.Config.GenerateInterval()
					if interval <= 0 {
						interval = time.Minute
					}
					go a.GenerateWorker().Run(ctx, interval)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Pressroom API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the delivery scheduler")
	cmd.Flags().BoolVar(&noGenerate, "no-generate", false, "disable the drafting worker")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
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

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid draft id %q", s)
	}
	return id, nil
}

func draftTitle(d domain.Draft) string {
	if d.Body.Format == domain.BodyFormatRich {
		return strings.SplitN(strings.TrimSpace(d.Body.Markup), "\n", 2)[0]
	}
	return d.Body.Title
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gigflow/internal/app"
	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "gigflow",
	Short: "Gigflow marketplace",
	Long: `Gigflow runs a small freelance marketplace.
- Gigs: posted by an owner with a title, description and budget; open until someone is hired.
- Bids: one per freelancer per gig, pending until the owner hires one.
- Hire: assigns the gig, marks the bid hired and rejects the rest in one transaction,
  then pushes a gig:hired event to the freelancer's live connections.
- Event log: every change is recorded; view it with 'gigflow log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GIGFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Override: func(cfg *config.Config) {
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if level := viper.GetString("log-level"); level != "" {
				cfg.Log.Level = level
			}
		},
		LogOutput: os.Stderr,
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine())
	})
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or GIGFLOW_ACTOR_ID) is required")
	}
	return id, nil
}

func gigCmd() *cobra.Command {
	gig := &cobra.Command{Use: "gig", Short: "Manage gigs"}
	gig.AddCommand(gigListCmd())
	gig.AddCommand(gigCreateCmd())
	gig.AddCommand(gigShowCmd())
	gig.AddCommand(gigBidsCmd())
	return gig
}

func gigListCmd() *cobra.Command {
	var f repo.GigFilter
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gigs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				owner, err := actorID()
				if err != nil {
					return err
				}
				f.OwnerID = owner
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gigs, err := e.ListGigs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gigs)
				}
				printGigs(gigs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Search, "search", "", "case-insensitive title search")
	cmd.Flags().StringVar(&f.Status, "status", "", "open (default), assigned or all")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&mine, "mine", false, "only gigs owned by --actor-id")
	return cmd
}

func gigCreateCmd() *cobra.Command {
	var opts engine.GigCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a gig as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actorID()
			if err != nil {
				return err
			}
			opts.OwnerID = owner
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGig(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "gig title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "gig description")
	cmd.Flags().Int64Var(&opts.Budget, "budget", 0, "budget")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func gigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <gig-id>",
		Short: "Show a gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.GetGig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func gigBidsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bids <gig-id>",
		Short: "List bids on a gig owned by --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bids, err := e.ListBids(ctx, args[0], owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bids)
				}
				printBids(bids)
				return nil
			})
		},
	}
}

func bidCmd() *cobra.Command {
	bid := &cobra.Command{Use: "bid", Short: "Place bids and hire"}
	bid.AddCommand(bidPlaceCmd())
	bid.AddCommand(bidHireCmd())
	return bid
}

func bidPlaceCmd() *cobra.Command {
	var opts engine.BidPlaceOptions
	cmd := &cobra.Command{
		Use:   "place",
		Short: "Bid on an open gig as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			bidder, err := actorID()
			if err != nil {
				return err
			}
			opts.BidderID = bidder
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.PlaceBid(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.GigID, "gig", "", "gig id")
	cmd.Flags().StringVar(&opts.Message, "message", "", "pitch to the owner")
	_ = cmd.MarkFlagRequired("gig")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func bidHireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hire <bid-id>",
		Short: "Hire the bidder as the gig owner (--actor-id)",
		Long: "Runs the same transaction as PATCH /bids/{bid_id}/hire. Live notification only reaches clients " +
			"connected to this process, so hires made from the CLI report notified=false.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Hire(ctx, engine.HireRequest{BidID: args[0], ActorID: owner})
				if err != nil {
					if domain.Retryable(err) {
						return fmt.Errorf("%w (retry may succeed)", err)
					}
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Accounts and tokens"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userTokenCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Auth().Register(ctx, name, email, password)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (min 6 characters)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userTokenCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Log in and print a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Auth.JWTSecret == "" {
					return fmt.Errorf("GIGFLOW_JWT_SECRET is required to sign tokens")
				}
				svc := rt.Auth()
				u, err := svc.Login(ctx, email, password)
				if err != nil {
					return err
				}
				token, expires, err := svc.Tokens.Issue(u)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": u.ID, "token": token, "expires_at": expires})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every gig, bid and hire change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage gigflow.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gigflow.yml",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gigflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
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
	cmd.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace config")
	return cmd
}

func printGigs(gigs []domain.Gig) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Budget", "Status", "Owner", "Created"})
	for _, g := range gigs {
		tw.AppendRow(table.Row{g.ID, g.Title, g.Budget, g.Status, g.OwnerID, g.CreatedAt})
	}
	tw.Render()
}

func printBids(bids []domain.Bid) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Bidder", "Status", "Message", "Created"})
	for _, b := range bids {
		tw.AppendRow(table.Row{b.ID, b.BidderID, b.Status, b.Message, b.CreatedAt})
	}
	tw.Render()
}

// printJSONOrTable renders v's top-level JSON fields as a two-column table.
func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		fmt.Println(string(data))
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		val := string(fields[k])
		var str string
		if json.Unmarshal(fields[k], &str) == nil {
			val = str
		}
		tw.AppendRow(table.Row{k, val})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

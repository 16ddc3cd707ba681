package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/gateway"
	"github.com/doctrine-review/inkwell/internal/secrets"
	"github.com/doctrine-review/inkwell/internal/store"
)

// NewAdminCommand returns the admin subcommand. These operate directly
// on the database and config, not through a running server.
func NewAdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Operator commands: accounts and tokens",
		Commands: []*cli.Command{
			{
				Name:   "users",
				Usage:  "List accounts",
				Action: runAdminUsers,
			},
			{
				Name:      "add",
				Usage:     "Provision an account",
				ArgsUsage: "<uid>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Display name"},
					&cli.StringFlag{Name: "email", Usage: "Email address"},
					&cli.BoolFlag{Name: "admin", Usage: "Grant the system_admin role"},
					&cli.IntFlag{Name: "max-tasks", Usage: "Concurrent task budget (0 = config default)"},
				},
				Action: runAdminAdd,
			},
			{
				Name:      "role",
				Usage:     "Change an account's role",
				ArgsUsage: "<uid> <user|system_admin>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max-tasks", Usage: "Concurrent task budget (0 = config default)"},
				},
				Action: runAdminRole,
			},
			{
				Name:      "token",
				Usage:     "Mint a signed bearer token for an account",
				ArgsUsage: "<uid>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime (0 = config default)"},
				},
				Action: runAdminToken,
			},
		},
		DefaultCommand: "users",
	}
}

// openStore loads config and opens the database for offline admin work.
func openStore(cmd *cli.Command) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

func runAdminUsers(ctx context.Context, cmd *cli.Command) error {
	st, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.Users.List(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No accounts.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tNAME\tROLE\tMAX TASKS\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			u.UID, u.Name, u.Role, u.MaxConcurrentTasks, u.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func runAdminAdd(ctx context.Context, cmd *cli.Command) error {
	uid := cmd.Args().First()
	if uid == "" {
		return fmt.Errorf("uid required")
	}
	st, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	role := store.RoleUser
	if cmd.Bool("admin") {
		role = store.RoleSystemAdmin
	}
	maxTasks := cmd.Int("max-tasks")
	if maxTasks <= 0 {
		maxTasks = cfg.Governor.UserDefaultMaxConcurrentTasks
	}

	u, err := st.Users.EnsureByUID(ctx, uid, cmd.String("name"), cmd.String("email"), role, maxTasks)
	if err != nil {
		return err
	}
	fmt.Printf("account %s ready (role: %s, max tasks: %d)\n", u.UID, u.Role, u.MaxConcurrentTasks)
	return nil
}

func runAdminRole(ctx context.Context, cmd *cli.Command) error {
	uid := cmd.Args().Get(0)
	roleArg := cmd.Args().Get(1)
	if uid == "" || roleArg == "" {
		return fmt.Errorf("usage: admin role <uid> <user|system_admin>")
	}
	role := store.Role(roleArg)
	if role != store.RoleUser && role != store.RoleSystemAdmin {
		return fmt.Errorf("unknown role %q", roleArg)
	}

	st, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.Users.ByUID(ctx, uid)
	if err != nil {
		return err
	}
	maxTasks := cmd.Int("max-tasks")
	if maxTasks <= 0 {
		maxTasks = cfg.Governor.UserDefaultMaxConcurrentTasks
	}
	if err := st.Users.SetRole(ctx, u.ID, role, maxTasks); err != nil {
		return err
	}
	fmt.Printf("account %s is now %s (max tasks: %d)\n", uid, role, maxTasks)
	return nil
}

func runAdminToken(ctx context.Context, cmd *cli.Command) error {
	uid := cmd.Args().First()
	if uid == "" {
		return fmt.Errorf("uid required")
	}
	st, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.Users.ByUID(ctx, uid)
	if err != nil {
		return err
	}

	keeper := secrets.NewKeeper(cfg.Secrets.IdentityFile)
	secret, err := keeper.Reveal(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("reveal jwt secret: %w", err)
	}
	if secret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	ttl := cmd.Duration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL.Duration()
	}
	token, err := gateway.MintToken(secret, u.UID, u.Name, u.Email, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

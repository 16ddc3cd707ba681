package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the age identity and encrypt config values",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age identity file if it does not exist",
				Action: runSecretsKeygen,
			},
			{
				Name:      "encrypt",
				Usage:     "Encrypt a value into an ENC[age:...] blob (reads stdin when no argument)",
				ArgsUsage: "[value]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "env", Usage: "Write the blob to .env under this key instead of stdout"},
				},
				Action: runSecretsEncrypt,
			},
		},
	}
}

func runSecretsKeygen(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.Secrets.IdentityFile

	if err := secrets.GenerateIdentity(path); err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(path)
	if err != nil {
		return err
	}
	fmt.Printf("identity: %s\npublic key: %s\n", path, id.Recipient())
	return nil
}

func runSecretsEncrypt(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	value := cmd.Args().First()
	if value == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}
	if value == "" {
		return fmt.Errorf("nothing to encrypt")
	}

	keeper := secrets.NewKeeper(cfg.Secrets.IdentityFile)
	recipient, err := keeper.Recipient()
	if err != nil {
		return fmt.Errorf("load identity (run `inkwell secrets keygen` first): %w", err)
	}
	blob, err := secrets.Encrypt(value, recipient)
	if err != nil {
		return err
	}

	if key := cmd.String("env"); key != "" {
		if err := secrets.SetEntry(config.DotenvPath(), key, blob); err != nil {
			return err
		}
		fmt.Printf("%s written to %s\n", key, config.DotenvPath())
		return nil
	}
	fmt.Println(blob)
	return nil
}

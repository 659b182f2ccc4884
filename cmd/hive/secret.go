package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soomehta/hive/internal/store"
	"github.com/soomehta/hive/internal/vault"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage vault-sealed secrets (reference them as secret:NAME in config)",
	}

	var description, file string
	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Seal and store a secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read file: %w", err)
				}
				value = data
			case len(args) == 2:
				value = []byte(args[1])
			default:
				return errors.New("a value or --file is required")
			}

			db, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := vault.New(cfg.Vault.Passphrase)
			if err != nil {
				return fmt.Errorf("%w (set HIVE_VAULT_PASSPHRASE)", err)
			}
			sealed, err := v.Seal(value)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			if err := db.SaveSecret(&store.Secret{Name: args[0], Description: description, Sealed: sealed}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q saved\n", args[0])
			return nil
		},
	}
	set.Flags().StringVar(&description, "description", "", "free-form description")
	set.Flags().StringVar(&file, "file", "", "read the value from a file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List secrets (metadata only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			secrets, err := db.ListSecrets()
			if err != nil {
				return err
			}
			if len(secrets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
			for _, s := range secrets {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteSecret(args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("secret %q not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

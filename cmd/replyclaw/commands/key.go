package commands

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/secrets"
)

// newKeyCmd creates `replyclaw key` for the session encryption passphrase.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the passphrase that encrypts stored sessions",
		Long: `Manage the passphrase that encrypts stored session credentials.

The passphrase is resolved from ` + secrets.EnvSessionKey + `, then the OS
keyring, then secrets.session_key in the config. Without one, sessions are
stored unencrypted. Changing the passphrase makes existing sessions
unreadable; log the accounts in again afterwards.`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a passphrase and store it in the OS keyring",
		Args:  cobra.NoArgs,
		RunE:  runKeyInit,
	}
	initCmd.Flags().Bool("prompt", false, "type the passphrase instead of generating one")
	initCmd.Flags().Bool("force", false, "replace an existing keyring passphrase")

	cmd.AddCommand(initCmd,
		&cobra.Command{
			Use:   "status",
			Short: "Show where the passphrase comes from",
			Args:  cobra.NoArgs,
			RunE:  runKeyStatus,
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the passphrase from the OS keyring",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := secrets.DeleteKeyring(secrets.KeyringSessionKey); err != nil {
					return fmt.Errorf("deleting keyring entry: %w", err)
				}
				fmt.Println("passphrase removed from the OS keyring")
				return nil
			},
		},
	)
	return cmd
}

func runKeyInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	typed, _ := cmd.Flags().GetBool("prompt")

	if !secrets.KeyringAvailable() {
		return fmt.Errorf("OS keyring is not available; set %s instead", secrets.EnvSessionKey)
	}
	if secrets.GetKeyring(secrets.KeyringSessionKey) != "" && !force {
		return errors.New("a passphrase is already stored; use --force to replace it")
	}

	var pass string
	if typed {
		p, err := secrets.ReadPassword("Passphrase: ")
		if err != nil {
			return err
		}
		again, err := secrets.ReadPassword("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if p != again {
			return errors.New("passphrases do not match")
		}
		if len(p) < 12 {
			return errors.New("passphrase must be at least 12 characters")
		}
		pass = p
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating passphrase: %w", err)
		}
		pass = base64.RawURLEncoding.EncodeToString(buf)
	}

	if err := secrets.StoreKeyring(secrets.KeyringSessionKey, pass); err != nil {
		return fmt.Errorf("storing passphrase: %w", err)
	}
	fmt.Printf("passphrase stored in the OS keyring (service %q)\n", secrets.KeyringService)
	if os.Getenv(secrets.EnvSessionKey) != "" {
		fmt.Printf("note: %s is set and takes precedence over the keyring\n", secrets.EnvSessionKey)
	}
	return nil
}

func runKeyStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	switch {
	case os.Getenv(secrets.EnvSessionKey) != "":
		fmt.Printf("passphrase from %s\n", secrets.EnvSessionKey)
	case secrets.GetKeyring(secrets.KeyringSessionKey) != "":
		fmt.Println("passphrase from the OS keyring")
	case cfg.Secrets.SessionKey != "":
		fmt.Println("passphrase from the config file")
	default:
		fmt.Println("no passphrase: sessions are stored unencrypted")
		fmt.Println("run 'replyclaw key init' to create one")
	}
	return nil
}

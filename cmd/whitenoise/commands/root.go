package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aljazceru/whitenoise-cli/internal/app"
	"github.com/aljazceru/whitenoise-cli/internal/config"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

var (
	cfgPath    string
	dataDir    string
	passphrase string
	appCtx     *app.App
)

func Execute() error {
	root := &cobra.Command{
		Use:          "whitenoise",
		Short:        "Secure group messaging over Nostr relays",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				if home, err := os.UserHomeDir(); err == nil {
					cfgPath = filepath.Join(home, ".whitenoise", "config.toml")
				}
			}
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
				if err := cfg.FixupAndValidate(); err != nil {
					return err
				}
			}
			appCtx, err = app.New(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appCtx != nil {
				_ = appCtx.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.whitenoise/config.toml)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "state directory override")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase unlocking the current account")

	root.AddCommand(accountCmd(), contactCmd(), groupCmd(), messageCmd(), relayCmd(), statusCmd())
	return root.Execute()
}

// unlock loads the current account using the passphrase flag.
func unlock() (*domain.Account, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p)")
	}
	return appCtx.Identity.Unlock(passphrase)
}

// owner resolves the current account's public key without unlocking it.
func owner() (domain.PubKey, error) {
	return appCtx.Identity.CurrentPubKey()
}

// printJSON writes v to stdout as one indented JSON document.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create, unlock and inspect identities",
	}
	cmd.AddCommand(accountCreateCmd(), accountLoginCmd(), accountListCmd(),
		accountInfoCmd(), accountExportCmd(), accountUpdateCmd(), accountLogoutCmd())
	return cmd
}

func accountCreateCmd() *cobra.Command {
	var name, about string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new identity and publish its first key package",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			acct, err := appCtx.CreateIdentity(cmd.Context(), passphrase)
			if err != nil {
				return err
			}
			if name != "" || about != "" {
				if err := appCtx.Identity.UpdateProfile(cmd.Context(), domain.Profile{Name: name, About: about}); err != nil {
					return err
				}
			}
			npub, err := appCtx.Identity.ExportPublicKey()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"pubkey": acct.PubKey.String(),
				"npub":   npub,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&about, "about", "", "profile bio")
	return cmd
}

func accountLoginCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Import an existing private key and make it current",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			acct, err := appCtx.Login(cmd.Context(), key, passphrase)
			if err != nil {
				return err
			}
			npub, err := appCtx.Identity.ExportPublicKey()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"pubkey": acct.PubKey.String(),
				"npub":   npub,
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "private key, hex or nsec")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func accountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := appCtx.Identity.List()
			if err != nil {
				return err
			}
			current, _ := owner()

			type entry struct {
				PubKey  domain.PubKey `json:"pubkey"`
				Current bool          `json:"current,omitempty"`
			}
			out := make([]entry, 0, len(keys))
			for _, pk := range keys {
				out = append(out, entry{PubKey: pk, Current: pk == current})
			}
			return printJSON(out)
		},
	}
}

func accountInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the current account",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			npub, err := appCtx.Identity.ExportPublicKey()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"pubkey":     acct.PubKey,
				"npub":       npub,
				"profile":    acct.Profile,
				"exportable": acct.Exportable,
				"created_at": acct.CreatedAt,
			})
		},
	}
}

func accountExportCmd() *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the current account's key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !private {
				npub, err := appCtx.Identity.ExportPublicKey()
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"npub": npub})
			}
			if _, err := unlock(); err != nil {
				return err
			}
			nsec, err := appCtx.Identity.ExportPrivateKey()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"nsec": nsec})
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "export the private key instead of the public one")
	return cmd
}

func accountUpdateCmd() *cobra.Command {
	var name, about string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the profile and republish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			p := acct.Profile
			if cmd.Flags().Changed("name") {
				p.Name = name
			}
			if cmd.Flags().Changed("about") {
				p.About = about
			}
			if err := appCtx.Identity.UpdateProfile(cmd.Context(), p); err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&about, "about", "", "profile bio")
	return cmd
}

func accountLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the current account pointer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.Identity.Logout(); err != nil {
				return err
			}
			return printJSON(map[string]string{"status": "logged out"})
		},
	}
}

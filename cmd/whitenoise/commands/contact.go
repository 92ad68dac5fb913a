package commands

import (
	"github.com/spf13/cobra"
)

func contactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage the contact directory",
	}
	cmd.AddCommand(contactAddCmd(), contactRemoveCmd(), contactListCmd(),
		contactShowCmd(), contactFetchCmd())
	return cmd
}

func contactAddCmd() *cobra.Command {
	var pubkey, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact by pubkey (hex or npub)",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := owner()
			if err != nil {
				return err
			}
			c, err := appCtx.Contacts.Add(cmd.Context(), me, name, pubkey)
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "contact public key, hex or npub")
	cmd.Flags().StringVar(&name, "name", "", "petname for the contact")
	_ = cmd.MarkFlagRequired("pubkey")
	return cmd
}

func contactRemoveCmd() *cobra.Command {
	var pubkey string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := owner()
			if err != nil {
				return err
			}
			if err := appCtx.Contacts.Remove(me, pubkey); err != nil {
				return err
			}
			return printJSON(map[string]string{"removed": pubkey})
		},
	}
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "contact public key, hex or npub")
	_ = cmd.MarkFlagRequired("pubkey")
	return cmd
}

func contactListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := owner()
			if err != nil {
				return err
			}
			cs, err := appCtx.Contacts.List(me)
			if err != nil {
				return err
			}
			return printJSON(cs)
		},
	}
}

func contactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pubkey>",
		Short: "Show one contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := owner()
			if err != nil {
				return err
			}
			c, err := appCtx.Contacts.Get(me, args[0])
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
}

func contactFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Refresh contact profiles from the relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := owner()
			if err != nil {
				return err
			}
			n, err := appCtx.Contacts.Refresh(cmd.Context(), me)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"updated": n})
		},
	}
}

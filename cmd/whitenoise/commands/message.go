package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and read encrypted messages",
	}
	cmd.AddCommand(messageSendCmd(), messageDMCmd(), messageListCmd(),
		messageListDMCmd(), messageDMGroupCmd())
	return cmd
}

func messageSendCmd() *cobra.Command {
	var groupID, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			msg, err := appCtx.Groups.Send(cmd.Context(), acct, domain.GroupID(groupID), text)
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
	cmd.Flags().StringVar(&groupID, "group-id", "", "target group")
	cmd.Flags().StringVar(&text, "message", "", "message text")
	_ = cmd.MarkFlagRequired("group-id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func messageDMCmd() *cobra.Command {
	var recipient, text string
	cmd := &cobra.Command{
		Use:   "dm",
		Short: "Send a direct message, creating the DM group if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			peer, err := appCtx.Contacts.Resolve(acct.PubKey, recipient)
			if err != nil {
				return err
			}
			g, err := appCtx.Groups.GetOrCreateDM(cmd.Context(), acct, peer)
			if err != nil {
				return err
			}
			msg, err := appCtx.Groups.Send(cmd.Context(), acct, g.ID, text)
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "petname, npub or hex key")
	cmd.Flags().StringVar(&text, "message", "", "message text")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func messageListCmd() *cobra.Command {
	var groupID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored messages for a group, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			msgs, err := appCtx.Groups.History(acct, domain.GroupID(groupID), time.Time{}, limit)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		},
	}
	cmd.Flags().StringVar(&groupID, "group-id", "", "target group")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to return, 0 for all")
	_ = cmd.MarkFlagRequired("group-id")
	return cmd
}

// findDM locates an existing open DM with peer without creating one.
func findDM(acct *domain.Account, peer domain.PubKey) (*domain.Group, error) {
	gs, err := appCtx.Groups.List(acct)
	if err != nil {
		return nil, err
	}
	for _, g := range gs {
		if g.Type != domain.GroupTypeDM || g.Status == domain.GroupStatusClosed {
			continue
		}
		for _, m := range g.Members {
			if m == peer {
				return g, nil
			}
		}
	}
	return nil, domain.ErrGroupNotFound
}

func messageListDMCmd() *cobra.Command {
	var contact string
	var limit int
	cmd := &cobra.Command{
		Use:   "list-dm",
		Short: "List the DM conversation with a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			peer, err := appCtx.Contacts.Resolve(acct.PubKey, contact)
			if err != nil {
				return err
			}
			g, err := findDM(acct, peer)
			if err != nil {
				return err
			}
			msgs, err := appCtx.Groups.History(acct, g.ID, time.Time{}, limit)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		},
	}
	cmd.Flags().StringVar(&contact, "contact", "", "petname, npub or hex key")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to return, 0 for all")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

func messageDMGroupCmd() *cobra.Command {
	var contact string
	cmd := &cobra.Command{
		Use:   "dm-group",
		Short: "Show the DM group for a contact, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			peer, err := appCtx.Contacts.Resolve(acct.PubKey, contact)
			if err != nil {
				return err
			}
			g, err := appCtx.Groups.GetOrCreateDM(cmd.Context(), acct, peer)
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}
	cmd.Flags().StringVar(&contact, "contact", "", "petname, npub or hex key")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

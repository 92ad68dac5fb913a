package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create groups and manage their membership",
	}
	cmd.AddCommand(groupCreateCmd(), groupListCmd(), groupShowCmd(),
		groupProposeAddCmd(), groupProposeRemoveCmd(), groupCommitCmd(),
		groupLeaveCmd(), groupSyncCmd())
	return cmd
}

// resolveKeys turns a comma-separated list of petnames, npubs or hex keys
// into pubkeys via the contact directory.
func resolveKeys(me domain.PubKey, csv string) ([]domain.PubKey, error) {
	if csv == "" {
		return nil, nil
	}
	var out []domain.PubKey
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pk, err := appCtx.Contacts.Resolve(me, part)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func groupCreateCmd() *cobra.Command {
	var name, description, members, admins string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group and welcome its members",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			memberKeys, err := resolveKeys(acct.PubKey, members)
			if err != nil {
				return err
			}
			adminKeys, err := resolveKeys(acct.PubKey, admins)
			if err != nil {
				return err
			}
			g, err := appCtx.Groups.Create(cmd.Context(), acct, name, description, memberKeys, adminKeys)
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&description, "description", "", "group description")
	cmd.Flags().StringVar(&members, "members", "", "comma-separated petnames, npubs or hex keys")
	cmd.Flags().StringVar(&admins, "admins", "", "comma-separated admins, defaults to the creator")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			gs, err := appCtx.Groups.List(acct)
			if err != nil {
				return err
			}
			return printJSON(gs)
		},
	}
}

func groupShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			g, err := appCtx.Groups.Get(acct, domain.GroupID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}
}

func groupProposeAddCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "propose-add <group-id>",
		Short: "Propose adding a member; takes effect at the next commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			pk, err := appCtx.Contacts.Resolve(acct.PubKey, member)
			if err != nil {
				return err
			}
			if err := appCtx.Groups.ProposeAdd(acct, domain.GroupID(args[0]), pk); err != nil {
				return err
			}
			return printJSON(map[string]string{"proposed": "add", "member": pk.String()})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "petname, npub or hex key")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func groupProposeRemoveCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "propose-remove <group-id>",
		Short: "Propose removing a member; takes effect at the next commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			pk, err := appCtx.Contacts.Resolve(acct.PubKey, member)
			if err != nil {
				return err
			}
			if err := appCtx.Groups.ProposeRemove(acct, domain.GroupID(args[0]), pk); err != nil {
				return err
			}
			return printJSON(map[string]string{"proposed": "remove", "member": pk.String()})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "petname, npub or hex key")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func groupCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <group-id>",
		Short: "Commit the pending proposals and advance the epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			res, err := appCtx.Groups.Commit(cmd.Context(), acct, domain.GroupID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func groupLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <group-id>",
		Short: "Leave the group and close it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			if err := appCtx.Groups.LeaveGroup(cmd.Context(), acct, domain.GroupID(args[0])); err != nil {
				return err
			}
			return printJSON(map[string]string{"left": args[0]})
		},
	}
}

func groupSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [group-id]",
		Short: "Fetch welcomes and replay relay traffic into local state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := unlock()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				res, err := appCtx.Groups.Sync(cmd.Context(), acct, domain.GroupID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			joined, results, err := appCtx.SyncAll(cmd.Context(), acct)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"joined": joined,
				"synced": results,
			})
		},
	}
}

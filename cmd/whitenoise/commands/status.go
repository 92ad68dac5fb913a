package commands

import (
	"github.com/spf13/cobra"

	"github.com/aljazceru/whitenoise-cli/internal/transport"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current account and relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			type status struct {
				Account  string             `json:"account,omitempty"`
				Groups   int                `json:"groups,omitempty"`
				Contacts int                `json:"contacts,omitempty"`
				Relays   []transport.Health `json:"relays"`
			}
			st := status{Relays: appCtx.Relays.Health()}
			if pk, err := owner(); err == nil {
				st.Account = pk.String()
			}
			// Counts need the sealed state, so they only show up with -p.
			if passphrase != "" {
				acct, err := unlock()
				if err != nil {
					return err
				}
				if gs, err := appCtx.Groups.List(acct); err == nil {
					st.Groups = len(gs)
				}
				if cs, err := appCtx.Contacts.List(acct.PubKey); err == nil {
					st.Contacts = len(cs)
				}
			}
			return printJSON(st)
		},
	}
}

package commands

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Inspect the configured relay pool",
	}
	cmd.AddCommand(relayListCmd(), relayTestCmd())
	return cmd
}

func relayListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured relays with their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(appCtx.Relays.Health())
		},
	}
}

func relayTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <url>",
		Short: "Probe a relay with a fresh websocket dial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type probe struct {
				URL   string `json:"url"`
				OK    bool   `json:"ok"`
				Error string `json:"error,omitempty"`
			}
			r, err := nostr.RelayConnect(cmd.Context(), args[0])
			if err != nil {
				return printJSON(probe{URL: args[0], Error: err.Error()})
			}
			r.Close()
			return printJSON(probe{URL: args[0], OK: true})
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func setUpstreamCmd(configPath *string, devices *[]string) *cobra.Command {
	var v4Addr, v4Gw string
	var v6Gws []string

	cmd := &cobra.Command{
		Use:   "set-upstream <iface>",
		Short: "Set or clear the upstream binding",
		Long:  "With no flags set, iface alone clears the upstream binding. An empty iface argument (\"\") also clears it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildControl(*configPath, *devices)
			if err != nil {
				return err
			}
			if err := ctl.InitOffload(cmd.Context(), noopCallback{}); err != nil {
				return err
			}
			defer ctl.StopOffload()

			res, err := ctl.SetUpstreamParameters(args[0], v4Addr, v4Gw, v6Gws)
			if err != nil {
				fmt.Printf("false %v\n", err)
				return err
			}
			fmt.Printf("%t %s\n", res.OK, res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&v4Addr, "v4-addr", "", "Upstream IPv4 address")
	cmd.Flags().StringVar(&v4Gw, "v4-gw", "", "Upstream IPv4 gateway")
	cmd.Flags().StringSliceVar(&v6Gws, "v6-gw", nil, "Upstream IPv6 gateway (repeatable)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// addDownstreamCmd and removeDownstreamCmd build standalone, short-lived
// Offload Control instances for manual driver operation: each
// initializes, performs one call, and exits.

func addDownstreamCmd(configPath *string, devices *[]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-downstream <iface> <prefix>",
		Short: "Register a downstream subnet for NAT acceleration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildControl(*configPath, *devices)
			if err != nil {
				return err
			}
			if err := ctl.InitOffload(cmd.Context(), noopCallback{}); err != nil {
				return err
			}
			defer ctl.StopOffload()

			if err := ctl.AddDownstream(args[0], args[1]); err != nil {
				fmt.Printf("false %v\n", err)
				return err
			}
			fmt.Println("true")
			return nil
		},
	}
	return cmd
}

func removeDownstreamCmd(configPath *string, devices *[]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-downstream <iface> <prefix>",
		Short: "Release a downstream subnet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildControl(*configPath, *devices)
			if err != nil {
				return err
			}
			if err := ctl.InitOffload(cmd.Context(), noopCallback{}); err != nil {
				return err
			}
			defer ctl.StopOffload()

			if err := ctl.RemoveDownstream(args[0], args[1]); err != nil {
				fmt.Printf("false %v\n", err)
				return err
			}
			fmt.Println("true")
			return nil
		},
	}
	return cmd
}

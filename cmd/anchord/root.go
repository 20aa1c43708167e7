package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anchord",
		Short: "Integrity anchoring daemon",
	}

	InitRootCmd(rootCmd)

	return rootCmd
}

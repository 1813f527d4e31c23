// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/target"
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Print the loader capability table",
	Long: `Print the capability table the loader exports for the selected --features.

Slots are listed in ABI order. Mandatory slots are always present; optional
slots are present only when their feature is enabled. An absent slot makes
the matching descriptor command report unsupported (-1).`,
	RunE: runTable,
}

func init() {
	rootCmd.AddCommand(tableCmd)
}

func runTable(cmd *cobra.Command, args []string) error {
	dev, err := loaderDevice()
	if err != nil {
		return err
	}
	features, err := loaderFeatures()
	if err != nil {
		return err
	}

	tgt, err := target.New(target.WithDevice(dev), target.WithFeatures(features))
	if err != nil {
		return err
	}

	fmt.Printf("Features: %s\n\n", features)
	fmt.Print(tgt.API.String())
	return nil
}

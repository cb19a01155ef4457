// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const alertDBPrefix = "ALERTDB"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "birding",
	Short: "Operational alerts and notifications for tour operators",
	Long: `Computes per-tenant operational alerts, keeps them cached and refreshed,
and delivers escalation notifications through a prioritized retrying queue.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

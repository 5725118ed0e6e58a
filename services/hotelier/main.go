// Command hotelier runs the hotel back office.
//
//	hotelier serve                      serve the REST API, the admin pages and /ws
//	hotelier jobs process               process pending jobs once and exit
//	hotelier accounts create ...        create a staff account
//	hotelier settings import <file>     import hotel settings from YAML
//	hotelier watch                      print realtime messages of a running server
//
// Configuration is read from the environment, see Service.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/hotelier/core/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hotelier",
	Short: "hotelier - hotel back office",
	Long: `hotelier manages a hotel's inventory, suppliers, purchase orders,
guest requests, loyalty program and invoices.

Run "hotelier serve" to start the service.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, jobsCmd, accountsCmd, settingsCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Default().WithError(err).Errorln("hotelier failed")
		os.Exit(1)
	}
}

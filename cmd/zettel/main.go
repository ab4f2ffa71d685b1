package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor  bool
	userFlag string
)

var rootCmd = &cobra.Command{
	Use:           "zettel",
	Short:         "Capture notes and publish them to a Zettelkasten vault",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the zettel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zettel version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "session user (default: session.default_user)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		notify(toneFail, "%v", err)
		os.Exit(1)
	}
}

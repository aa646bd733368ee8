package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "fluidy-recorder",
		Short:   "Tab, screen and microphone recorder with live transcription",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "configuration file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(memosCmd())
	rootCmd.AddCommand(videosCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

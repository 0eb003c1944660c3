package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "convertrad",
	Short: "Convertra video conversion service",
	Long:  "Convertrad runs the Convertra server-side video transcoding service: job queue, FFmpeg workers, disk-space governor and notification feed.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a yaml or json config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(presetsCmd)
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mp4opus",
	Short: "Sample-accurate Opus transcoder for MP4 files",
	Long: `mp4opus - A sample-accurate Opus transcoder for MP4 containers.

Converts PCM audio stored in MP4 files to Opus-in-MP4 and back without
gaining or losing a single sample: encoder priming is recorded in the
edit list and the pre-roll sample group on encode, and both are honored
when the presentation is reconstructed on decode.

Features:
  - Opus encoding at 2.5-60 ms frames, mono to 7.1 surround
  - Multistream surround coding with RFC 7845 channel mapping
  - Sample-accurate edit list handling with pre-roll recovery
  - QuickTime channel layout preservation across the round trip
  - WAV export with high-quality sample rate conversion

Commands:
  - encode: Convert a PCM MP4 file to Opus-in-MP4
  - decode: Convert an Opus MP4 file back to PCM
  - export: Render an Opus MP4 file to WAV`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

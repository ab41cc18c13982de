package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drgolem/mp4opus/internal/transcode"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <input_file>",
	Short: "Convert an Opus MP4 file back to PCM",
	Long: `Decode an Opus track stored in an MP4 file to 16-bit PCM.

Every edit of the input is reproduced sample exactly: the decoder warms
up on pre-roll packets ahead of each edit window, drops the priming
samples through the front trim and cuts the tail so each output segment
spans its edit duration and nothing more. The result is a QuickTime
movie with the stream's channel layout in a 'chan' box.

Examples:
  # Decode to PCM with default output path
  mp4opus decode input.mp4

  # Decode to a specific file
  mp4opus decode input.mp4 --out output.mp4`,
	Args: cobra.ExactArgs(1),
	Run:  runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().String("out", "out_pcm.mp4", "Output MP4 file path")
}

func runDecode(cmd *cobra.Command, args []string) {
	inFileName := args[0]

	if _, err := os.Stat(inFileName); os.IsNotExist(err) {
		slog.Error("Input file not found", "path", inFileName)
		os.Exit(1)
	}

	outFileName, err := cmd.Flags().GetString("out")
	if err != nil {
		slog.Error("Failed to get out flag", "error", err)
		os.Exit(1)
	}

	slog.Info("Opus decoding starting",
		"input_file", inFileName,
		"output_file", outFileName)

	res, err := transcode.Decode(cmd.Context(), inFileName, outFileName)
	if err != nil {
		slog.Error("Decoding failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Decoding complete",
		"channels", res.Channels,
		"edits", res.Edits,
		"output_samples", res.OutputSamples,
		"preroll_distance", res.PrerollDistance)
}

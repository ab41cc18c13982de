package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drgolem/mp4opus/internal/transcode"
)

var exportCmd = &cobra.Command{
	Use:   "export <input_file>",
	Short: "Render an Opus MP4 file to WAV",
	Long: `Render an Opus track stored in an MP4 file to a WAV file.

The presentation is decoded with the same sample-accurate edit handling
as the decode command. WAV has no edit lists, so gap edits are rendered
as silence. Output defaults to the codec's 48 kHz; other rates go
through high-quality sample rate conversion.

Examples:
  # Export to 48 kHz WAV
  mp4opus export input.mp4 --out output.wav

  # Export to 44.1 kHz WAV
  mp4opus export input.mp4 --samplerate 44100 --out output.wav

Sample Rate Options:
  Common rates: 8000, 16000, 22050, 44100, 48000, 96000, 192000 Hz`,
	Args: cobra.ExactArgs(1),
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("out", "out_audio.wav", "Output WAV file path")
	exportCmd.Flags().Int("samplerate", 48000, "Output sample rate in Hz")
}

func runExport(cmd *cobra.Command, args []string) {
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

	sampleRate, err := cmd.Flags().GetInt("samplerate")
	if err != nil {
		slog.Error("Failed to get samplerate flag", "error", err)
		os.Exit(1)
	}
	if sampleRate <= 0 || sampleRate > 384000 {
		slog.Error("Invalid sample rate", "rate", sampleRate, "valid_range", "1-384000")
		os.Exit(1)
	}

	slog.Info("WAV export starting",
		"input_file", inFileName,
		"output_file", outFileName,
		"output_sample_rate", sampleRate)

	res, err := transcode.Export(cmd.Context(), inFileName, outFileName, sampleRate)
	if err != nil {
		slog.Error("Export failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Export complete",
		"channels", res.Channels,
		"sample_rate", res.SampleRate,
		"output_samples", res.OutputSamples)
}

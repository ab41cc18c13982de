package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drgolem/mp4opus/internal/transcode"
	"github.com/drgolem/mp4opus/pkg/opuscodec"
)

var encodeCmd = &cobra.Command{
	Use:   "encode <input_file>",
	Short: "Convert a PCM MP4 file to Opus-in-MP4",
	Long: `Encode PCM audio stored in an MP4 file into an Opus track.

The encoder's priming samples are recorded in the output edit list and
the pre-roll distance in a 'roll' sample group, so a decoder can
reconstruct the input sample exactly. Surround sources need a 'chan'
channel layout box; mono and stereo default safely without one.

Examples:
  # Encode with default settings (20 ms frames, 128 kbit/s)
  mp4opus encode input.mp4 --out output.mp4

  # Voice at 10 ms frames and 32 kbit/s constrained VBR
  mp4opus encode input.mp4 --frame-size 10 --bitrate 32000 \
    --application voip --bitrate-mode cvbr --out output.mp4

Frame Size Options:
  2.5, 5, 10, 20, 40, 60 ms (surround layouts support 20 ms only)`,
	Args: cobra.ExactArgs(1),
	Run:  runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)

	encodeCmd.Flags().String("out", "out_opus.mp4", "Output MP4 file path")
	encodeCmd.Flags().Float64("frame-size", 20, "Opus frame size in milliseconds")
	encodeCmd.Flags().Int("bitrate", 128000, "Target bitrate in bits per second")
	encodeCmd.Flags().Int("complexity", 10, "Encoder complexity (0-10)")
	encodeCmd.Flags().String("application", "audio", "Encoder application: audio, voip or lowdelay")
	encodeCmd.Flags().String("bitrate-mode", "vbr", "Bitrate control: vbr, cvbr or cbr")
	encodeCmd.Flags().String("max-bandwidth", "fullband", "Bandwidth cap: narrowband, mediumband, wideband, superwideband or fullband")
	encodeCmd.Flags().Int("gain", 0, "Output gain in Q7.8 dB, stored in the stream header")
}

func runEncode(cmd *cobra.Command, args []string) {
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

	frameMS, err := cmd.Flags().GetFloat64("frame-size")
	if err != nil {
		slog.Error("Failed to get frame-size flag", "error", err)
		os.Exit(1)
	}

	bitrate, err := cmd.Flags().GetInt("bitrate")
	if err != nil {
		slog.Error("Failed to get bitrate flag", "error", err)
		os.Exit(1)
	}

	complexity, err := cmd.Flags().GetInt("complexity")
	if err != nil {
		slog.Error("Failed to get complexity flag", "error", err)
		os.Exit(1)
	}
	if complexity < 0 || complexity > 10 {
		slog.Error("Invalid complexity", "complexity", complexity, "valid_range", "0-10")
		os.Exit(1)
	}

	appName, err := cmd.Flags().GetString("application")
	if err != nil {
		slog.Error("Failed to get application flag", "error", err)
		os.Exit(1)
	}
	application, err := opuscodec.ParseApplication(appName)
	if err != nil {
		slog.Error("Invalid application", "error", err)
		os.Exit(1)
	}

	modeName, err := cmd.Flags().GetString("bitrate-mode")
	if err != nil {
		slog.Error("Failed to get bitrate-mode flag", "error", err)
		os.Exit(1)
	}
	bitrateMode, err := opuscodec.ParseBitrateMode(modeName)
	if err != nil {
		slog.Error("Invalid bitrate mode", "error", err)
		os.Exit(1)
	}

	bwName, err := cmd.Flags().GetString("max-bandwidth")
	if err != nil {
		slog.Error("Failed to get max-bandwidth flag", "error", err)
		os.Exit(1)
	}
	maxBandwidth, err := opuscodec.ParseBandwidth(bwName)
	if err != nil {
		slog.Error("Invalid max bandwidth", "error", err)
		os.Exit(1)
	}

	gain, err := cmd.Flags().GetInt("gain")
	if err != nil {
		slog.Error("Failed to get gain flag", "error", err)
		os.Exit(1)
	}
	if gain < -32768 || gain > 32767 {
		slog.Error("Invalid gain", "gain", gain, "valid_range", "-32768..32767")
		os.Exit(1)
	}

	slog.Info("Opus encoding starting",
		"input_file", inFileName,
		"output_file", outFileName,
		"frame_size_ms", frameMS,
		"bitrate", bitrate,
		"application", appName,
		"bitrate_mode", modeName)

	res, err := transcode.Encode(cmd.Context(), inFileName, outFileName, transcode.EncodeOptions{
		FrameMS:      frameMS,
		Bitrate:      bitrate,
		Complexity:   complexity,
		Application:  application,
		BitrateMode:  bitrateMode,
		MaxBandwidth: maxBandwidth,
		OutputGain:   int16(gain),
	})
	if err != nil {
		slog.Error("Encoding failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Encoding complete",
		"input_sample_rate", res.InputSampleRate,
		"input_samples", res.InputSamples,
		"channels", res.Channels,
		"packets", res.Packets,
		"priming_samples", res.PrimingSamples,
		"preroll_distance", res.PrerollDistance)
}

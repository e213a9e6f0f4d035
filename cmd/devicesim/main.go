// devicesim plays the device side of the gateway protocols against a running
// gateway: it can request synthesis and play or save the returned audio, or
// stream the microphone to the recognition relay and print the results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liuscraft/orion-gateway/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "devicesim",
	Short:        "Simulate a device against the speech gateway",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitFromEnv()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var (
	ttsOpts ttsOptions
	asrOpts asrOptions
)

var ttsCmd = &cobra.Command{
	Use:   "tts",
	Short: "Synthesize text through the TTS relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTTS(cmd.Context(), ttsOpts)
	},
}

var asrCmd = &cobra.Command{
	Use:   "asr",
	Short: "Stream the microphone through the ASR relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runASR(cmd.Context(), cmd.OutOrStdout(), asrOpts)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List local audio devices usable with --device and --play",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices(cmd.OutOrStdout())
	},
}

func init() {
	ttsCmd.Flags().StringVar(&ttsOpts.url, "url", "ws://localhost:8083/", "TTS relay URL")
	ttsCmd.Flags().StringVar(&ttsOpts.voice, "voice", "", "Voice id (gateway default when empty)")
	ttsCmd.Flags().StringArrayVar(&ttsOpts.text, "text", []string{"你好，欢迎使用语音网关。"}, "Text chunk to send; repeat for several chunks")
	ttsCmd.Flags().StringVar(&ttsOpts.output, "output", "", "Write received PCM (s16le mono) to this file")
	ttsCmd.Flags().BoolVar(&ttsOpts.play, "play", false, "Play received audio on the default output device")
	ttsCmd.Flags().IntVar(&ttsOpts.sampleRate, "sample-rate", 24000, "Requested downlink sample rate")
	ttsCmd.Flags().IntVar(&ttsOpts.frameMs, "frame-duration", 60, "Requested Opus frame duration in ms")
	ttsCmd.Flags().IntVar(&ttsOpts.version, "protocol-version", 2, "Requested downlink framing version")
	ttsCmd.Flags().IntVar(&ttsOpts.segmentMax, "segment-max", 120, "Split text into sentences of at most this many runes; 0 splits on punctuation only, -1 disables")

	asrCmd.Flags().StringVar(&asrOpts.url, "url", "ws://localhost:8082/", "ASR relay URL")
	asrCmd.Flags().IntVar(&asrOpts.seconds, "seconds", 10, "Stop streaming after this many seconds")
	asrCmd.Flags().StringVar(&asrOpts.device, "device", "", "Input device name (system default when empty)")
	asrCmd.Flags().IntVar(&asrOpts.sampleRate, "sample-rate", 16000, "Uplink sample rate")
	asrCmd.Flags().StringVar(&asrOpts.wakeWords, "detect", "", "Wake words to send as a detect message")

	rootCmd.AddCommand(ttsCmd)
	rootCmd.AddCommand(asrCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

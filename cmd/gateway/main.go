package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/liuscraft/orion-gateway/internal/config"
	"github.com/liuscraft/orion-gateway/internal/voices"
)

var (
	configPath string
	enableTTS  bool
	enableASR  bool
	voicesJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Real-time speech gateway between devices and cloud speech providers",
	Long: `gateway relays device text to streaming TTS providers and paces the
synthesized audio back as Opus, and relays device audio to recognition
workers.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TTS relay, the ASR relay and the admin endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !enableTTS && !enableASR {
			return fmt.Errorf("nothing to serve: both --tts and --asr are disabled")
		}
		return serve(cmd.Context(), configPath, enableTTS, enableASR)
	},
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the voice catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		catalog, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		if voicesJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(catalog.All())
		}
		return printVoices(cmd, catalog)
	},
}

func printVoices(cmd *cobra.Command, catalog *voices.Catalog) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tDEFAULT")
	def := catalog.Default().ID
	for _, v := range catalog.All() {
		mark := ""
		if v.ID == def {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Source, mark)
	}
	return tw.Flush()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the JSON config file")
	serveCmd.Flags().BoolVar(&enableTTS, "tts", true, "Serve the TTS relay")
	serveCmd.Flags().BoolVar(&enableASR, "asr", true, "Serve the ASR relay and worker endpoint")
	voicesCmd.Flags().BoolVar(&voicesJSON, "json", false, "Print the catalog as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(voicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"babel.town/asr"
	"babel.town/store"
	"babel.town/translate"
	"babel.town/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	translateCmd.Flags().StringP("to", "t", "English", "Target language")
	rootCmd.AddCommand(web.ServeCmd)
	rootCmd.AddCommand(store.LsCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(transcribeCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().
		String("asr-url", "ws://localhost:8002/v1/realtime", "Realtime recognition websocket URL")
	rootCmd.PersistentFlags().String("asr-api-key", "", "Recognition engine API key")
	rootCmd.PersistentFlags().
		String("transcribe-url", "http://localhost:8000/v1", "One-shot transcription base URL")
	rootCmd.PersistentFlags().String("asr-model", "whisper-1", "Recognition model")
	rootCmd.PersistentFlags().
		Int("asr-sample-rate", 16000, "Sample rate of the client PCM stream")
	rootCmd.PersistentFlags().
		String("translate-url", "http://localhost:8001/v1", "Translation engine base URL")
	rootCmd.PersistentFlags().
		String("translate-api-key", "EMPTY", "Translation engine API key")
	rootCmd.PersistentFlags().String("translate-model", "gpt-4o-mini", "Translation model")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().
		String("postgres-url", "", "Postgres URL for session history, empty disables it")

	// Bind flags to viper
	viper.BindPFlag("asr_url", rootCmd.PersistentFlags().Lookup("asr-url"))
	viper.BindPFlag("asr_api_key", rootCmd.PersistentFlags().Lookup("asr-api-key"))
	viper.BindPFlag(
		"transcribe_url",
		rootCmd.PersistentFlags().Lookup("transcribe-url"),
	)
	viper.BindPFlag("asr_model", rootCmd.PersistentFlags().Lookup("asr-model"))
	viper.BindPFlag(
		"asr_sample_rate",
		rootCmd.PersistentFlags().Lookup("asr-sample-rate"),
	)
	viper.BindPFlag("translate_url", rootCmd.PersistentFlags().Lookup("translate-url"))
	viper.BindPFlag(
		"translate_api_key",
		rootCmd.PersistentFlags().Lookup("translate-api-key"),
	)
	viper.BindPFlag(
		"translate_model",
		rootCmd.PersistentFlags().Lookup("translate-model"),
	)
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("postgres_url", rootCmd.PersistentFlags().Lookup("postgres-url"))

	// Chunking and session policy, usually left at the defaults.
	viper.SetDefault("chunk_size", 120)
	viper.SetDefault("chunk_interval", "700ms")
	viper.SetDefault("chunk_min_alnum", 2)
	viper.SetDefault("overlap_ratio", 0.5)
	viper.SetDefault("overlap_min_tokens", 2)
	viper.SetDefault("drain_timeout", "10s")
	viper.SetDefault("outbox_size", 256)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "babel",
	Short: "Babel relays live speech into translated text",
	Long: `Babel accepts a microphone stream over a websocket, transcribes it
through a realtime recognition engine, and relays the running transcript to a
translation engine chunk by chunk.`,
}

var translateCmd = &cobra.Command{
	Use:   "translate <text>",
	Short: "Translate a piece of text",
	Args:  cobra.ExactArgs(1),
	Run:   runTranslate,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe an audio file",
	Args:  cobra.ExactArgs(1),
	Run:   runTranscribe,
}

func runTranslate(cmd *cobra.Command, args []string) {
	lang, _ := cmd.Flags().GetString("to")
	client := translate.NewClient(translate.Config{
		URL:    viper.GetString("translate_url"),
		APIKey: viper.GetString("translate_api_key"),
		Model:  viper.GetString("translate_model"),
	}, logger)

	out, err := client.Translate(cmd.Context(), args[0], lang)
	if err != nil {
		logger.Fatal("translation failed", "error", err)
	}
	fmt.Println(out)
}

func runTranscribe(cmd *cobra.Command, args []string) {
	file, err := os.Open(args[0])
	if err != nil {
		logger.Fatal("failed to open audio file", "error", err)
	}
	defer file.Close()

	cfg := asr.Config{
		APIKey:        viper.GetString("asr_api_key"),
		TranscribeURL: viper.GetString("transcribe_url"),
		Model:         viper.GetString("asr_model"),
	}
	text, err := asr.Transcribe(cmd.Context(), cfg, file, args[0])
	if err != nil {
		logger.Fatal("transcription failed", "error", err)
	}
	fmt.Println(text)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

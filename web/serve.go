package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"babel.town/asr"
	"babel.town/chunk"
	"babel.town/session"
	"babel.town/store"
	"babel.town/translate"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming relay server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := Serve(cmd.Context()); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	},
}

func Serve(ctx context.Context) error {
	cfg := configFromViper()

	var archiver session.Archiver
	if url := viper.GetString("postgres_url"); url != "" {
		st, err := store.Open(ctx, url, log.Default().With().WithPrefix("data"))
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer st.Close()
		archiver = st
	}

	h := NewHandler(cfg, archiver, log.Default().With().WithPrefix("web"))

	port := viper.GetInt("port")
	log.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), h.Router())
}

// configFromViper assembles the handler configuration from the flat config
// keys bound by the root command.
func configFromViper() Config {
	chunkCfg := chunk.DefaultConfig()
	if v := viper.GetInt("chunk_size"); v > 0 {
		chunkCfg.Size = v
	}
	if v := viper.GetDuration("chunk_interval"); v > 0 {
		chunkCfg.Interval = v
	}
	if v := viper.GetInt("chunk_min_alnum"); v > 0 {
		chunkCfg.MinAlnum = v
	}
	if v := viper.GetFloat64("overlap_ratio"); v > 0 {
		chunkCfg.OverlapRatio = v
	}
	if v := viper.GetInt("overlap_min_tokens"); v > 0 {
		chunkCfg.OverlapMinTokens = v
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.Chunk = chunkCfg
	if v := viper.GetDuration("drain_timeout"); v > 0 {
		sessionCfg.DrainTimeout = v
	}
	if v := viper.GetInt("outbox_size"); v > 0 {
		sessionCfg.OutboxSize = v
	}

	return Config{
		ASR: asr.Config{
			URL:           viper.GetString("asr_url"),
			APIKey:        viper.GetString("asr_api_key"),
			TranscribeURL: viper.GetString("transcribe_url"),
			Model:         viper.GetString("asr_model"),
			SampleRate:    viper.GetInt("asr_sample_rate"),
		},
		Translate: translate.Config{
			URL:    viper.GetString("translate_url"),
			APIKey: viper.GetString("translate_api_key"),
			Model:  viper.GetString("translate_model"),
		},
		Session: sessionCfg,
	}
}

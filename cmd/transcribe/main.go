package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexiqai/salute-stt/internal/config"
	"github.com/lexiqai/salute-stt/internal/observability"
	"github.com/lexiqai/salute-stt/internal/stt"
)

func main() {
	encodingName := flag.String("encoding", config.GetEnv("SALUTE_ENCODING", string(stt.EncodingMP3)), "Audio encoding: PCM_S16LE, OPUS, MP3, FLAC, ALAW, MULAW")
	asJSON := flag.Bool("json", false, "Print the result as JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <audio file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	encoding, err := stt.ParseEncoding(*encodingName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	client, err := stt.NewClientFromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create SaluteSpeech client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := client.SpeechToText(ctx, flag.Arg(0), encoding)
	if err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Transcription failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Fatal().Err(err).Msg("Failed to encode result")
		}
		return
	}
	fmt.Println(result.Text)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/live"
	"github.com/parley-ai/parley/pkg/live/protocol"
)

type options struct {
	url        string
	model      string
	voice      string
	system     string
	search     bool
	showVolume bool
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	var opt options
	flag.StringVar(&opt.url, "url", "ws://127.0.0.1:8080/api/ws", "Relay websocket URL")
	flag.StringVar(&opt.model, "model", "models/gemini-2.0-flash-live-001", "Model to request in setup")
	flag.StringVar(&opt.voice, "voice", "Puck", "Prebuilt voice name")
	flag.StringVar(&opt.system, "system", "You are a friendly interview practice partner.", "System instruction")
	flag.BoolVar(&opt.search, "search", false, "Enable search grounding")
	flag.BoolVar(&opt.showVolume, "show-volume", false, "Print microphone level updates")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(context.Background(), logger, opt); err != nil {
		fmt.Fprintf(os.Stderr, "parley-demo: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, opt options) error {
	sink, err := audio.NewSpeakerSink()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	streamer := audio.NewStreamer(logger, sink, audio.SystemClock, audio.DefaultMaxQueued)
	defer streamer.Stop()

	recorder := audio.NewRecorder(logger, nil)

	client := live.NewClient(logger)
	if err := client.Connect(ctx, opt.url, live.SessionConfig{
		Model:             opt.model,
		ResponseModality:  "AUDIO",
		Voice:             opt.voice,
		SystemInstruction: opt.system,
		SearchGrounding:   opt.search,
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Println("Connected. Speak into the microphone; Ctrl-C to hang up.")

	for {
		select {
		case sig := <-sigCh:
			logger.Info("hanging up", "signal", sig.String())
			recorder.Stop()
			client.Disconnect()
			return nil

		case event := <-recorder.Events():
			switch e := event.(type) {
			case audio.DataEvent:
				err := client.SendRealtimeInput([]live.MediaChunk{{
					MIMEType: audio.CaptureMIMEType,
					Data:     e.Base64,
				}})
				if err != nil {
					logger.Warn("send audio", "error", err)
				}
			case audio.VolumeEvent:
				if opt.showVolume {
					fmt.Printf("\rmic %s", volumeBar(e.Level))
				}
			case audio.ErrorEvent:
				logger.Warn("microphone", "error", e.Err)
			}

		case event := <-client.Events():
			switch e := event.(type) {
			case live.SetupCompleteEvent:
				// Session is live; open the microphone.
				if err := recorder.Start(ctx); err != nil {
					return fmt.Errorf("start microphone: %w", err)
				}
			case live.AudioEvent:
				streamer.AddPCM16(e.Data)
			case live.InterruptedEvent:
				streamer.Interrupt()
			case live.ContentEvent:
				printModelText(e.Content)
			case live.ToolCallEvent:
				if err := answerToolCalls(client, e.ToolCall); err != nil {
					logger.Warn("tool response", "error", err)
				}
			case live.ToolCallCancellationEvent:
				logger.Info("tool calls canceled", "ids", e.IDs)
			case live.ErrorEvent:
				logger.Warn("session", "error", e.Err)
			case live.CloseEvent:
				recorder.Stop()
				logger.Info("session closed", "code", e.Code, "reason", e.Reason)
				return nil
			}
		}
	}
}

func printModelText(content protocol.ServerContent) {
	if content.ModelTurn == nil {
		return
	}
	for _, part := range content.ModelTurn.Parts {
		if text := strings.TrimSpace(part.Text); text != "" {
			fmt.Printf("\nmodel: %s\n", text)
		}
	}
}

// answerToolCalls acknowledges every requested function with an empty result
// so the conversation keeps moving. A real integration would dispatch on
// call.Name.
func answerToolCalls(client *live.Client, call protocol.ToolCall) error {
	responses := make([]protocol.FunctionResponse, 0, len(call.FunctionCalls))
	for _, fc := range call.FunctionCalls {
		responses = append(responses, protocol.FunctionResponse{
			ID:       fc.ID,
			Response: map[string]any{"result": "ok"},
		})
	}
	return client.SendToolResponse(live.ToolResponse{FunctionResponses: responses})
}

func volumeBar(level float64) string {
	const width = 20
	filled := int(level * width)
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

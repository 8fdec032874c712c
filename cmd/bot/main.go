package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"larkbot/internal/config"
	"larkbot/internal/dispatch"
	"larkbot/internal/lark"
	"larkbot/internal/llm"
	"larkbot/internal/notify"
	"larkbot/internal/queue"
	"larkbot/internal/relay"
	"larkbot/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()

	conversations, err := store.NewFileConversationStore(cfg.ConversationsFilePath)
	if err != nil {
		log.Fatalf("failed to init conversation store: %v", err)
	}
	usage, err := store.NewFileUsageLedger(cfg.UsageFilePath)
	if err != nil {
		log.Fatalf("failed to init usage ledger: %v", err)
	}
	events, err := store.NewFileSeenEvents(cfg.EventsFilePath)
	if err != nil {
		log.Fatalf("failed to init event store: %v", err)
	}

	janitor := store.NewJanitor()
	janitor.Register("conversation", conversations)
	janitor.Register("event", events)
	if err := janitor.Start(); err != nil {
		log.Fatalf("failed to start janitor: %v", err)
	}
	defer janitor.Stop()

	larkClient := lark.New(nil, cfg.LarkBaseURL, cfg.LarkAppID, cfg.LarkAppSecret)

	notifier, err := notify.NewNotifier(cfg.ChannelProvider, larkClient, cfg.TelegramBotToken)
	if err != nil {
		log.Fatalf("failed to create notifier: %v", err)
	}

	llmFactory := &llm.Factory{
		AnthropicAPIKey:    cfg.AnthropicAPIKey,
		AnthropicBaseURL:   cfg.AnthropicBaseURL,
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
	}
	llmClient, err := llmFactory.CreateClient(string(cfg.LLMProvider), cfg.ModelID)
	if err != nil {
		log.Fatalf("failed to create llm client: %v", err)
	}

	rel := relay.New(llmClient, llm.SamplingParams{
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}, cfg.SystemPrompt)

	worker := dispatch.NewWorker(
		conversations, usage, rel, notifier, larkClient,
		cfg.LarkAppID, cfg.ImageDescPrompt,
		cfg.MaxSeq(), cfg.MaxChatQuotaPerUser,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(cfg.QueueSize)
	q.Start(ctx, cfg.WorkerCount, worker.HandleTurn)

	handler := dispatch.NewHandler(
		cfg.LarkVerificationToken, cfg.LarkAppID, cfg.ResetCommand,
		events, conversations, usage, notifier, q,
	)

	mux := http.NewServeMux()
	mux.Handle("/webhook/event", handler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	cancel()
	q.Wait()
}

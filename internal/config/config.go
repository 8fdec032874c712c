package config

import (
	"log"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderYandex    LLMProvider = "yandex"
)

type Config struct {
	// Lark application credentials and webhook shared secret
	LarkAppID             string `env:"LARK_APP_ID,required"`
	LarkAppSecret         string `env:"LARK_APP_SECRET,required"`
	LarkVerificationToken string `env:"LARK_TOKEN,required"`
	LarkBaseURL           string `env:"LARK_BASE_URL"`

	// Channel settings
	ChannelProvider  string `env:"CHANNEL_PROVIDER" envDefault:"lark"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"anthropic"`
	ModelID          string      `env:"MODEL_ID" envDefault:"claude-3-sonnet-20240229"`
	AnthropicAPIKey  string      `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string      `env:"ANTHROPIC_BASE_URL"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Sampling parameters
	Temperature float32 `env:"MODEL_TEMPERATURE" envDefault:"0.8"`
	TopP        float32 `env:"MODEL_TOP_P" envDefault:"0.9"`
	MaxTokens   int     `env:"MODEL_MAX_TOKENS" envDefault:"2048"`

	// Prompts
	SystemPrompt    string `env:"SYSTEM_PROMPT"`
	ImageDescPrompt string `env:"IMG_DESC_PROMPT" envDefault:"Describe this image."`

	// Conversation limits
	MaxChatTurns        int    `env:"MAX_CHAT_TURNS" envDefault:"10"`
	MaxChatQuotaPerUser int    `env:"MAX_CHAT_QUOTA_PER_USER" envDefault:"100"`
	ResetCommand        string `env:"START_CMD" envDefault:"/rs"`

	// Storage
	ConversationsFilePath string `env:"CONVERSATIONS_FILE_PATH" envDefault:"data/conversations.json"`
	UsageFilePath         string `env:"USAGE_FILE_PATH" envDefault:"data/usage.json"`
	EventsFilePath        string `env:"EVENTS_FILE_PATH" envDefault:"data/events.json"`

	// Server
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerCount int    `env:"WORKER_COUNT" envDefault:"4"`
	QueueSize   int    `env:"QUEUE_SIZE" envDefault:"64"`
}

// MaxSeq is the maximum stored message count: user and assistant entries for
// the retained turns plus one in-flight user message.
func (c *Config) MaxSeq() int {
	return c.MaxChatTurns*2 + 1
}

func New() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}

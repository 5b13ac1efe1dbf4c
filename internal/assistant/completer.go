package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"boostchat/internal/config"
	"boostchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const systemPrompt = "You are the support assistant for a game-boosting " +
	"marketplace. Answer questions about orders, boosts and account safety " +
	"concisely. If the question needs a human, say so and suggest opening a " +
	"live chat."

// Completer turns a conversation history into one assistant reply. The
// caller bounds each call with a deadline; an expired context is a failure.
type Completer struct {
	chatModel model.BaseChatModel
}

// NewCompleter builds an eino-backed completer for the configured provider.
func NewCompleter(provider string, provCfg config.ProviderConfig) (*Completer, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return &Completer{chatModel: chatModel}, nil
}

// Complete sends the conversation to the model and returns its reply.
func (c *Completer) Complete(ctx context.Context, history []*models.Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("history cannot be empty")
	}

	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt,
	})
	for _, msg := range history {
		role := schema.User
		if msg.Sender == models.IdentityAssistant {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Body,
		})
	}

	reply, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return "", errors.New("model returned empty reply")
	}
	return content, nil
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/model/identity"
)

var (
	// ErrResponderTimeout means the model did not answer before the deadline.
	ErrResponderTimeout = errors.New("responder timed out")
	// ErrResponderUnavailable covers transport and backend failures.
	ErrResponderUnavailable = errors.New("responder unavailable")
	// ErrMalformedReply means the model answered with nothing usable.
	ErrMalformedReply = errors.New("responder reply malformed")
)

// Responder answers one operator question given recent context.
type Responder interface {
	Respond(ctx context.Context, question, contextText string) (string, error)
}

// Service runs the responder prompt through an eino chain.
type Service struct {
	prompts *PromptBuilder
	chain   compose.Runnable[map[string]any, *schema.Message]
	logger  *zap.Logger
}

// NewService compiles the prompt + model chain.
func NewService(ctx context.Context, chatModel model.BaseChatModel, profile identity.Profile, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile responder chain: %w", err)
	}

	return &Service{
		prompts: NewPromptBuilder(profile),
		chain:   runnable,
		logger:  logger.Named("ai"),
	}, nil
}

// Respond asks the model. Errors wrap ErrResponderTimeout,
// ErrResponderUnavailable or ErrMalformedReply.
func (s *Service) Respond(ctx context.Context, question, contextText string) (string, error) {
	input := map[string]any{
		"system": s.prompts.BuildSystemPrompt(contextText),
		"query":  question,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", classify(ctx, err)
	}
	if response == nil {
		return "", ErrMalformedReply
	}

	reply := cleanReply(response.Content)
	if reply == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedReply)
	}

	s.logger.Debug("generated reply", zap.Int("length", len(reply)))
	return reply, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrResponderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrResponderUnavailable, err)
}

// Reasoning models wrap their chain of thought in <think> tags.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

func cleanReply(content string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(content, ""))
}

// Package fallback produces local replies when the language model cannot.
package fallback

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-lab/internal/model/identity"
)

// Topic 表示一个问题被归入的关键字分类。
type Topic string

const (
	General  Topic = "general"
	Greeting Topic = "greeting"
	Help     Topic = "help"
	Code     Topic = "code"
	Git      Topic = "git"
	Identity Topic = "identity"
)

// Decision 给出分类结果以及命中得分。
type Decision struct {
	Topic Topic
	Score int
}

// Ties go to the earlier topic.
var topicOrder = []Topic{Greeting, Help, Code, Git, Identity}

var keywordBuckets = map[Topic][]string{
	Greeting: {"hello", "hi", "hey", "你好", "嗨"},
	Help:     {"help", "帮忙", "帮助"},
	Code:     {"code", "python", "golang", "bug", "代码"},
	Git:      {"git", "repo", "commit", "branch", "仓库"},
	Identity: {"who are you", "what are you", "你是谁"},
}

// Classify 根据关键字判断问题所属的话题。
func Classify(question string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(question))
	if normalized == "" {
		return Decision{Topic: General}
	}
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 0x7f)
	})

	best := Decision{Topic: General}
	for _, topic := range topicOrder {
		score := 0
		for _, kw := range keywordBuckets[topic] {
			if matches(normalized, words, kw) {
				score += 3
			}
		}
		if score > best.Score {
			best = Decision{Topic: topic, Score: score}
		}
	}
	return best
}

// Short ASCII keywords must match a whole word so "this" is not a greeting.
func matches(normalized string, words []string, kw string) bool {
	if strings.Contains(kw, " ") || !isASCII(kw) {
		return strings.Contains(normalized, kw)
	}
	for _, w := range words {
		if w == kw {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// Reply answers question without a model. It never returns an empty string.
func Reply(question string, profile identity.Profile) string {
	op := profile.Operator.Name
	self := profile.Responder.Name

	switch Classify(question).Topic {
	case Greeting:
		return fmt.Sprintf("Hello %s! I'm here and ready to help. What's on your mind?", op)
	case Help:
		return "I can help you think through problems, organize ideas, work with code, or just chat. What would you like to do?"
	case Code:
		return "I see you're thinking about code. Want me to help you brainstorm, debug, or design something?"
	case Git:
		return "I can help with git operations! Use 'g <command>' in the terminal, or tell me what you need."
	case Identity:
		return fmt.Sprintf("I'm %s, your AI assistant. You created me, %s. I'm here to help, never to replace your voice.", self, op)
	default:
		return fmt.Sprintf("I hear you, %s. Let me think about '%s...' Tell me more about what you need?", op, clip(question, 50))
	}
}

// TimedOut is the reply used when the model does not answer in time.
func TimedOut(profile identity.Profile) string {
	return fmt.Sprintf("Thinking timed out... %s, want me to try again?", profile.Operator.Name)
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}

package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// 每条消息在 chat 格式里的固定开销（role、分隔符）。
const perMessageOverhead = 4

// getCodec returns the cl100k_base tokenizer, loaded once.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text.
// cl100k_base is close enough for DeepSeek and other OpenAI-compatible models.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		// 分词器不可用时按 4 字节一个 token 粗略估算
		return len(text)/4 + 1
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

func messageTokens(m Message) int {
	return EstimateTokens(m.Content) + perMessageOverhead
}

// TrimToBudget drops the oldest non-system messages until the estimated prompt
// fits in budget tokens. Leading system messages and the final message are
// always kept. budget <= 0 disables trimming.
func TrimToBudget(messages []Message, budget int) []Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	head := 0
	for head < len(messages)-1 && messages[head].Role == "system" {
		head++
	}

	total := 0
	for _, m := range messages {
		total += messageTokens(m)
	}
	if total <= budget {
		return messages
	}

	start := head
	for start < len(messages)-1 && total > budget {
		total -= messageTokens(messages[start])
		start++
	}

	trimmed := make([]Message, 0, head+len(messages)-start)
	trimmed = append(trimmed, messages[:head]...)
	trimmed = append(trimmed, messages[start:]...)
	return trimmed
}

/*
File Name:  tokens.go
Author:     dpc contributors

Centralized token accounting. Tokenizer selection follows the model
family: tiktoken encodings for OpenAI/Anthropic-style models, a mapped
Ollama family-to-tokenizer table for self-hosted models, and a final
rune-length heuristic when nothing else applies. Tokenizers are cached
in-process since construction is comparatively expensive.
*/

package inference

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ollamaFamilyEncoding maps an Ollama model family prefix to the
// tiktoken encoding whose vocabulary most closely approximates it, in
// absence of a native Ollama tokenizer binding.
var ollamaFamilyEncoding = map[string]string{
	"llama":   "cl100k_base",
	"mistral": "cl100k_base",
	"mixtral": "cl100k_base",
	"gemma":   "cl100k_base",
	"qwen":    "cl100k_base",
	"phi":     "cl100k_base",
	"codellama": "cl100k_base",
}

var (
	tokenizerCacheMu sync.Mutex
	tokenizerCache   = make(map[string]*tiktoken.Tiktoken)
)

// ollamaEncoding resolves an Ollama model family prefix to its mapped
// tiktoken encoding name, or "" if the model isn't a known family.
func ollamaEncoding(model string) string {
	lower := strings.ToLower(model)
	for family, encoding := range ollamaFamilyEncoding {
		if strings.HasPrefix(lower, family) {
			return encoding
		}
	}
	return ""
}

func getTokenizer(model string) (*tiktoken.Tiktoken, error) {
	tokenizerCacheMu.Lock()
	if tk, ok := tokenizerCache[model]; ok {
		tokenizerCacheMu.Unlock()
		return tk, nil
	}
	tokenizerCacheMu.Unlock()

	// Native per-model table (OpenAI/Anthropic-style names).
	if tk, err := tiktoken.EncodingForModel(model); err == nil {
		tokenizerCacheMu.Lock()
		tokenizerCache[model] = tk
		tokenizerCacheMu.Unlock()
		return tk, nil
	}

	encodingName := ollamaEncoding(model)
	if encodingName == "" {
		encodingName = "cl100k_base"
	}

	tokenizerCacheMu.Lock()
	defer tokenizerCacheMu.Unlock()
	if tk, ok := tokenizerCache[encodingName]; ok {
		return tk, nil
	}
	tk, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	tokenizerCache[encodingName] = tk
	return tk, nil
}

// CountTokens counts text's tokens for model, falling back to
// len(text)/4 runes if no tokenizer can be constructed.
func CountTokens(text, model string) int {
	tk, err := getTokenizer(model)
	if err != nil || tk == nil {
		return len([]rune(text)) / 4
	}
	return len(tk.Encode(text, nil, nil))
}

// ErrPromptTooLarge is returned by ValidatePrompt when prompt_tokens
// exceeds the usable context window.
type ErrPromptTooLarge struct {
	PromptTokens  int
	ContextWindow int
	Usable        int
}

func (e *ErrPromptTooLarge) Error() string {
	return "inference: prompt too large for model context window"
}

// ValidatePrompt counts prompt's tokens for model and fails if they
// exceed contextWindow*(1-buffer).
func ValidatePrompt(prompt, model string, contextWindow int, buffer float64) (promptTokens int, err error) {
	if buffer <= 0 {
		buffer = 0.2
	}
	promptTokens = CountTokens(prompt, model)
	usable := int(float64(contextWindow) * (1 - buffer))
	if promptTokens > usable {
		return promptTokens, &ErrPromptTooLarge{PromptTokens: promptTokens, ContextWindow: contextWindow, Usable: usable}
	}
	return promptTokens, nil
}

// ConversationUsage is the token-accounting summary returned alongside
// an inference response. It never sums prompt and response tokens,
// since the prompt already embeds prior conversation history.
type ConversationUsage struct {
	CurrentPromptSize    int `json:"current_prompt_size"`
	LatestResponseTokens int `json:"latest_response_tokens"`
	MessageCount         int `json:"message_count"`
}

// ComputeConversationUsage assembles the usage summary for one
// inference exchange.
func ComputeConversationUsage(promptTokens, responseTokens, messageCount int) ConversationUsage {
	return ConversationUsage{
		CurrentPromptSize:    promptTokens,
		LatestResponseTokens: responseTokens,
		MessageCount:         messageCount,
	}
}

package llm

import (
	"sync"

	"github.com/bytedance/sonic"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func encoder() tokenizer.Codec {
	codecOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			enc, err = tokenizer.Get(tokenizer.Cl100kBase)
		}
		if err == nil {
			codec = enc
		}
	})
	return codec
}

// CountTokens returns the BPE token count of text, or a length-based guess
// when no encoder could be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc := encoder()
	if enc == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// EstimatePromptTokens approximates the prompt size of req: 4 tokens of
// framing per message, 3 for reply priming, plus the serialized tool schemas.
func EstimatePromptTokens(req *Request) int {
	tokens := 3
	for _, m := range req.messages {
		tokens += 4 + CountTokens(string(m.Role)) + CountTokens(m.Content)
	}
	if len(req.tools) > 0 {
		if raw, err := sonic.Marshal(req.tools); err == nil {
			tokens += CountTokens(string(raw))
		}
	}
	return tokens
}

// Package tokenizer counts prompt and completion tokens for every dialect the
// relay serves, and prices image generation in token-equivalents.
//
// OpenAI chat uses the real cl100k_base BPE. Claude, Mistral, and Google AI
// are counted with the same encoder as a documented approximation: no
// production-grade tokenizer exists for them in Go, the frames differ only in
// role markup, and quota math needs consistency more than exactness.
package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

// Guard limits: prompts past either bound fail before encoding so a hostile
// payload cannot pin a CPU inside the BPE.
const (
	MaxPromptChars  = 800_000
	MaxPromptTokens = 200_000
)

// ErrContentTooLarge is returned when a prompt exceeds the tokenizer guards.
var ErrContentTooLarge = errors.New("tokenizer: content too large")

// Tokenizer names reported in Result.
const (
	nameCL100k       = "tiktoken (cl100k_base)"
	nameCL100kApprox = "tiktoken (cl100k_base approximation)"
	nameImageTable   = "dall-e price table"
)

// Result describes one counting operation.
type Result struct {
	Tokens    int
	Tokenizer string
	Duration  time.Duration
}

var (
	encOnce sync.Once
	encErr  error
	enc     *tiktoken.Tiktoken
)

// Init eagerly loads the BPE tables. Called once at startup so the first
// request does not pay the load cost.
func Init() error {
	_, err := encoding()
	return err
}

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// CountText counts a bare string with the shared encoder, applying the size
// guards.
func CountText(s string) (int, error) {
	if len(s) > MaxPromptChars {
		return 0, ErrContentTooLarge
	}
	e, err := encoding()
	if err != nil {
		return 0, err
	}
	n := len(e.Encode(s, nil, nil))
	if n > MaxPromptTokens {
		return 0, ErrContentTooLarge
	}
	return n, nil
}

// CountCompletion counts completion text for usage accounting. Completions
// are never rejected for size; the guard only protects the prompt path.
func CountCompletion(s string) int {
	e, err := encoding()
	if err != nil || s == "" {
		return 0
	}
	return len(e.Encode(s, nil, nil))
}

// Count prices a translated request body for quota purposes. The model is
// the upstream model name; it selects legacy chat overheads and the image
// price row.
func Count(model string, req any) (Result, error) {
	switch r := req.(type) {
	case *dialect.OpenAIRequest:
		return CountOpenAIChat(r.Messages, model)
	case *dialect.OpenAITextRequest:
		return CountOpenAIText(r.Prompt)
	case *dialect.AnthropicTextRequest:
		return CountAnthropicText(r.Prompt)
	case *dialect.AnthropicChatRequest:
		return CountAnthropicChat(r.System, r.Messages)
	case *dialect.MistralAIRequest:
		return CountMistral(r.Messages)
	case *dialect.GoogleAIRequest:
		return CountGoogleAI(r.Contents)
	case *dialect.OpenAIImageRequest:
		return CountImage(r)
	}
	return Result{}, fmt.Errorf("tokenizer: no counter for %T", req)
}

// CountOpenAIChat implements the published chat counting recipe: a fixed
// per-message overhead, every field BPE-encoded, a name surcharge, and three
// priming tokens for the assistant reply. The legacy turbo-0301 snapshot used
// different framing, hence its own constants.
func CountOpenAIChat(msgs []dialect.OpenAIMessage, model string) (Result, error) {
	start := time.Now()
	e, err := encoding()
	if err != nil {
		return Result{}, err
	}

	perMessage, perName := 3, 1
	if strings.Contains(model, "turbo-0301") {
		perMessage, perName = 4, -1
	}

	chars := 0
	total := 3 // assistant reply priming
	for _, m := range msgs {
		total += perMessage
		total += len(e.Encode(m.Role, nil, nil))
		if m.Name != "" {
			total += len(e.Encode(m.Name, nil, nil)) + perName
		}
		if m.Content.Parts == nil {
			if chars += len(m.Content.Text); chars > MaxPromptChars {
				return Result{}, ErrContentTooLarge
			}
			total += len(e.Encode(m.Content.Text, nil, nil))
			continue
		}
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "text":
				if chars += len(p.Text); chars > MaxPromptChars {
					return Result{}, ErrContentTooLarge
				}
				total += len(e.Encode(p.Text, nil, nil))
			case "image_url":
				n, err := imageTokens(p.ImageURL)
				if err != nil {
					return Result{}, err
				}
				total += n
			}
		}
	}
	if total > MaxPromptTokens {
		return Result{}, ErrContentTooLarge
	}
	return Result{Tokens: total, Tokenizer: nameCL100k, Duration: time.Since(start)}, nil
}

// CountOpenAIText counts a legacy completions prompt.
func CountOpenAIText(prompt string) (Result, error) {
	start := time.Now()
	n, err := CountText(prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{Tokens: n, Tokenizer: nameCL100k, Duration: time.Since(start)}, nil
}

// CountAnthropicText counts a Claude text-completion prompt.
func CountAnthropicText(prompt string) (Result, error) {
	return countApprox(prompt)
}

// CountAnthropicChat reconstructs the Human/Assistant frame the messages API
// implies and counts the whole prompt, including the priming suffix when the
// conversation does not end on an assistant prefill.
func CountAnthropicChat(system string, msgs []dialect.AnthropicMessage) (Result, error) {
	var b strings.Builder
	b.WriteString(system)
	for _, m := range msgs {
		if m.Role == "assistant" {
			b.WriteString(assistantFrame)
		} else {
			b.WriteString(humanFrame)
		}
		b.WriteString(m.Content.Flat())
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
		b.WriteString(primingFrame)
	}
	return countApprox(b.String())
}

const (
	humanFrame     = "\n\nHuman: "
	assistantFrame = "\n\nAssistant: "
	primingFrame   = "\n\nAssistant:"
)

// CountMistral renders the instruct template and counts the result. User and
// system turns share the [INST] frame; assistant turns close a generation.
func CountMistral(msgs []dialect.MistralMessage) (Result, error) {
	var b strings.Builder
	b.WriteString("<s>")
	for _, m := range msgs {
		if m.Role == "assistant" {
			b.WriteString(" ")
			b.WriteString(m.Content)
			b.WriteString("</s>")
			continue
		}
		b.WriteString("[INST] ")
		b.WriteString(m.Content)
		b.WriteString(" [/INST]")
	}
	return countApprox(b.String())
}

// CountGoogleAI is an explicit heuristic: cl100k over the text plus a flat
// three tokens of turn framing per content block.
func CountGoogleAI(contents []dialect.GoogleContent) (Result, error) {
	start := time.Now()
	e, err := encoding()
	if err != nil {
		return Result{}, err
	}
	chars := 0
	total := 0
	for _, c := range contents {
		total += 3
		for _, p := range c.Parts {
			if chars += len(p.Text); chars > MaxPromptChars {
				return Result{}, ErrContentTooLarge
			}
			total += len(e.Encode(p.Text, nil, nil))
		}
	}
	if total > MaxPromptTokens {
		return Result{}, ErrContentTooLarge
	}
	return Result{Tokens: total, Tokenizer: nameCL100kApprox, Duration: time.Since(start)}, nil
}

func countApprox(s string) (Result, error) {
	start := time.Now()
	n, err := CountText(s)
	if err != nil {
		return Result{}, err
	}
	return Result{Tokens: n, Tokenizer: nameCL100kApprox, Duration: time.Since(start)}, nil
}

// tokensPerUSD converts image prices into the token quota currency.
const tokensPerUSD = 100_000

type imageVariant struct {
	model   string
	quality string
	size    string
}

// imagePriceUSD is the published per-image price list.
var imagePriceUSD = map[imageVariant]float64{
	{"dall-e-3", "standard", "1024x1024"}: 0.04,
	{"dall-e-3", "standard", "1792x1024"}: 0.08,
	{"dall-e-3", "standard", "1024x1792"}: 0.08,
	{"dall-e-3", "hd", "1024x1024"}:       0.08,
	{"dall-e-3", "hd", "1792x1024"}:       0.12,
	{"dall-e-3", "hd", "1024x1792"}:       0.12,
	{"dall-e-2", "standard", "1024x1024"}: 0.02,
	{"dall-e-2", "standard", "512x512"}:   0.018,
	{"dall-e-2", "standard", "256x256"}:   0.016,
}

// CountImage prices an image-generation request from the fixed price table,
// converted at 100,000 tokens per dollar.
func CountImage(r *dialect.OpenAIImageRequest) (Result, error) {
	start := time.Now()
	model := "dall-e-3"
	if strings.Contains(r.Model, "dall-e-2") {
		model = "dall-e-2"
	}
	quality := r.Quality
	if model == "dall-e-2" {
		quality = "standard"
	}
	price, ok := imagePriceUSD[imageVariant{model, quality, r.Size}]
	if !ok {
		return Result{}, fmt.Errorf("tokenizer: no price for %s %s %s", model, quality, r.Size)
	}
	n := r.N
	if n <= 0 {
		n = 1
	}
	return Result{
		Tokens:    int(math.Round(price * float64(n) * tokensPerUSD)),
		Tokenizer: nameImageTable,
		Duration:  time.Since(start),
	}, nil
}

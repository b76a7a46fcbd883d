package tokenizer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

func mustCountText(t *testing.T, s string) int {
	t.Helper()
	n, err := CountText(s)
	if err != nil {
		t.Fatalf("CountText(%q): %v", s, err)
	}
	return n
}

func TestCountTextGuards(t *testing.T) {
	if _, err := CountText(strings.Repeat("a", MaxPromptChars+1)); !errors.Is(err, ErrContentTooLarge) {
		t.Errorf("oversized prompt: got %v, want ErrContentTooLarge", err)
	}
	if n := mustCountText(t, ""); n != 0 {
		t.Errorf("empty string = %d tokens", n)
	}
	if n := mustCountText(t, "Hello, world!"); n <= 0 || n > 10 {
		t.Errorf("Hello, world! = %d tokens, expected a small positive count", n)
	}
}

func TestCountOpenAIChatOverheads(t *testing.T) {
	msgs := []dialect.OpenAIMessage{
		{Role: "user", Content: dialect.MessageContent{Text: "Hi"}},
	}
	res, err := CountOpenAIChat(msgs, "gpt-4")
	if err != nil {
		t.Fatalf("CountOpenAIChat: %v", err)
	}
	want := 3 + 3 + mustCountText(t, "user") + mustCountText(t, "Hi")
	if res.Tokens != want {
		t.Errorf("Tokens = %d, want %d", res.Tokens, want)
	}
	if res.Tokenizer != nameCL100k {
		t.Errorf("Tokenizer = %q", res.Tokenizer)
	}
}

func TestCountOpenAIChatLegacyOverheads(t *testing.T) {
	msgs := []dialect.OpenAIMessage{
		{Role: "user", Content: dialect.MessageContent{Text: "one"}},
		{Role: "assistant", Content: dialect.MessageContent{Text: "two"}},
	}
	modern, err := CountOpenAIChat(msgs, "gpt-4")
	if err != nil {
		t.Fatalf("gpt-4: %v", err)
	}
	legacy, err := CountOpenAIChat(msgs, "gpt-3.5-turbo-0301")
	if err != nil {
		t.Fatalf("turbo-0301: %v", err)
	}
	// The legacy snapshot charges one extra framing token per message.
	if got := legacy.Tokens - modern.Tokens; got != len(msgs) {
		t.Errorf("legacy overhead delta = %d, want %d", got, len(msgs))
	}
}

func TestCountOpenAIChatName(t *testing.T) {
	base := []dialect.OpenAIMessage{
		{Role: "user", Content: dialect.MessageContent{Text: "Hi"}},
	}
	named := []dialect.OpenAIMessage{
		{Role: "user", Name: "test", Content: dialect.MessageContent{Text: "Hi"}},
	}
	a, err := CountOpenAIChat(base, "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	b, err := CountOpenAIChat(named, "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	want := mustCountText(t, "test") + 1
	if got := b.Tokens - a.Tokens; got != want {
		t.Errorf("name surcharge = %d, want %d", got, want)
	}
}

func TestCountOpenAIChatGuard(t *testing.T) {
	msgs := []dialect.OpenAIMessage{
		{Role: "user", Content: dialect.MessageContent{Text: strings.Repeat("a", MaxPromptChars+1)}},
	}
	if _, err := CountOpenAIChat(msgs, "gpt-4"); !errors.Is(err, ErrContentTooLarge) {
		t.Errorf("got %v, want ErrContentTooLarge", err)
	}
}

func TestCountAnthropicChatFraming(t *testing.T) {
	msgs := []dialect.AnthropicMessage{
		{Role: "user", Content: dialect.MessageContent{Text: "Hi"}},
		{Role: "assistant", Content: dialect.MessageContent{Text: "Hello."}},
		{Role: "user", Content: dialect.MessageContent{Text: "Bye"}},
	}
	res, err := CountAnthropicChat("Be brief.", msgs)
	if err != nil {
		t.Fatalf("CountAnthropicChat: %v", err)
	}
	want := mustCountText(t,
		"Be brief.\n\nHuman: Hi\n\nAssistant: Hello.\n\nHuman: Bye\n\nAssistant:")
	if res.Tokens != want {
		t.Errorf("Tokens = %d, want %d", res.Tokens, want)
	}
	if res.Tokenizer != nameCL100kApprox {
		t.Errorf("Tokenizer = %q", res.Tokenizer)
	}
}

func TestCountAnthropicChatNoPrimingAfterPrefill(t *testing.T) {
	msgs := []dialect.AnthropicMessage{
		{Role: "user", Content: dialect.MessageContent{Text: "Hi"}},
		{Role: "assistant", Content: dialect.MessageContent{Text: "Sure:"}},
	}
	res, err := CountAnthropicChat("", msgs)
	if err != nil {
		t.Fatal(err)
	}
	want := mustCountText(t, "\n\nHuman: Hi\n\nAssistant: Sure:")
	if res.Tokens != want {
		t.Errorf("Tokens = %d, want %d (no priming suffix after prefill)", res.Tokens, want)
	}
}

func TestCountMistralFraming(t *testing.T) {
	msgs := []dialect.MistralMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello."},
		{Role: "user", Content: "Bye"},
	}
	res, err := CountMistral(msgs)
	if err != nil {
		t.Fatalf("CountMistral: %v", err)
	}
	want := mustCountText(t, "<s>[INST] Hi [/INST] Hello.</s>[INST] Bye [/INST]")
	if res.Tokens != want {
		t.Errorf("Tokens = %d, want %d", res.Tokens, want)
	}
}

func TestCountGoogleAIFraming(t *testing.T) {
	contents := []dialect.GoogleContent{
		{Role: "user", Parts: []dialect.GooglePart{{Text: "Hi"}}},
		{Role: "model", Parts: []dialect.GooglePart{{Text: "Hello."}}},
	}
	res, err := CountGoogleAI(contents)
	if err != nil {
		t.Fatalf("CountGoogleAI: %v", err)
	}
	want := 3 + mustCountText(t, "Hi") + 3 + mustCountText(t, "Hello.")
	if res.Tokens != want {
		t.Errorf("Tokens = %d, want %d", res.Tokens, want)
	}
}

func TestHighDetailTokens(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		// 1600x900 scales to 1365x768: 3x2 tiles.
		{1600, 900, 170*6 + 85},
		// 1024x1024 scales to 768x768: 2x2 tiles.
		{1024, 1024, 170*4 + 85},
		// 4096x8192 scales to 1024x2048 then 768x1536: 2x3 tiles.
		{4096, 8192, 170*6 + 85},
		// Small images are not upscaled.
		{512, 512, 170*1 + 85},
		{100, 100, 170*1 + 85},
		{513, 512, 170*2 + 85},
	}
	for _, tt := range tests {
		if got := highDetailTokens(tt.w, tt.h); got != tt.want {
			t.Errorf("highDetailTokens(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func testDataURL(t *testing.T, format string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDataURLDimensions(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "gif"} {
		t.Run(format, func(t *testing.T) {
			w, h, err := dataURLDimensions(testDataURL(t, format, 320, 240))
			if err != nil {
				t.Fatalf("dataURLDimensions: %v", err)
			}
			if w != 320 || h != 240 {
				t.Errorf("got %dx%d, want 320x240", w, h)
			}
		})
	}
}

func TestDataURLDimensionsRejectsBadInput(t *testing.T) {
	bad := []string{
		"https://example.com/cat.png",
		"data:image/png,rawbytes",
		"data:image/png;base64,!!!notbase64!!!",
		"data:",
	}
	for _, url := range bad {
		if _, _, err := dataURLDimensions(url); !errors.Is(err, ErrBadImage) {
			t.Errorf("dataURLDimensions(%q) = %v, want ErrBadImage", url, err)
		}
	}
}

func TestImageTokens(t *testing.T) {
	low := &dialect.ImageURL{URL: "data:image/png;base64,ignored", Detail: "low"}
	if n, err := imageTokens(low); err != nil || n != 85 {
		t.Errorf("low detail = (%d, %v), want (85, nil)", n, err)
	}

	// A 1600x900 image at high detail is the worked pricing example.
	high := &dialect.ImageURL{URL: testDataURL(t, "png", 1600, 900), Detail: "high"}
	if n, err := imageTokens(high); err != nil || n != 1105 {
		t.Errorf("1600x900 high detail = (%d, %v), want (1105, nil)", n, err)
	}

	// Detail defaults to high when unset.
	auto := &dialect.ImageURL{URL: testDataURL(t, "png", 100, 100)}
	if n, err := imageTokens(auto); err != nil || n != 255 {
		t.Errorf("auto detail 100x100 = (%d, %v), want (255, nil)", n, err)
	}
}

func TestCountImage(t *testing.T) {
	tests := []struct {
		name    string
		req     dialect.OpenAIImageRequest
		want    int
		wantErr bool
	}{
		{
			name: "dall-e-3 standard 1024",
			req:  dialect.OpenAIImageRequest{Model: "dall-e-3", Quality: "standard", Size: "1024x1024", N: 1},
			want: 4000,
		},
		{
			name: "dall-e-3 hd wide",
			req:  dialect.OpenAIImageRequest{Model: "dall-e-3", Quality: "hd", Size: "1792x1024", N: 1},
			want: 12000,
		},
		{
			name: "n multiplies cost",
			req:  dialect.OpenAIImageRequest{Model: "dall-e-3", Quality: "standard", Size: "1024x1024", N: 2},
			want: 8000,
		},
		{
			name: "dall-e-2 small",
			req:  dialect.OpenAIImageRequest{Model: "dall-e-2", Quality: "standard", Size: "256x256", N: 1},
			want: 1600,
		},
		{
			name: "dall-e-2 ignores quality",
			req:  dialect.OpenAIImageRequest{Model: "dall-e-2", Quality: "hd", Size: "512x512", N: 1},
			want: 1800,
		},
		{
			name:    "unknown size",
			req:     dialect.OpenAIImageRequest{Model: "dall-e-3", Quality: "standard", Size: "640x640", N: 1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := CountImage(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err == nil && res.Tokens != tt.want {
				t.Errorf("Tokens = %d, want %d", res.Tokens, tt.want)
			}
		})
	}
}

func TestCountDispatch(t *testing.T) {
	tests := []struct {
		name string
		req  any
		tok  string
	}{
		{
			name: "openai chat",
			req: &dialect.OpenAIRequest{Messages: []dialect.OpenAIMessage{
				{Role: "user", Content: dialect.MessageContent{Text: "Hi"}},
			}},
			tok: nameCL100k,
		},
		{
			name: "anthropic text",
			req:  &dialect.AnthropicTextRequest{Prompt: "\n\nHuman: Hi\n\nAssistant:"},
			tok:  nameCL100kApprox,
		},
		{
			name: "google",
			req: &dialect.GoogleAIRequest{Contents: []dialect.GoogleContent{
				{Role: "user", Parts: []dialect.GooglePart{{Text: "Hi"}}},
			}},
			tok: nameCL100kApprox,
		},
		{
			name: "image",
			req:  &dialect.OpenAIImageRequest{Model: "dall-e-3", Quality: "standard", Size: "1024x1024", N: 1},
			tok:  nameImageTable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Count("gpt-4", tt.req)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if res.Tokens <= 0 {
				t.Errorf("Tokens = %d, want > 0", res.Tokens)
			}
			if res.Tokenizer != tt.tok {
				t.Errorf("Tokenizer = %q, want %q", res.Tokenizer, tt.tok)
			}
		})
	}

	if _, err := Count("gpt-4", struct{}{}); err == nil {
		t.Error("unknown request type should error")
	}
}

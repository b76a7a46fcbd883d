package dialect

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// maxGoogleStops is the stop-sequence cap enforced by the Gemini API.
const maxGoogleStops = 5

// GoogleAIRequest is the generateContent body. The model is carried out of
// band because Gemini addresses it in the URL path rather than the payload.
type GoogleAIRequest struct {
	Model            string                `json:"-"`
	Contents         []GoogleContent       `json:"contents"`
	GenerationConfig GoogleGenConfig       `json:"generationConfig"`
	SafetySettings   []GoogleSafetySetting `json:"safetySettings,omitempty"`
	Stream           bool                  `json:"-"`
}

type GoogleContent struct {
	Role  string       `json:"role"`
	Parts []GooglePart `json:"parts"`
}

type GooglePart struct {
	Text string `json:"text"`
}

type GoogleGenConfig struct {
	MaxOutputTokens int        `json:"maxOutputTokens,omitempty"`
	Temperature     *float64   `json:"temperature,omitempty"`
	TopP            *float64   `json:"topP,omitempty"`
	StopSequences   StringList `json:"stopSequences,omitempty"`
}

type GoogleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

var googleHarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// googleSafetyOff disables every harm category. Filtering is the proxy
// operator's concern, not the upstream's.
func googleSafetyOff() []GoogleSafetySetting {
	settings := make([]GoogleSafetySetting, 0, len(googleHarmCategories))
	for _, c := range googleHarmCategories {
		settings = append(settings, GoogleSafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}
	return settings
}

// ValidateGoogleAI parses a native generateContent body.
func ValidateGoogleAI(body []byte, limits Limits) (*GoogleAIRequest, *apierr.Error) {
	var req GoogleAIRequest
	if err := decodeStrict(body, &req); err != nil {
		return nil, err
	}
	var issues []apierr.Issue
	if len(req.Contents) == 0 {
		issues = append(issues, issuef("contents", "at least one content entry is required"))
	}
	for i, c := range req.Contents {
		if c.Role != "user" && c.Role != "model" {
			issues = append(issues, issuef(
				"contents."+strconv.Itoa(i)+".role", "unknown role %q; must be user or model", c.Role))
		}
	}
	if req.GenerationConfig.MaxOutputTokens < 0 {
		issues = append(issues, issuef("generationConfig.maxOutputTokens", "must not be negative"))
	}
	if len(req.GenerationConfig.StopSequences) > maxGoogleStops {
		issues = append(issues, issuef(
			"generationConfig.stopSequences", "at most %d stop sequences are allowed", maxGoogleStops))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	req.GenerationConfig.MaxOutputTokens = clampOutput(req.GenerationConfig.MaxOutputTokens, limits)
	return &req, nil
}

// OpenAIToGoogleAI converts a chat request to the Gemini generateContent
// form: system turns fold into user turns, assistant maps to model, and
// adjacent same-role turns collapse into one content entry.
func OpenAIToGoogleAI(r *OpenAIRequest, limits Limits) *GoogleAIRequest {
	var contents []GoogleContent
	for _, m := range r.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		text := m.Content.Flat()
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			prev := &contents[n-1].Parts[len(contents[n-1].Parts)-1]
			prev.Text = prev.Text + "\n" + text
			continue
		}
		contents = append(contents, GoogleContent{
			Role:  role,
			Parts: []GooglePart{{Text: text}},
		})
	}

	stops := dedupAppend(nil, r.Stop...)
	stops = appendCharacterStops(stops, r.Messages)
	if len(stops) > maxGoogleStops {
		stops = stops[:maxGoogleStops]
	}

	return &GoogleAIRequest{
		Model:    r.Model,
		Contents: contents,
		GenerationConfig: GoogleGenConfig{
			MaxOutputTokens: clampOutput(r.MaxTokens, limits),
			Temperature:     r.Temperature,
			TopP:            r.TopP,
			StopSequences:   StringList(stops),
		},
		SafetySettings: googleSafetyOff(),
		Stream:         r.Stream,
	}
}

// characterNameRe matches a roleplay-style "Name:" prefix on the first line
// of a message. Long prefixes are ignored since those are almost never
// character names.
var characterNameRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9 _-]{0,30}):`)

// appendCharacterStops scans messages for character-name prefixes and adds
// them as stop sequences so Gemini stops impersonating other speakers.
func appendCharacterStops(stops []string, msgs []OpenAIMessage) []string {
	for _, m := range msgs {
		if m.Name != "" {
			stops = dedupAppend(stops, "\n"+m.Name+":")
			continue
		}
		first := m.Content.Flat()
		if i := strings.IndexByte(first, '\n'); i >= 0 {
			first = first[:i]
		}
		if match := characterNameRe.FindStringSubmatch(first); match != nil {
			stops = dedupAppend(stops, "\n"+match[1]+":")
		}
	}
	return stops
}

package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGoogleHandler returns an http.Handler simulating the Google AI
// (Gemini) API. The relay signs requests as:
//
//	POST {base}/v1beta/models/{model}:generateContent?key=...
//	POST {base}/v1beta/models/{model}:streamGenerateContent?alt=sse&key=...
//	GET  {base}/v1beta/models?key=...   (list models — used by the key checker)
func newGoogleHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-2.5-pro:generateContent
		model := extractGoogleModel(path)

		if r.URL.Query().Get("key") == "" {
			writeGoogleError(w, http.StatusForbidden, "API key not valid", "PERMISSION_DENIED")
			return
		}

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if r.Method != http.MethodPost {
				writeGoogleError(w, http.StatusMethodNotAllowed, "method not allowed", "INVALID_ARGUMENT")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGoogleError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
				return
			}
			if shouldRateLimit(cfg) {
				writeGoogleError(w, http.StatusTooManyRequests, "Resource has been exhausted", "RESOURCE_EXHAUSTED")
				return
			}
			handleGoogleGenerate(w, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if r.Method != http.MethodPost {
				writeGoogleError(w, http.StatusMethodNotAllowed, "method not allowed", "INVALID_ARGUMENT")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGoogleError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
				return
			}
			handleGoogleGenerate(w, cfg, model, true)

		default:
			writeGoogleError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path), "NOT_FOUND")
		}
	})

	// GET /v1beta/models — used by the key checker
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			writeGoogleError(w, http.StatusForbidden, "API key not valid", "PERMISSION_DENIED")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":                       "models/gemini-2.5-pro",
					"displayName":                "Gemini 2.5 Pro",
					"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
				},
				{
					"name":                       "models/gemini-2.0-flash",
					"displayName":                "Gemini 2.0 Flash",
					"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGoogleError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func handleGoogleGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	if stream {
		serveGoogleStream(w, model, content, inTokens, outTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]string{
						{"text": content},
					},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   fmt.Sprintf("resp-%x", rand.Int64()),
		"modelVersion": model,
	})
}

// serveGoogleStream writes candidate chunks as SSE, matching the alt=sse
// wire the relay asks for. There is no terminator event; the stream just
// ends after the final chunk.
func serveGoogleStream(w http.ResponseWriter, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	words := strings.Fields(content)
	for i, word := range words {
		chunk := map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]string{
							{"text": word + " "},
						},
					},
					"index": 0,
				},
			},
			"modelVersion": model,
		}
		if i == len(words)-1 {
			chunk["candidates"].([]map[string]any)[0]["finishReason"] = "STOP"
			chunk["usageMetadata"] = map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			}
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\r\n\r\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeGoogleError(w http.ResponseWriter, status int, msg, grpcStatus string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  grpcStatus,
		},
	})
}

// extractGoogleModel pulls the model name out of a path like
// /v1beta/models/gemini-2.5-pro:generateContent
func extractGoogleModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-pro"
}

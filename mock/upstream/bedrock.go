package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newBedrockHandler returns an http.Handler simulating the AWS Bedrock
// runtime API for Anthropic models:
//
//	POST /model/{modelId}/invoke                       — buffered
//	POST /model/{modelId}/invoke-with-response-stream  — binary event stream
//	GET  /logging/modelinvocations                     — used by the key checker
//
// Request and response bodies use the Anthropic wire format; claude-3 models
// speak the messages schema and claude-v2 the legacy completion schema.
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "ValidationException", "method not allowed")
			return
		}

		path := r.URL.Path
		modelID := extractBedrockModel(path)
		isStream := strings.HasSuffix(path, "/invoke-with-response-stream")

		applyLatency(cfg)
		if shouldRateLimit(cfg) {
			writeBedrockError(w, http.StatusTooManyRequests, "ThrottlingException", "Too many requests, please wait before trying again.")
			return
		}

		var req struct {
			Prompt   string `json:"prompt"`
			Messages []any  `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBedrockError(w, http.StatusBadRequest, "ValidationException", "invalid request body")
			return
		}
		chat := len(req.Messages) > 0

		if isStream {
			serveBedrockStream(w, cfg, modelID, chat)
			return
		}

		if shouldError(cfg) {
			writeBedrockError(w, http.StatusInternalServerError, "InternalServerException", "mock internal error")
			return
		}
		serveBedrockInvoke(w, cfg, modelID, chat)
	})

	// GET /logging/modelinvocations — invocation logging config probe
	mux.HandleFunc("/logging/modelinvocations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"loggingConfig": nil,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, "ResourceNotFoundException", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// writeBedrockError answers with the AWS error wire: the x-amzn-errortype
// header plus a minimal JSON body carrying __type.
func writeBedrockError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("x-amzn-errortype", typ+":")
	writeJSON(w, status, map[string]string{
		"__type":  typ,
		"message": msg,
	})
}

func serveBedrockInvoke(w http.ResponseWriter, cfg Config, modelID string, chat bool) {
	content := fakeSentence(cfg.StreamWords)

	if chat {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"model":         modelID,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": content},
			},
			"usage": map[string]int{
				"input_tokens":  12,
				"output_tokens": cfg.StreamWords,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"completion":  content,
		"stop_reason": "stop_sequence",
		"stop":        "\n\nHuman:",
	})
}

// serveBedrockStream writes the binary AWS event stream: length-prefixed
// frames with CRC'd preludes, chunk events carrying base64 payload bytes,
// and an exception frame when an error is simulated mid-stream.
func serveBedrockStream(w http.ResponseWriter, cfg Config, _ string, chat bool) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	content := fakeSentence(cfg.StreamWords)

	sendChunk := func(v any) {
		inner, _ := json.Marshal(v)
		payload, _ := json.Marshal(map[string][]byte{"bytes": inner})
		writeESMessage(w, []esHeader{
			{":event-type", "chunk"},
			{":content-type", "application/json"},
			{":message-type", "event"},
		}, payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Model errors on the streaming endpoint arrive inside the stream, not
	// as an HTTP status.
	if shouldError(cfg) {
		payload, _ := json.Marshal(map[string]string{"message": "mock internal error"})
		writeESMessage(w, []esHeader{
			{":exception-type", "internalServerException"},
			{":content-type", "application/json"},
			{":message-type", "exception"},
		}, payload)
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	words := strings.Fields(content)

	if chat {
		sendChunk(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
				"type":    "message",
				"role":    "assistant",
				"content": []any{},
				"usage":   map[string]int{"input_tokens": 12, "output_tokens": 0},
			},
		})
		sendChunk(map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})
		for _, word := range words {
			sendChunk(map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": word + " "},
			})
		}
		sendChunk(map[string]any{"type": "content_block_stop", "index": 0})
		sendChunk(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]int{"output_tokens": cfg.StreamWords},
		})
		sendChunk(map[string]any{"type": "message_stop"})
		return
	}

	for _, word := range words {
		sendChunk(map[string]any{
			"completion":  word + " ",
			"stop_reason": nil,
		})
	}
	sendChunk(map[string]any{
		"completion":  "",
		"stop_reason": "stop_sequence",
	})
}

// esHeader is one event stream header; all mock headers are string-typed.
type esHeader struct {
	name  string
	value string
}

// writeESMessage frames one message:
//
//	4B total length | 4B header length | 4B prelude CRC |
//	headers | payload | 4B message CRC
//
// CRCs are CRC32-IEEE; the prelude CRC covers the two length words, the
// message CRC everything before itself.
func writeESMessage(w http.ResponseWriter, headers []esHeader, payload []byte) {
	var hbuf bytes.Buffer
	for _, h := range headers {
		hbuf.WriteByte(byte(len(h.name)))
		hbuf.WriteString(h.name)
		hbuf.WriteByte(7) // string type
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(h.value)))
		hbuf.Write(vlen[:])
		hbuf.WriteString(h.value)
	}

	total := 12 + hbuf.Len() + len(payload) + 4

	var msg bytes.Buffer
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(total))
	msg.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(hbuf.Len()))
	msg.Write(word[:])
	binary.BigEndian.PutUint32(word[:], crc32.ChecksumIEEE(msg.Bytes()))
	msg.Write(word[:])
	msg.Write(hbuf.Bytes())
	msg.Write(payload)
	binary.BigEndian.PutUint32(word[:], crc32.ChecksumIEEE(msg.Bytes()))
	msg.Write(word[:])

	_, _ = w.Write(msg.Bytes())
}

// extractBedrockModel pulls the model ID out of a path like
// /model/anthropic.claude-v2/invoke
func extractBedrockModel(path string) string {
	const prefix = "/model/"
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

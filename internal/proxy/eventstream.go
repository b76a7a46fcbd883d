package proxy

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Bedrock streams invocations as application/vnd.amazon.eventstream: framed
// binary messages with a length-and-CRC prelude, typed headers, and a
// payload. Chunk events wrap the provider's JSON base64-encoded under
// "bytes"; the relay unwraps them back into plain SSE.

const (
	esPreludeLen = 12
	esCRCLen     = 4

	// esMaxMessage guards against corrupt length words.
	esMaxMessage = 16 << 20
)

// Header value types from the event stream encoding. Only strings matter to
// the relay; the fixed-size types are skipped over.
const (
	esTypeBoolTrue  = 0
	esTypeBoolFalse = 1
	esTypeByte      = 2
	esTypeShort     = 3
	esTypeInt       = 4
	esTypeLong      = 5
	esTypeByteBuf   = 6
	esTypeString    = 7
	esTypeTimestamp = 8
	esTypeUUID      = 9
)

var errTruncatedHeaders = errors.New("proxy: truncated event stream headers")

type esMessage struct {
	headers map[string]string
	payload []byte
}

// relayEventStream converts the binary event stream into the SSE the client
// expects, feeding unwrapped chunks to the accumulator. Exception messages
// terminate the stream as errors.
func relayEventStream(sw *sseWriter, body io.Reader, acc *dialect.StreamAccumulator) *apierr.Error {
	rd := bufio.NewReaderSize(body, 64<<10)
	for {
		msg, err := readESMessage(rd)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return apierr.Network(err)
		}

		if msg.headers[":message-type"] == "exception" || msg.headers[":exception-type"] != "" {
			et := msg.headers[":exception-type"]
			if et == "" {
				et = "exception"
			}
			var inner struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.payload, &inner)
			if inner.Message == "" {
				inner.Message = "upstream stream failed"
			}
			return apierr.Upstream(fasthttp.StatusBadGateway, et, "", inner.Message)
		}

		var chunk struct {
			Bytes []byte `json:"bytes"`
		}
		if err := json.Unmarshal(msg.payload, &chunk); err != nil || len(chunk.Bytes) == 0 {
			continue
		}
		acc.Feed(chunk.Bytes)
		sw.event(chunk.Bytes)
		if sw.Err() != nil {
			return nil
		}
	}
}

// readESMessage decodes one framed message, validating both CRCs. io.EOF at
// a frame boundary is a clean end of stream.
func readESMessage(rd io.Reader) (*esMessage, error) {
	var prelude [esPreludeLen]byte
	if _, err := io.ReadFull(rd, prelude[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[0:8]) != preludeCRC {
		return nil, errors.New("proxy: event stream prelude checksum mismatch")
	}
	if total < esPreludeLen+esCRCLen || total > esMaxMessage ||
		headerLen > total-esPreludeLen-esCRCLen {
		return nil, fmt.Errorf("proxy: implausible event stream frame (total %d, headers %d)", total, headerLen)
	}

	rest := make([]byte, total-esPreludeLen)
	if _, err := io.ReadFull(rd, rest); err != nil {
		return nil, fmt.Errorf("proxy: truncated event stream frame: %w", err)
	}
	msgCRC := binary.BigEndian.Uint32(rest[len(rest)-esCRCLen:])
	crc := crc32.ChecksumIEEE(prelude[:])
	crc = crc32.Update(crc, crc32.IEEETable, rest[:len(rest)-esCRCLen])
	if crc != msgCRC {
		return nil, errors.New("proxy: event stream message checksum mismatch")
	}

	headers, err := parseESHeaders(rest[:headerLen])
	if err != nil {
		return nil, err
	}
	return &esMessage{
		headers: headers,
		payload: rest[headerLen : len(rest)-esCRCLen],
	}, nil
}

// parseESHeaders walks the typed header block.
func parseESHeaders(b []byte) (map[string]string, error) {
	h := make(map[string]string)
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return nil, errTruncatedHeaders
		}
		name := string(b[:nameLen])
		typ := b[nameLen]
		b = b[nameLen+1:]

		switch typ {
		case esTypeBoolTrue, esTypeBoolFalse:
			// No value bytes.
		case esTypeString, esTypeByteBuf:
			if len(b) < 2 {
				return nil, errTruncatedHeaders
			}
			n := int(binary.BigEndian.Uint16(b))
			b = b[2:]
			if len(b) < n {
				return nil, errTruncatedHeaders
			}
			if typ == esTypeString {
				h[name] = string(b[:n])
			}
			b = b[n:]
		default:
			n, ok := esFixedSize(typ)
			if !ok || len(b) < n {
				return nil, errTruncatedHeaders
			}
			b = b[n:]
		}
	}
	return h, nil
}

func esFixedSize(typ byte) (int, bool) {
	switch typ {
	case esTypeByte:
		return 1, true
	case esTypeShort:
		return 2, true
	case esTypeInt:
		return 4, true
	case esTypeLong, esTypeTimestamp:
		return 8, true
	case esTypeUUID:
		return 16, true
	}
	return 0, false
}

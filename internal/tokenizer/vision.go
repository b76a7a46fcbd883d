package tokenizer

import (
	"encoding/base64"
	"errors"
	"image"
	"math"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

// ErrBadImage is returned when an inline image cannot be decoded far enough
// to read its dimensions.
var ErrBadImage = errors.New("tokenizer: unreadable inline image")

const (
	lowDetailTokens = 85
	tileTokens      = 170
	tileSide        = 512
	maxLongSide     = 2048
	targetShortSide = 768
)

// imageTokens prices one image_url content part. Only inline base64 data
// URLs reach this point; validation rejects remote URLs earlier.
func imageTokens(img *dialect.ImageURL) (int, error) {
	if img == nil {
		return 0, ErrBadImage
	}
	if img.Detail == "low" {
		return lowDetailTokens, nil
	}
	w, h, err := dataURLDimensions(img.URL)
	if err != nil {
		return 0, err
	}
	return highDetailTokens(w, h), nil
}

// highDetailTokens implements the published tile pricing: scale the image
// into a 2048px square, bring the shorter side down to 768px, then bill per
// 512px tile plus a fixed base cost.
func highDetailTokens(w, h int) int {
	fw, fh := float64(w), float64(h)
	if long := math.Max(fw, fh); long > maxLongSide {
		scale := maxLongSide / long
		fw, fh = fw*scale, fh*scale
	}
	if short := math.Min(fw, fh); short > targetShortSide {
		scale := targetShortSide / short
		fw, fh = fw*scale, fh*scale
	}
	tiles := int(math.Ceil(fw/tileSide)) * int(math.Ceil(fh/tileSide))
	return tileTokens*tiles + lowDetailTokens
}

// dataURLDimensions sniffs width and height from a base64 data URL. The
// decoder is streamed so only the image header is actually base64-decoded,
// not the whole payload.
func dataURLDimensions(url string) (int, int, error) {
	payload, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return 0, 0, ErrBadImage
	}
	meta, payload, ok := strings.Cut(payload, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return 0, 0, ErrBadImage
	}
	r := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload))
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, ErrBadImage
	}
	return cfg.Width, cfg.Height, nil
}

package manifest

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/opd-ai/go-hls-offline/internal/transport"
)

// parseAttributes parses attribute lists like
// 'BANDWIDTH=1280000,CODECS="avc1.42e00a,mp4a.40.2"'. Quoted values keep
// their commas and are returned without the quotes.
func parseAttributes(attrString string) map[string]string {
	attrs := make(map[string]string)

	var parts []string
	var current strings.Builder
	inQuotes := false

	for _, char := range attrString {
		switch char {
		case '"':
			inQuotes = !inQuotes
			current.WriteRune(char)
		case ',':
			if inQuotes {
				current.WriteRune(char)
			} else {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 {
			attrs[strings.ToUpper(kv[0])] = strings.Trim(kv[1], "\"")
		}
	}

	return attrs
}

// parseResolution parses "1280x720".
func parseResolution(value string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(value), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

// parseIV decodes a 0x-prefixed hex IV, left-padding short values to 16 bytes.
func parseIV(value string) ([]byte, error) {
	v := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if len(v)%2 == 1 {
		v = "0" + v
	}
	raw, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid IV %q: %w", value, err)
	}
	if len(raw) > 16 {
		return nil, fmt.Errorf("IV %q longer than 16 bytes", value)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(raw):], raw)
	return iv, nil
}

// parseByteRange parses "<length>[@<offset>]". When the offset is omitted
// the range starts where the previous sub-range of the same resource ended.
func parseByteRange(value string, previousEnd int64) (*transport.ByteRange, error) {
	lengthStr, offsetStr, hasOffset := strings.Cut(strings.TrimSpace(value), "@")
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil || length <= 0 {
		return nil, fmt.Errorf("invalid byte range %q", value)
	}

	offset := previousEnd
	if hasOffset {
		offset, err = strconv.ParseInt(offsetStr, 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid byte range offset %q", value)
		}
	}

	return &transport.ByteRange{Offset: offset, Length: length}, nil
}

// resolveURI resolves ref against base. Absolute URLs pass through;
// scheme-relative and relative references resolve against the manifest URL.
func resolveURI(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// ResolveURI is the exported form of the resolver for callers that hold a
// manifest URL as a string.
func ResolveURI(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	return resolveURI(base, ref), nil
}

// qualityLabel builds a display label from resolution or bandwidth.
func qualityLabel(height int, bandwidth int64) string {
	if height > 0 {
		return fmt.Sprintf("%dp", height)
	}
	return fmt.Sprintf("%dkbps", bandwidth/1000)
}

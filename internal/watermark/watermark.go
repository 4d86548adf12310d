// Package watermark encodes, injects, and extracts per-response attribution
// tokens so leaked payloads can be traced back to the key that fetched them.
package watermark

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// JSONKey is the member added to watermarked JSON objects.
const JSONKey = "_gaas_watermark"

// ErrInvalidWatermark is returned by Decode for malformed tokens.
var ErrInvalidWatermark = errors.New("invalid watermark")

var (
	htmlMarkerRe = regexp.MustCompile(`<!--\s*GAAS_WM:([A-Za-z0-9+/=]+)\s*-->`)
	textMarkerRe = regexp.MustCompile(`\[GAAS_WM:([A-Za-z0-9+/=]+)\]`)
)

// Watermark is a decoded attribution token.
type Watermark struct {
	ServiceID int64     `json:"service_id"`
	APIKeyID  int64     `json:"api_key_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRequestID returns a short high-entropy hex token, generated once per
// watermarked response.
func NewRequestID() string {
	var b [4]byte
	rand.Read(b[:]) // never fails per crypto/rand contract
	return hex.EncodeToString(b[:])
}

// Encode builds the base64 token for the given attribution fields.
func Encode(serviceID, apiKeyID int64, requestID string, ts time.Time) string {
	payload := fmt.Sprintf("%d|%d|%s|%s",
		serviceID, apiKeyID, requestID, ts.UTC().Format(time.RFC3339Nano))
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

// Decode reverses Encode. The payload must split into exactly four fields
// with integer ids; anything else is ErrInvalidWatermark.
func Decode(token string) (*Watermark, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWatermark, err)
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidWatermark, len(parts))
	}
	serviceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad service id", ErrInvalidWatermark)
	}
	apiKeyID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad api key id", ErrInvalidWatermark)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidWatermark)
	}
	return &Watermark{
		ServiceID: serviceID,
		APIKeyID:  apiKeyID,
		RequestID: parts[2],
		Timestamp: ts,
	}, nil
}

// Inject embeds the watermark token into body according to contentType.
// Unrecognized (binary) content types pass through untouched.
func Inject(body []byte, contentType, token string) []byte {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		if out, ok := injectJSON(body, token); ok {
			return out
		}
		// Unparseable JSON degrades to a text marker.
		return appendMarker(body, "["+markerPrefix+token+"]")
	case strings.Contains(ct, "html"):
		return appendMarker(body, "<!-- "+markerPrefix+token+" -->")
	case strings.HasPrefix(ct, "text/"):
		return appendMarker(body, "["+markerPrefix+token+"]")
	default:
		return body
	}
}

const markerPrefix = "GAAS_WM:"

func appendMarker(body []byte, marker string) []byte {
	out := make([]byte, 0, len(body)+len(marker)+1)
	out = append(out, body...)
	out = append(out, '\n')
	return append(out, marker...)
}

// injectJSON adds the watermark member to an object root, or wraps an array
// root as {"data": <array>, "_gaas_watermark": <token>}.
func injectJSON(body []byte, token string) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, false
	}

	switch v := root.(type) {
	case map[string]any:
		v[JSONKey] = token
		root = v
	case []any:
		root = map[string]any{"data": v, JSONKey: token}
	default:
		// Scalar roots have nowhere to carry a member.
		return nil, false
	}

	out, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Extract recovers a watermark token from a leaked payload: JSON member
// search first (any nesting depth), then HTML and text markers. Returns ""
// when no watermark is found.
func Extract(body []byte) string {
	if gjson.ValidBytes(body) {
		if token := findJSONToken(gjson.ParseBytes(body)); token != "" {
			return token
		}
	}
	if m := htmlMarkerRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	if m := textMarkerRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func findJSONToken(v gjson.Result) string {
	if v.IsObject() {
		if t := v.Get(JSONKey); t.Type == gjson.String {
			return t.String()
		}
	}
	var found string
	if v.IsObject() || v.IsArray() {
		v.ForEach(func(_, child gjson.Result) bool {
			found = findJSONToken(child)
			return found == ""
		})
	}
	return found
}

package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
	"golang.org/x/crypto/blake2b"
)

const (
	timestampKey = "t"
	signatureKey = "v1"
	bodyPrefix   = "sha256="
)

// timestampedHeader is the parsed form of "t=<unix>,v1=<hex>[,v1=<hex>...]".
type timestampedHeader struct {
	timestamp  time.Time
	signatures [][]byte
}

func parseTimestampedHeader(header string) (*timestampedHeader, error) {
	parsed := &timestampedHeader{}
	haveTimestamp := false

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, reject(ReasonBadFormat, "malformed signature header element")
		}
		switch key {
		case timestampKey:
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, reject(ReasonBadFormat, "invalid timestamp")
			}
			parsed.timestamp = time.Unix(unix, 0)
			haveTimestamp = true
		case signatureKey:
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			parsed.signatures = append(parsed.signatures, sig)
		}
	}

	if !haveTimestamp {
		return nil, reject(ReasonBadFormat, "timestamp missing from signature header")
	}
	if len(parsed.signatures) == 0 {
		return nil, reject(ReasonBadFormat, "no v1 signature in header")
	}
	return parsed, nil
}

func parseBodyHeader(header string) ([]byte, error) {
	value := strings.TrimSpace(header)
	value = strings.TrimPrefix(value, bodyPrefix)
	sig, err := hex.DecodeString(value)
	if err != nil || len(sig) == 0 {
		return nil, reject(ReasonBadFormat, "signature is not hex encoded")
	}
	return sig, nil
}

func computeMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func timestampedPayload(ts time.Time, body []byte) [][]byte {
	return [][]byte{[]byte(strconv.FormatInt(ts.Unix(), 10)), []byte("."), body}
}

// Sign returns a signature header for body as the given scheme would send it.
// ts is ignored for SchemeBody.
func Sign(scheme models.SignatureScheme, secret string, body []byte, ts time.Time) string {
	switch scheme {
	case models.SchemeTimestamped:
		mac := computeMAC(secret, timestampedPayload(ts, body)...)
		return timestampKey + "=" + strconv.FormatInt(ts.Unix(), 10) + "," + signatureKey + "=" + hex.EncodeToString(mac)
	default:
		return hex.EncodeToString(computeMAC(secret, body))
	}
}

// Fingerprint hashes a signature header into a fixed-size replay key.
func Fingerprint(signatureHeader string) string {
	sum := blake2b.Sum256([]byte(signatureHeader))
	return hex.EncodeToString(sum[:])
}

package dodo

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Standard Webhooks headers
const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"

	secretPrefix = "whsec_"
)

// SignatureTolerance is the accepted clock skew between the sender and the relay.
const SignatureTolerance = 5 * time.Minute

var (
	errMissingHeaders = errors.New("missing webhook headers")
	errTimestamp      = errors.New("webhook timestamp outside tolerance")
	errNoMatch        = errors.New("no matching signature")
)

// verifier checks Standard Webhooks signatures: base64 HMAC-SHA256 of "id.timestamp.body"
// keyed with the decoded secret.
type verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

func newVerifier(secret string) (*verifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("webhook secret is not valid base64: %w", err)
	}
	return &verifier{key: key, tolerance: SignatureTolerance, now: time.Now}, nil
}

func (v *verifier) sign(id string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + strconv.FormatInt(ts.Unix(), 10) + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verify returns nil when any "v1,<sig>" entry of the signature header matches.
func (v *verifier) verify(h http.Header, body []byte) error {
	id := strings.TrimSpace(h.Get(headerID))
	rawTS := strings.TrimSpace(h.Get(headerTimestamp))
	sigs := strings.TrimSpace(h.Get(headerSignature))
	if id == "" || rawTS == "" || sigs == "" {
		return errMissingHeaders
	}

	secs, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid webhook timestamp %q", rawTS)
	}
	ts := time.Unix(secs, 0)
	if skew := v.now().Sub(ts); skew > v.tolerance || skew < -v.tolerance {
		return errTimestamp
	}

	expected := []byte(v.sign(id, ts, body))
	for _, entry := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return errNoMatch
}

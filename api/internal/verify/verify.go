// Package verify checks that an SOS payload came from a genuine app install
// and was not altered in transit. It never rejects an alert by itself: callers
// store the result as a flag.
package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const TimeLayout = "2006-01-02T15:04:05.000Z"

const (
	ErrMsgAppSignature     = "Invalid app signature"
	ErrMsgMessageSignature = "Invalid message signature"
	ErrMsgFuture           = "Message timestamp is in the future"
	ErrMsgTooOld           = "Message is too old"
	ErrMsgLocation         = "Invalid location data"
)

// Message holds the immutable alert fields covered by the signature.
type Message struct {
	MessageID          string
	OriginatorDeviceID string
	EmergencyType      string
	Priority           string
	Latitude           *float64
	Longitude          *float64
	Message            string
	OriginatedAt       time.Time
	Signature          string
	AppSignature       string
}

type Result struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

type Verifier struct {
	secret        []byte
	appSignatures []string
	maxAge        time.Duration
	now           func() time.Time
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func New(secret string, bundleIDs []string, maxAge time.Duration, opts ...Option) *Verifier {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	v := &Verifier{secret: []byte(secret), maxAge: maxAge, now: time.Now}
	for _, id := range bundleIDs {
		v.appSignatures = append(v.appSignatures, v.AppSignature(id))
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AppSignature is the value a build with the given bundle id presents.
func (v *Verifier) AppSignature(bundleID string) string {
	return v.hmacHex(bundleID)
}

func (v *Verifier) VerifyAppSignature(signature string) bool {
	if signature == "" {
		return false
	}
	for _, valid := range v.appSignatures {
		if subtle.ConstantTimeCompare([]byte(valid), []byte(signature)) == 1 {
			return true
		}
	}
	return false
}

// CanonicalPayload joins the signed fields in their fixed order.
func CanonicalPayload(m Message) string {
	lat, lon := "", ""
	if m.Latitude != nil {
		lat = strconv.FormatFloat(*m.Latitude, 'f', 6, 64)
	}
	if m.Longitude != nil {
		lon = strconv.FormatFloat(*m.Longitude, 'f', 6, 64)
	}
	return strings.Join([]string{
		m.MessageID,
		m.OriginatorDeviceID,
		m.EmergencyType,
		m.Priority,
		lat,
		lon,
		m.Message,
		m.OriginatedAt.UTC().Format(TimeLayout),
	}, "|")
}

// SignMessage produces the shared-secret signature a device would attach.
func (v *Verifier) SignMessage(m Message) string {
	return v.hmacHex(CanonicalPayload(m))
}

// VerifyMessageSignature checks signature against the canonical payload. An
// empty publicKey selects the shared-secret HMAC; otherwise publicKey is a PEM
// or JWK encoded RSA or ECDSA key and signature is hex encoded.
func (v *Verifier) VerifyMessageSignature(m Message, signature string, publicKey string) bool {
	if signature == "" {
		return false
	}
	payload := CanonicalPayload(m)
	if strings.TrimSpace(publicKey) == "" {
		expected := v.hmacHex(payload)
		return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(payload))
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest[:], sig)
	default:
		return false
	}
}

func (v *Verifier) VerifySOS(m Message, publicKey string) Result {
	errs := make([]string, 0, 4)
	if !v.VerifyAppSignature(m.AppSignature) {
		errs = append(errs, ErrMsgAppSignature)
	}
	if !v.locationValid(m) || !v.VerifyMessageSignature(m, m.Signature, publicKey) {
		errs = append(errs, ErrMsgMessageSignature)
	}

	now := v.now()
	if m.OriginatedAt.After(now) {
		errs = append(errs, ErrMsgFuture)
	}
	if now.Sub(m.OriginatedAt) > v.maxAge {
		errs = append(errs, ErrMsgTooOld)
	}
	if !v.locationValid(m) {
		errs = append(errs, ErrMsgLocation)
	}
	return Result{IsValid: len(errs) == 0, Errors: errs}
}

func (v *Verifier) locationValid(m Message) bool {
	if m.Latitude == nil || m.Longitude == nil {
		return false
	}
	for _, f := range []float64{*m.Latitude, *m.Longitude} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (v *Verifier) hmacHex(data string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var errUnsupportedKey = errors.New("unsupported public key")

// ParsePublicKey accepts a PEM block or a JWK document and returns the raw
// public key. Private keys are reduced to their public half.
func ParsePublicKey(raw string) (crypto.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errUnsupportedKey
	}
	var opts []jwk.ParseOption
	if strings.HasPrefix(raw, "-----BEGIN") {
		opts = append(opts, jwk.WithPEM(true))
	}
	key, err := jwk.ParseKey([]byte(raw), opts...)
	if err != nil {
		return nil, err
	}
	pub, err := jwk.PublicRawKeyOf(key)
	if err != nil {
		return nil, err
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, errUnsupportedKey
	}
}

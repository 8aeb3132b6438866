package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UploadPath is where the local backend accepts signed uploads.
const UploadPath = "/storage/upload"

// Static errors for upload capability verification.
var (
	// ErrSignatureMismatch is returned when a capability was not minted by this signer.
	ErrSignatureMismatch = errors.New("storage: signature does not match")
	// ErrCapabilityExpired is returned when a capability is past its expiry.
	ErrCapabilityExpired = errors.New("storage: upload capability expired")
)

// Signer mints and verifies HMAC-SHA256 upload capabilities for the local
// backend. A capability names one location and an absolute expiry.
type Signer struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a Signer. baseURL is the externally reachable origin of
// this server, e.g. https://api.example.com.
func NewSigner(key []byte, baseURL string, opts ...SignerOption) (*Signer, error) {
	if len(key) < 16 {
		return nil, errors.New("storage: upload signing key must be at least 16 bytes")
	}
	s := &Signer{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns a PUT URL for loc valid for ttl.
func (s *Signer) Sign(loc Location, ttl time.Duration) string {
	exp := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("c", loc.Container)
	q.Set("k", loc.Key)
	q.Set("exp", exp)
	q.Set("sig", s.mac(loc, exp))
	return s.baseURL + UploadPath + "?" + q.Encode()
}

// Verify checks a capability's query parameters and returns the location it grants.
func (s *Signer) Verify(q url.Values) (Location, error) {
	loc := Location{Container: q.Get("c"), Key: q.Get("k")}
	exp := q.Get("exp")
	sig := q.Get("sig")
	if !loc.Valid() || exp == "" || sig == "" {
		return Location{}, ErrSignatureMismatch
	}

	want := s.mac(loc, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Location{}, ErrSignatureMismatch
	}

	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return Location{}, ErrSignatureMismatch
	}
	if !s.now().Before(time.Unix(expUnix, 0)) {
		return Location{}, ErrCapabilityExpired
	}
	return loc, nil
}

func (s *Signer) mac(loc Location, exp string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte("PUT\n" + loc.Container + "\n" + loc.Key + "\n" + exp))
	return hex.EncodeToString(h.Sum(nil))
}

package local

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signing headers set on every request when a key is configured.
const (
	HeaderSignature    = "X-Signature"
	HeaderRequesterKey = "X-Requester-Key"
	HeaderTimestamp    = "X-Timestamp"
)

// keyInfo holds a parsed private key and its hex compressed public key.
type keyInfo struct {
	privKey *secp256k1.PrivateKey
	pubHex  string
}

// newKeyInfo parses hexKey and derives its public key.
func newKeyInfo(hexKey string) (*keyInfo, error) {
	privKey, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &keyInfo{
		privKey: privKey,
		pubHex:  hex.EncodeToString(privKey.PubKey().SerializeCompressed()),
	}, nil
}

// parsePrivateKey decodes a hex string into a secp256k1 private key.
func parsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	hexKey = strings.TrimPrefix(hexKey, "0x")
	hexKey = strings.TrimPrefix(hexKey, "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("local: invalid signing key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("local: signing key must be 32 bytes, got %d", len(keyBytes))
	}

	privKey := secp256k1.PrivKeyFromBytes(keyBytes)
	if privKey.Key.IsZero() {
		return nil, fmt.Errorf("local: signing key is zero")
	}
	return privKey, nil
}

// signingDigest is sha256(hex(sha256(body)) + timestamp + path).
func signingDigest(body []byte, tsNanos int64, path string) [32]byte {
	bodyHash := sha256.Sum256(body)
	message := hex.EncodeToString(bodyHash[:]) + strconv.FormatInt(tsNanos, 10) + path
	return sha256.Sum256([]byte(message))
}

// signRequest returns the base64 raw signature (r || s, 64 bytes).
func signRequest(privKey *secp256k1.PrivateKey, body []byte, tsNanos int64, path string) string {
	digest := signingDigest(body, tsNanos, path)

	// [recovery flag, r(32), s(32)]
	compact := ecdsa.SignCompact(privKey, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:65])
}

// signingTransport signs each request body with a fixed secp256k1 key.
type signingTransport struct {
	base    http.RoundTripper
	key     *keyInfo
	nowFunc func() time.Time
}

func newSigningTransport(base http.RoundTripper, key *keyInfo) *signingTransport {
	return &signingTransport{base: base, key: key}
}

func (t *signingTransport) now() time.Time {
	if t.nowFunc != nil {
		return t.nowFunc()
	}
	return time.Now()
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ki := t.key

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("local: read request body: %w", err)
		}
	}

	tsNanos := t.now().UnixNano()
	clone := req.Clone(req.Context())
	clone.Header.Set(HeaderSignature, signRequest(ki.privKey, body, tsNanos, req.URL.Path))
	clone.Header.Set(HeaderRequesterKey, ki.pubHex)
	clone.Header.Set(HeaderTimestamp, strconv.FormatInt(tsNanos, 10))

	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	return t.base.RoundTrip(clone)
}

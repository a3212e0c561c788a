// Package signing implements the request-signing protocol shared by every
// HTTP hop in the system: orchestrator→upstream, orchestrator→worker, and
// worker→orchestrator callbacks (spec §6). It is inherent protocol code, not
// a place any library in the retrieval pack offers a ready-made idiom for,
// so it is built on crypto/hmac + crypto/sha256 (see DESIGN.md entry
// "signing").
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderNonce     = "X-Agent-Nonce"
	HeaderSignature = "X-Agent-Signature"

	// DefaultSkew is the maximum age a request's timestamp may have before
	// it is rejected as stale (spec §6: "a small skew window (e.g. 60 s)").
	DefaultSkew = 60 * time.Second
)

// Signer attaches the three signing headers to outbound requests.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer over the shared symmetric secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the signature for method/path/body at timestamp/nonce.
func (s *Signer) Sign(method, path string, body []byte, timestamp time.Time, nonce string) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%d", timestamp.Unix())
	mac.Write([]byte(nonce))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(bodyHash[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// ApplyHeaders signs req's method and path together with body (which must
// be the bytes req will send; req.Body itself is not read) and sets the
// three signing headers on it.
func (s *Signer) ApplyHeaders(req *http.Request, body []byte) error {
	timestamp := time.Now()
	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("signing: generate nonce: %w", err)
	}
	sig := s.Sign(req.Method, req.URL.Path, body, timestamp, nonce)

	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp.Unix(), 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	return nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Verifier checks inbound requests against the signing protocol, rejecting
// stale timestamps and replayed nonces.
type Verifier struct {
	secret []byte
	skew   time.Duration

	mu      sync.Mutex
	seen    map[string]time.Time
	lastGC  time.Time
}

// NewVerifier builds a Verifier with the default skew window.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		skew:   DefaultSkew,
		seen:   make(map[string]time.Time),
	}
}

// Verify checks the three signing headers on r against body, returning an
// error describing the first failure found: missing header, stale
// timestamp, replayed nonce, or signature mismatch.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	tsHeader := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if tsHeader == "" || nonce == "" || sig == "" {
		return fmt.Errorf("signing: missing signature headers")
	}

	unixTS, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("signing: invalid timestamp: %w", err)
	}
	ts := time.Unix(unixTS, 0)
	if age := time.Since(ts); age > v.skew || age < -v.skew {
		return fmt.Errorf("signing: timestamp outside skew window")
	}

	v.mu.Lock()
	v.gcLocked()
	if _, replayed := v.seen[nonce]; replayed {
		v.mu.Unlock()
		return fmt.Errorf("signing: nonce replayed")
	}
	v.seen[nonce] = ts
	v.mu.Unlock()

	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d", unixTS)
	mac.Write([]byte(nonce))
	mac.Write([]byte(r.Method))
	mac.Write([]byte(r.URL.Path))
	mac.Write(bodyHash[:])
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return fmt.Errorf("signing: signature mismatch")
	}
	return nil
}

// gcLocked discards nonces older than the skew window; caller holds v.mu.
func (v *Verifier) gcLocked() {
	now := time.Now()
	if now.Sub(v.lastGC) < v.skew {
		return
	}
	v.lastGC = now
	for nonce, ts := range v.seen {
		if now.Sub(ts) > v.skew {
			delete(v.seen, nonce)
		}
	}
}

// Middleware wraps an http.Handler, rejecting unsigned or invalid requests
// with 401 before next is invoked. Grounded on core/middleware.go's
// wrap-and-call-next shape.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(r, body); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/parcelpost/relay/internal/domain"
)

// signedHeaders is the fixed, ordered header subset covered by every
// signature. Headers absent from the message are skipped.
var signedHeaders = []string{"from", "to", "subject", "date", "message-id"}

// Message is the signer's view of an email: header values by lower-cased
// name, plus the raw body.
type Message struct {
	Headers map[string]string
	Body    string
}

// Header returns the value for name, matched case-insensitively.
func (m Message) Header(name string) (string, bool) {
	v, ok := m.Headers[strings.ToLower(name)]
	return v, ok && v != ""
}

// Signer produces DKIM-Signature header values. Now is injectable so the
// t= tag, and therefore the full signature, is reproducible in tests.
type Signer struct {
	Now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{Now: time.Now}
}

// Sign computes the RSA-SHA256 relaxed/relaxed signature for msg and returns
// the complete DKIM-Signature header value (without the header name).
func (s *Signer) Sign(msg Message, dom, selector, privateKeyPEM string) (string, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	var headerBlock strings.Builder
	var includedHeaders []string
	for _, name := range signedHeaders {
		value, ok := msg.Header(name)
		if !ok {
			continue
		}
		headerBlock.WriteString(CanonicalizeHeader(name, value))
		headerBlock.WriteString("\r\n")
		includedHeaders = append(includedHeaders, name)
	}

	bodyHash := sha256.Sum256([]byte(CanonicalizeBody(msg.Body)))
	bh := base64.StdEncoding.EncodeToString(bodyHash[:])

	unsigned := fmt.Sprintf(
		"v=1; a=rsa-sha256; c=relaxed/relaxed; d=%s; s=%s; t=%d; bh=%s; h=%s; b=",
		dom, selector, s.Now().Unix(), bh, strings.Join(includedHeaders, ":"),
	)

	// The signature header itself is canonicalized and signed along with
	// the covered headers, with its b= value empty.
	signInput := headerBlock.String() + CanonicalizeHeader("DKIM-Signature", unsigned)

	digest := sha256.Sum256([]byte(signInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", domain.WrapError(domain.ErrCodeSigningFailed, fmt.Errorf("rsa signing for %s/%s: %w", dom, selector, err))
	}

	return unsigned + base64.StdEncoding.EncodeToString(sig), nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, domain.Errorf(domain.ErrCodeInvalidKeyMaterial, "private key is not valid PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeInvalidKeyMaterial, fmt.Errorf("parse private key: %w", err))
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, domain.Errorf(domain.ErrCodeInvalidKeyMaterial, "private key is %T, expected RSA", parsed)
	}
	return rsaKey, nil
}

// Package sigv4 implements AWS Signature Version 4 request signing.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// Algorithm is the value of the algorithm field in the string to sign.
	Algorithm = "AWS4-HMAC-SHA256"

	amzDateFormat   = "20060102T150405Z"
	dateStampFormat = "20060102"
	scopeTerminator = "aws4_request"
)

var (
	ErrMissingCredentials = errors.New("sigv4: access key id and secret are required")
	ErrMissingRegion      = errors.New("sigv4: region is required")
)

// Credentials is an AWS access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 returns the raw HMAC-SHA256 of data keyed by key.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACSHA256Hex returns the HMAC-SHA256 of data keyed by key as lowercase hex.
func HMACSHA256Hex(key, data []byte) string {
	return hex.EncodeToString(HMACSHA256(key, data))
}

// DeriveSigningKey runs the SigV4 key derivation chain. Each step is keyed by
// the raw output of the previous one.
func DeriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := HMACSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := HMACSHA256(kDate, []byte(region))
	kService := HMACSHA256(kRegion, []byte(service))
	return HMACSHA256(kService, []byte(scopeTerminator))
}

// CredentialScope returns "<date>/<region>/<service>/aws4_request".
func CredentialScope(dateStamp, region, service string) string {
	return strings.Join([]string{dateStamp, region, service, scopeTerminator}, "/")
}

// CanonicalRequest assembles the canonical request from its parts. headers
// must already be lowercased; they are sorted here. An empty path is
// canonicalized as "/".
func CanonicalRequest(method, path, query string, headers map[string]string, payloadHash string) (canonical, signedHeaders string) {
	if path == "" {
		path = "/"
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(headers[name]))
		b.WriteString("\n")
	}
	signedHeaders = strings.Join(names, ";")

	canonical = strings.Join([]string{
		method,
		path,
		query,
		b.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
	return canonical, signedHeaders
}

// StringToSign builds the SigV4 string to sign for a canonical request.
func StringToSign(amzDate, scope, canonicalRequest string) string {
	return strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		SHA256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// Signature computes the hex request signature.
func Signature(signingKey []byte, stringToSign string) string {
	return HMACSHA256Hex(signingKey, []byte(stringToSign))
}

// Signer signs HTTP requests for a single region and service.
type Signer struct {
	Credentials Credentials
	Region      string
	Service     string

	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

// SignRequest signs req in place. Only host and x-amz-date are signed, which
// is all the SES query API needs. body must be the exact bytes sent.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	if s.Credentials.AccessKeyID == "" || s.Credentials.SecretAccessKey == "" {
		return ErrMissingCredentials
	}
	if s.Region == "" {
		return ErrMissingRegion
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	amzDate := t.Format(amzDateFormat)
	dateStamp := t.Format(dateStampFormat)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	canonical, signedHeaders := CanonicalRequest(
		req.Method,
		req.URL.EscapedPath(),
		req.URL.RawQuery,
		map[string]string{
			"host":       host,
			"x-amz-date": amzDate,
		},
		SHA256Hex(body),
	)

	scope := CredentialScope(dateStamp, s.Region, s.Service)
	key := DeriveSigningKey(s.Credentials.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := Signature(key, StringToSign(amzDate, scope, canonical))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, s.Credentials.AccessKeyID, scope, signedHeaders, signature))
	return nil
}

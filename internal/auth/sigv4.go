// Package auth implements AWS Signature Version 4 request authentication.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// service is the service name for S3.
	service = "s3"

	// unsignedPayload is the constant used when payload verification is skipped.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// streamingPayload indicates chunked upload framing; see the body decoder in internal/handlers/chunked.go.
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	// clockSkewTolerance is the maximum allowed clock skew for header-based auth.
	clockSkewTolerance = 15 * time.Minute

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"
)

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const (
	// ownerIDKey is the context key for the authenticated owner ID.
	ownerIDKey contextKey = iota
	// ownerDisplayKey is the context key for the authenticated owner display name.
	ownerDisplayKey
)

// OwnerFromContext retrieves the authenticated owner ID from the request context.
func OwnerFromContext(ctx context.Context) (ownerID, displayName string) {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		ownerID = v
	}
	if v, ok := ctx.Value(ownerDisplayKey).(string); ok {
		displayName = v
	}
	return
}

// contextWithOwner sets the owner identity on the given context.
func contextWithOwner(ctx context.Context, ownerID, displayName string) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	ctx = context.WithValue(ctx, ownerDisplayKey, displayName)
	return ctx
}

// Credential identifies the single access key / secret key pair the verifier
// accepts. Unlike a multi-tenant store, BleepStore's filesystem-only mode has
// exactly one credential, taken from configuration.
type Credential struct {
	AccessKeyID  string
	SecretKey    string
	OwnerID      string
	DisplayName  string
}

// SigV4Verifier verifies AWS Signature Version 4 signed requests against a
// single configured access key / secret key pair. Pre-signed URL (query
// string) authentication is not supported.
type SigV4Verifier struct {
	Credential Credential
	// Region is the AWS region used in the credential scope.
	Region string
}

// NewSigV4Verifier creates a new SigV4Verifier for the given credential and region.
func NewSigV4Verifier(accessKeyID, secretKey, region string) *SigV4Verifier {
	return &SigV4Verifier{
		Credential: Credential{
			AccessKeyID: accessKeyID,
			SecretKey:   secretKey,
			OwnerID:     accessKeyID,
			DisplayName: accessKeyID,
		},
		Region: region,
	}
}

// AuthError represents an authentication failure with an S3-compatible error code.
type AuthError struct {
	Code    string // S3 error code (AccessDenied, InvalidAccessKeyId, SignatureDoesNotMatch, etc.)
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKeyID   string
	DateStr       string // YYYYMMDD
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}

	// Remove the "AWS4-HMAC-SHA256 " prefix.
	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])
		parts[key] = value
	}

	credential, ok := parts["Credential"]
	if !ok || credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}

	signedHeadersStr, ok := parts["SignedHeaders"]
	if !ok || signedHeadersStr == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}

	signature, ok := parts["Signature"]
	if !ok || signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	// Parse credential: accessKeyID/date/region/service/aws4_request
	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &parsedAuth{
		AccessKeyID:   credParts[0],
		DateStr:       credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeadersStr, ";"),
		Signature:     signature,
	}, nil
}

// VerifyRequest validates the AWS SigV4 signature on the given HTTP request
// using the Authorization header. Returns the credential on success.
func (v *SigV4Verifier) VerifyRequest(r *http.Request) (*Credential, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing Authorization header"}
	}

	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err)}
	}

	if parsed.AccessKeyID != v.Credential.AccessKeyID {
		return nil, &AuthError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records"}
	}

	if parsed.Region != v.Region {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Credential should be scoped to a valid region, not %q", parsed.Region)}
	}

	// Get the timestamp from x-amz-date or Date header.
	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date or Date header"}
	}

	// Parse the timestamp. When only the Date header is present its format
	// (RFC1123, e.g. "Mon, 02 Jan 2006 15:04:05 GMT") differs from
	// X-Amz-Date's ISO8601 basic form, so amzDate is reparsed below into the
	// canonical basic-format string the signature is actually computed over
	// regardless of which header supplied the timestamp.
	requestTime, parseErr := time.Parse(amzDateFormat, amzDate)
	if parseErr != nil {
		// Try HTTP date format as fallback.
		requestTime, parseErr = time.Parse(time.RFC1123, amzDate)
		if parseErr != nil {
			return nil, &AuthError{Code: "AccessDenied", Message: "Invalid date format"}
		}
	}
	amzDate = requestTime.UTC().Format(amzDateFormat)

	// Check clock skew.
	now := time.Now().UTC()
	diff := now.Sub(requestTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > clockSkewTolerance {
		return nil, &AuthError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the server's time is too large"}
	}

	// Verify credential date matches the timestamp date portion.
	dateStr := amzDate[:8] // First 8 chars = YYYYMMDD
	if parsed.DateStr != dateStr {
		return nil, &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	// When the x-amz-content-sha256 header is absent the canonical request
	// uses the literal UNSIGNED-PAYLOAD, never a computed body hash.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	}

	// Build canonical request.
	canonicalRequest := buildCanonicalRequest(r, parsed.SignedHeaders)

	// Build string to sign.
	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.DateStr, parsed.Region, parsed.Service, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	// Derive signing key and compute expected signature.
	signingKey := deriveSigningKey(v.Credential.SecretKey, parsed.DateStr, parsed.Region, parsed.Service)
	expectedSignature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	// Constant-time comparison.
	if subtle.ConstantTimeCompare([]byte(expectedSignature), []byte(parsed.Signature)) != 1 {
		return nil, &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}

	cred := v.Credential
	return &cred, nil
}

// buildCanonicalRequest builds the canonical request string for header-based auth.
func buildCanonicalRequest(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder

	// HTTP method.
	sb.WriteString(r.Method)
	sb.WriteByte('\n')

	// Canonical URI.
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')

	// Canonical query string.
	sb.WriteString(canonicalQueryString(r.URL.Query()))
	sb.WriteByte('\n')

	// Canonical headers (each followed by \n).
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')

	// Signed headers.
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	// Hashed payload.
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	sb.WriteString(payloadHash)

	return sb.String()
}

// buildStringToSign builds the string to sign for SigV4.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(hash[:])
}

// deriveSigningKey derives the SigV4 signing key using the HMAC chain.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the URI-encoded absolute path.
// Forward slashes are NOT encoded. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	// Split on slashes, URI-encode each segment, rejoin.
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the sorted, URI-encoded query string.
// Parameters with no value use empty value: "acl=".
//
// Sorting happens on the decoded key (ties broken by decoded value), not on
// the percent-encoded pair text: encoding can reorder characters relative to
// their decoded form (e.g. '.' encodes to itself but '/' encodes to "%2F",
// so encoded-string order and decoded-value order disagree whenever a key
// contains a character below '.' in one form and above it in the other).
// AWS signs over the decoded ordering, so that's what has to drive sort.Slice
// here before the pairs are encoded for output.
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	type kv struct {
		key string
		val string
	}

	var pairs []kv
	for key, vals := range values {
		if len(vals) == 0 {
			pairs = append(pairs, kv{key: key, val: ""})
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, kv{key: key, val: val})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].val < pairs[j].val
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = URIEncode(p.key, true) + "=" + URIEncode(p.val, true)
	}
	return strings.Join(encoded, "&")
}

// canonicalHeaders builds the canonical headers string from the signed header
// list, in the exact order supplied by the client. It does not re-sort or
// re-lowercase beyond what SigV4 already requires of header names.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			// Host header is often not in r.Header but in r.Host.
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		// Join multiple values with comma, trim whitespace, collapse spaces.
		joined := strings.Join(values, ",")
		joined = strings.TrimSpace(joined)
		// Collapse sequential spaces to single space.
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode encodes a string per S3 URI encoding rules.
// Characters A-Z, a-z, 0-9, '-', '_', '.', '~' are NOT encoded.
// If encodeSlash is false, '/' is also NOT encoded.
// All other characters are percent-encoded with uppercase hex.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

// isURIUnreserved returns true if the byte is an unreserved URI character.
func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// hexDigit returns the uppercase hex digit for a 4-bit value.
func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

// hmacSHA256 computes HMAC-SHA256 of the data using the given key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// DetectAuthMethod returns the authentication method based on the request:
// "header" for a SigV4 Authorization header, "presigned" for SigV4 query
// parameters (rejected — out of scope), or "none".
// Returns "ambiguous" if both are present.
func DetectAuthMethod(r *http.Request) string {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	if hasHeader && hasQuery {
		return "ambiguous"
	}
	if hasHeader {
		return "header"
	}
	if hasQuery {
		return "presigned"
	}
	return "none"
}

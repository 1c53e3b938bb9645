package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/request"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
)

const (
	awsAlgorithm   = "AWS4-HMAC-SHA256"
	awsRequestType = "aws4_request"
	awsKeyPrefix   = "AWS4"

	iso8601Format     = "20060102T150405Z"
	iso8601DateFormat = "20060102"

	// Payload hash markers.
	unsignedPayload          = "UNSIGNED-PAYLOAD"
	streamingSignedPayload   = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	streamingSignedTrailer   = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	streamingUnsignedTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	maxClockSkew      = 15 * time.Minute
	maxPresignExpires = 7 * 24 * 3600 // seconds
	maxAuthHeaderSize = 8192
)

var (
	credentialRegex    = regexp.MustCompile(`Credential=([^,\s]+)`)
	signedHeadersRegex = regexp.MustCompile(`SignedHeaders=([^,\s]+)`)
	signatureRegex     = regexp.MustCompile(`Signature=([a-fA-F0-9]+)`)
)

// signatureInfo is the parsed signing information of one request, from
// either the Authorization header or presign query parameters.
type signatureInfo struct {
	AccessKeyID     string
	Date            string
	Region          string
	Service         string
	SignedHeaders   []string
	Signature       string
	CredentialScope string
	AmzDate         string
}

// AuthResult is handed to downstream middleware after verification.
type AuthResult struct {
	AccessKeyID string
	PayloadHash string

	// Signing carries the chunk-signing state when the body is a signed
	// streaming payload, nil otherwise.
	Signing *request.SigningContext
}

// StreamingBody reports whether the verified request's body arrives in the
// aws-chunked framing and must be decoded.
func (a *AuthResult) StreamingBody() bool {
	switch a.PayloadHash {
	case streamingSignedPayload, streamingSignedTrailer, streamingUnsignedTrailer:
		return true
	}
	return false
}

// SigV4Verifier validates AWS Signature Version 4 on incoming requests,
// covering header-based auth, presigned URLs and streaming payloads.
type SigV4Verifier struct {
	credentials map[string]string
	logger      *logrus.Entry
	now         func() time.Time
}

// NewSigV4Verifier builds a verifier over a static access key to secret map.
func NewSigV4Verifier(credentials map[string]string, logger *logrus.Entry) *SigV4Verifier {
	return &SigV4Verifier{
		credentials: credentials,
		logger:      logger.WithField("component", "sigv4"),
		now:         time.Now,
	}
}

// Verify authenticates the request and returns the verified identity. The
// returned error is always an *response.S3Error.
func (v *SigV4Verifier) Verify(r *http.Request) (*AuthResult, error) {
	if r.URL.Query().Get("X-Amz-Algorithm") != "" {
		return v.verifyPresigned(r)
	}
	return v.verifyHeader(r)
}

func (v *SigV4Verifier) verifyHeader(r *http.Request) (*AuthResult, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || len(authHeader) > maxAuthHeaderSize {
		return nil, response.AccessDenied("Unsupported authentication method")
	}
	if !strings.HasPrefix(authHeader, awsAlgorithm+" ") {
		return nil, response.AccessDenied("Unsupported authentication method")
	}

	info, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return nil, response.AccessDenied("Invalid authorization header format")
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		if date := r.Header.Get("Date"); date != "" {
			t, perr := time.Parse(time.RFC1123, date)
			if perr != nil {
				return nil, response.AccessDenied("Invalid authorization header format")
			}
			amzDate = t.UTC().Format(iso8601Format)
		} else {
			return nil, response.AccessDenied("Invalid authorization header format")
		}
	}
	requestTime, err := time.Parse(iso8601Format, amzDate)
	if err != nil {
		return nil, response.AccessDenied("Invalid authorization header format")
	}
	if skew := v.now().UTC().Sub(requestTime); skew > maxClockSkew || skew < -maxClockSkew {
		return nil, response.RequestTimeTooSkewed("The difference between the request time and the server's time is too large.")
	}
	info.AmzDate = amzDate

	secret, ok := v.credentials[info.AccessKeyID]
	if !ok {
		return nil, response.InvalidAccessKeyID("Invalid access key")
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}

	canonicalRequest, err := buildCanonicalRequest(r, info.SignedHeaders, payloadHash, nil)
	if err != nil {
		return nil, response.AccessDenied(err.Error())
	}
	signingKey := deriveSigningKey(secret, info.Date, info.Region, info.Service)
	expected := signRequest(signingKey, amzDate, info.CredentialScope, canonicalRequest)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(info.Signature)) != 1 {
		v.logger.WithFields(logrus.Fields{
			"access_key_id": info.AccessKeyID,
			"method":        r.Method,
			"path":          r.URL.Path,
		}).Warn("signature verification failed")
		return nil, response.SignatureDoesNotMatch("Invalid signature")
	}

	result := &AuthResult{AccessKeyID: info.AccessKeyID, PayloadHash: payloadHash}
	if payloadHash == streamingSignedPayload || payloadHash == streamingSignedTrailer {
		result.Signing = &request.SigningContext{
			SigningKey:    signingKey,
			SeedSignature: expected,
			AmzDate:       amzDate,
			Scope:         info.CredentialScope,
		}
	}
	return result, nil
}

func (v *SigV4Verifier) verifyPresigned(r *http.Request) (*AuthResult, error) {
	query := r.URL.Query()
	if query.Get("X-Amz-Algorithm") != awsAlgorithm {
		return nil, response.AccessDenied("Unsupported authentication method")
	}

	credential := query.Get("X-Amz-Credential")
	amzDate := query.Get("X-Amz-Date")
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	signature := query.Get("X-Amz-Signature")
	expiresStr := query.Get("X-Amz-Expires")
	if credential == "" || amzDate == "" || signedHeaders == "" || signature == "" || expiresStr == "" {
		return nil, response.AccessDenied("Invalid authorization header format")
	}

	credentialParts := strings.Split(credential, "/")
	if len(credentialParts) != 5 || credentialParts[3] != "s3" || credentialParts[4] != awsRequestType {
		return nil, response.AccessDenied("Invalid authorization header format")
	}

	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil || expires < 1 || expires > maxPresignExpires {
		return nil, response.AccessDenied("Invalid authorization header format")
	}

	signedTime, err := time.Parse(iso8601Format, amzDate)
	if err != nil {
		return nil, response.AccessDenied("Invalid authorization header format")
	}
	if v.now().UTC().After(signedTime.Add(time.Duration(expires) * time.Second)) {
		return nil, response.RequestTimeTooSkewed("Presigned URL has expired")
	}

	accessKeyID := credentialParts[0]
	secret, ok := v.credentials[accessKeyID]
	if !ok {
		return nil, response.InvalidAccessKeyID("Invalid access key")
	}

	// The signature itself never signs X-Amz-Signature.
	canonicalQuery := query
	canonicalQuery.Del("X-Amz-Signature")

	canonicalRequest, err := buildCanonicalRequest(r, strings.Split(signedHeaders, ";"), unsignedPayload, canonicalQuery)
	if err != nil {
		return nil, response.AccessDenied(err.Error())
	}
	scope := strings.Join(credentialParts[1:], "/")
	signingKey := deriveSigningKey(secret, credentialParts[1], credentialParts[2], credentialParts[3])
	expected := signRequest(signingKey, amzDate, scope, canonicalRequest)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, response.SignatureDoesNotMatch("Invalid signature")
	}

	return &AuthResult{AccessKeyID: accessKeyID, PayloadHash: unsignedPayload}, nil
}

// parseAuthorizationHeader splits the AWS4-HMAC-SHA256 Authorization header.
func parseAuthorizationHeader(authHeader string) (*signatureInfo, error) {
	credentialMatch := credentialRegex.FindStringSubmatch(authHeader)
	signedHeadersMatch := signedHeadersRegex.FindStringSubmatch(authHeader)
	signatureMatch := signatureRegex.FindStringSubmatch(authHeader)
	if len(credentialMatch) < 2 || len(signedHeadersMatch) < 2 || len(signatureMatch) < 2 {
		return nil, fmt.Errorf("incomplete authorization header")
	}

	credentialParts := strings.Split(credentialMatch[1], "/")
	if len(credentialParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credentialParts[0] == "" || len(credentialParts[1]) != 8 || credentialParts[3] != "s3" || credentialParts[4] != awsRequestType {
		return nil, fmt.Errorf("invalid credential components")
	}

	return &signatureInfo{
		AccessKeyID:     credentialParts[0],
		Date:            credentialParts[1],
		Region:          credentialParts[2],
		Service:         credentialParts[3],
		SignedHeaders:   strings.Split(signedHeadersMatch[1], ";"),
		Signature:       signatureMatch[1],
		CredentialScope: strings.Join(credentialParts[1:], "/"),
	}, nil
}

// buildCanonicalRequest assembles the SigV4 canonical request. queryOverride
// replaces the request's query values when non-nil (presigned URLs drop the
// signature parameter).
func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string, queryOverride url.Values) (string, error) {
	query := queryOverride
	if query == nil {
		query = r.URL.Query()
	}

	canonicalHeaders, err := buildCanonicalHeaders(r, signedHeaders)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.EscapedPath()),
		canonicalQueryString(query),
		canonicalHeaders,
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n"), nil
}

// canonicalURI applies AWS URI encoding to each path segment, keeping the
// separating slashes literal.
func canonicalURI(escapedPath string) string {
	if escapedPath == "" {
		return "/"
	}
	// Work from the decoded path so client-side encoding differences do not
	// change the canonical form.
	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		decoded = escapedPath
	}
	segments := strings.Split(decoded, "/")
	for i, segment := range segments {
		segments[i] = awsURIEncode(segment, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString encodes each key and value, then sorts by the encoded
// forms (code-point order of encoded names, values breaking ties). Every
// parameter carries an equals sign, even with an empty value.
func canonicalQueryString(values url.Values) string {
	type pair struct {
		key   string
		value string
	}
	pairs := make([]pair, 0, len(values))
	for key, vals := range values {
		encodedKey := awsURIEncode(key, true)
		for _, value := range vals {
			pairs = append(pairs, pair{key: encodedKey, value: awsURIEncode(value, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.key+"="+p.value)
	}
	return strings.Join(parts, "&")
}

// awsURIEncode percent-encodes everything except the unreserved characters.
// encodeSlash controls whether "/" is encoded (query) or kept (path segment
// input never contains one).
func awsURIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func buildCanonicalHeaders(r *http.Request, signedHeaders []string) (string, error) {
	var b strings.Builder
	for _, name := range signedHeaders {
		lower := strings.ToLower(name)
		var value string
		switch lower {
		case "host":
			value = r.Host
		case "content-length":
			if r.ContentLength >= 0 {
				value = strconv.FormatInt(r.ContentLength, 10)
			}
		default:
			values := r.Header.Values(name)
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %s not present", name)
			}
			trimmed := make([]string, len(values))
			for i, v := range values {
				trimmed[i] = strings.TrimSpace(v)
			}
			value = strings.Join(trimmed, ",")
		}
		b.WriteString(lower)
		b.WriteString(":")
		b.WriteString(value)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte(awsKeyPrefix+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, awsRequestType)
}

func signRequest(signingKey []byte, amzDate, scope, canonicalRequest string) string {
	hashed := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		awsAlgorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

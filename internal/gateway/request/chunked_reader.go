// Package request parses request bodies and client-supplied object
// attributes, including the aws-chunked streaming payload formats.
package request

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Errors surfaced while decoding an aws-chunked body.
var (
	ErrChunkSignatureMismatch = errors.New("chunk signature does not match")
	ErrMalformedChunk         = errors.New("malformed chunk encoding")
)

const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SigningContext carries the request-level signing state a signed streaming
// body is validated against. The seed signature is the Authorization header
// signature; each chunk chains off the previous one.
type SigningContext struct {
	SigningKey    []byte
	SeedSignature string
	AmzDate       string
	Scope         string
}

// ChunkedReader decodes an aws-chunked request body, yielding the raw object
// bytes. With a signing context every chunk signature is verified as it is
// consumed; without one (STREAMING-UNSIGNED-PAYLOAD-TRAILER) chunks are
// framed but unsigned. Trailing headers are collected and available from
// Trailers after the body has been read to EOF.
type ChunkedReader struct {
	r        *bufio.Reader
	signing  *SigningContext
	prevSig  string
	buf      bytes.Buffer
	trailers map[string]string
	done     bool
}

// NewChunkedReader wraps body. signing may be nil for unsigned streaming
// payloads.
func NewChunkedReader(body io.Reader, signing *SigningContext) *ChunkedReader {
	cr := &ChunkedReader{
		r:        bufio.NewReader(body),
		signing:  signing,
		trailers: make(map[string]string),
	}
	if signing != nil {
		cr.prevSig = signing.SeedSignature
	}
	return cr
}

// Trailers returns the trailing headers, valid once Read has returned io.EOF.
func (cr *ChunkedReader) Trailers() map[string]string {
	return cr.trailers
}

func (cr *ChunkedReader) Read(p []byte) (int, error) {
	for cr.buf.Len() == 0 {
		if cr.done {
			return 0, io.EOF
		}
		if err := cr.readChunk(); err != nil {
			return 0, err
		}
	}
	return cr.buf.Read(p)
}

// readChunk consumes one chunk frame. The final zero-length chunk switches
// to trailer parsing and marks the reader done.
func (cr *ChunkedReader) readChunk() error {
	header, err := cr.readLine()
	if err != nil {
		return fmt.Errorf("%w: reading chunk header: %v", ErrMalformedChunk, err)
	}
	if header == "" {
		// Tolerate a blank line between frames.
		header, err = cr.readLine()
		if err != nil {
			return fmt.Errorf("%w: reading chunk header: %v", ErrMalformedChunk, err)
		}
	}

	sizeStr, chunkSig, _ := strings.Cut(header, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: invalid chunk size %q", ErrMalformedChunk, sizeStr)
	}

	var declaredSig string
	if chunkSig != "" {
		value, ok := strings.CutPrefix(chunkSig, "chunk-signature=")
		if !ok {
			return fmt.Errorf("%w: unexpected chunk extension %q", ErrMalformedChunk, chunkSig)
		}
		declaredSig = value
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(cr.r, data); err != nil {
		return fmt.Errorf("%w: reading chunk data: %v", ErrMalformedChunk, err)
	}

	if cr.signing != nil {
		if declaredSig == "" {
			return fmt.Errorf("%w: missing chunk signature", ErrMalformedChunk)
		}
		expected := cr.chunkSignature(data)
		if !hmac.Equal([]byte(expected), []byte(declaredSig)) {
			return ErrChunkSignatureMismatch
		}
		cr.prevSig = expected
	}

	if size == 0 {
		if err := cr.readTrailers(); err != nil {
			return err
		}
		cr.done = true
		return nil
	}

	// The data CRLF terminator follows each non-final chunk.
	if err := cr.expectCRLF(); err != nil {
		return err
	}
	cr.buf.Write(data)
	return nil
}

// readTrailers parses trailing headers after the final chunk and, for signed
// trailer streams, verifies the trailer signature over their canonical form.
func (cr *ChunkedReader) readTrailers() error {
	var trailerSig string
	for {
		line, err := cr.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%w: reading trailers: %v", ErrMalformedChunk, err)
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return fmt.Errorf("%w: malformed trailer line %q", ErrMalformedChunk, line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "x-amz-trailer-signature" {
			trailerSig = value
			continue
		}
		cr.trailers[name] = value
	}

	if cr.signing != nil && trailerSig != "" {
		expected := cr.trailerSignature()
		if !hmac.Equal([]byte(expected), []byte(trailerSig)) {
			return ErrChunkSignatureMismatch
		}
	}
	return nil
}

// chunkSignature computes the expected signature of one chunk, chaining off
// the previous chunk's signature.
func (cr *ChunkedReader) chunkSignature(data []byte) string {
	payloadHash := sha256.Sum256(data)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-PAYLOAD",
		cr.signing.AmzDate,
		cr.signing.Scope,
		cr.prevSig,
		emptyPayloadHash,
		hex.EncodeToString(payloadHash[:]),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(cr.signing.SigningKey, stringToSign))
}

// trailerSignature signs the canonical trailer serialization: sorted
// "name:value\n" lines.
func (cr *ChunkedReader) trailerSignature() string {
	names := make([]string, 0, len(cr.trailers))
	for name := range cr.trailers {
		names = append(names, name)
	}
	sort.Strings(names)
	var canonical strings.Builder
	for _, name := range names {
		canonical.WriteString(name)
		canonical.WriteString(":")
		canonical.WriteString(cr.trailers[name])
		canonical.WriteString("\n")
	}
	trailerHash := sha256.Sum256([]byte(canonical.String()))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256-TRAILER",
		cr.signing.AmzDate,
		cr.signing.Scope,
		cr.prevSig,
		hex.EncodeToString(trailerHash[:]),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(cr.signing.SigningKey, stringToSign))
}

func (cr *ChunkedReader) readLine() (string, error) {
	line, err := cr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (cr *ChunkedReader) expectCRLF() error {
	line, err := cr.readLine()
	if err != nil {
		return fmt.Errorf("%w: missing chunk terminator: %v", ErrMalformedChunk, err)
	}
	if line != "" {
		return fmt.Errorf("%w: expected chunk terminator, got %q", ErrMalformedChunk, line)
	}
	return nil
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

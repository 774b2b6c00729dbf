package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Compressed field names. The first response to a call carries the payload
// at the top level; streamed follow-up messages nest it in params[0].
const (
	FieldCompressedResult = "compressedResult"
	FieldCompressedData   = "compressedData"
)

// MaxInflatedSize caps the size of one inflated payload (32MB)
const MaxInflatedSize = 32 * 1024 * 1024

// compressedEnvelope captures the two positions a compressed field can occupy
type compressedEnvelope struct {
	CompressedResult *string           `json:"compressedResult"`
	Params           []json.RawMessage `json:"params"`
}

// streamedParams is the shape of params[0] on a streamed message
type streamedParams struct {
	CompressedData *string `json:"compressedData"`
}

// Decode extracts and inflates the compressed field of a response envelope.
//
// Returns ErrNotCompressed when neither compressed field is present, in which
// case the caller must read the envelope's inline payload. Any base64 or gzip
// failure is returned as a *DecompressionError.
func Decode(envelope []byte) ([]byte, error) {
	var env compressedEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, &InvalidResponseError{Index: -1, Reason: "envelope is not a JSON object", Err: err}
	}

	if env.CompressedResult != nil {
		return Inflate(FieldCompressedResult, *env.CompressedResult)
	}

	if len(env.Params) > 0 {
		var p streamedParams
		// A non-object params[0] simply means there is nothing nested to decode
		if err := json.Unmarshal(env.Params[0], &p); err == nil && p.CompressedData != nil {
			return Inflate(FieldCompressedData, *p.CompressedData)
		}
	}

	return nil, ErrNotCompressed
}

// Inflate base64-decodes and gzip-inflates one compressed field value.
func Inflate(field, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecompressionError{Field: field, Err: fmt.Errorf("base64: %w", err)}
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecompressionError{Field: field, Err: fmt.Errorf("gzip header: %w", err)}
	}
	defer zr.Close()

	// Read one byte past the limit so oversize payloads are detectable
	out, err := io.ReadAll(io.LimitReader(zr, MaxInflatedSize+1))
	if err != nil {
		return nil, &DecompressionError{Field: field, Err: fmt.Errorf("gzip body: %w", err)}
	}
	if len(out) > MaxInflatedSize {
		return nil, &DecompressionError{
			Field: field,
			Err:   fmt.Errorf("inflated payload exceeds maximum of %d bytes", MaxInflatedSize),
		}
	}

	return out, nil
}

// Compress gzips and base64-encodes data into the form carried by the
// compressed envelope fields.
func Compress(data []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

package wire

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// TestCompressRoundTrip verifies inflate(base64(gzip(B))) == B for a range of buffers
func TestCompressRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 64*1024)
	rng.Read(random)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "json array", data: []byte(`[{"handlerType":"x"}]`)},
		{name: "binary", data: []byte{0x00, 0xff, 0x1f, 0x8b}},
		{name: "random 64KB", data: random},
		{name: "repetitive", data: bytes.Repeat([]byte("abc"), 10000)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Compress(tc.data)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			got, err := Inflate(FieldCompressedResult, encoded)
			if err != nil {
				t.Fatalf("inflate: %v", err)
			}
			if !bytes.Equal(got, tc.data) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(tc.data))
			}
		})
	}
}

func TestDecodeTopLevelAndNested(t *testing.T) {
	payload := []byte(`[{"handlerType":"DN.Anything"}]`)
	encoded, err := Compress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	top := []byte(`{"jsonrpc":"2.0","id":"3","compressedResult":"` + encoded + `"}`)
	got, err := Decode(top)
	if err != nil {
		t.Fatalf("decode top-level: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("top-level payload = %s, want %s", got, payload)
	}

	nested := []byte(`{"jsonrpc":"2.0","method":"Message","params":[{"sequenceNumber":4,"compressedData":"` + encoded + `"}]}`)
	got, err = Decode(nested)
	if err != nil {
		t.Fatalf("decode nested: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("nested payload = %s, want %s", got, payload)
	}
}

func TestDecodeNotCompressed(t *testing.T) {
	inputs := []string{
		`{"jsonrpc":"2.0","id":"1","result":[]}`,
		`{"jsonrpc":"2.0","method":"Message","params":["text"]}`,
		`{"jsonrpc":"2.0","method":"Message","params":[{"sequenceNumber":1}]}`,
	}
	for _, in := range inputs {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrNotCompressed) {
			t.Errorf("Decode(%s) error = %v, want ErrNotCompressed", in, err)
		}
	}
}

func TestDecodeFailures(t *testing.T) {
	notGzip := "bm90IGd6aXA=" // base64("not gzip")

	testCases := []struct {
		name     string
		envelope string
	}{
		{name: "bad base64", envelope: `{"compressedResult":"%%%not-base64"}`},
		{name: "bad gzip", envelope: `{"compressedResult":"` + notGzip + `"}`},
		{name: "bad nested gzip", envelope: `{"params":[{"compressedData":"` + notGzip + `"}]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.envelope))
			var de *DecompressionError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecompressionError, got %v", err)
			}
			if de.Unwrap() == nil {
				t.Error("DecompressionError should carry the underlying cause")
			}
		})
	}
}

func TestDecodeRejectsNonObjectEnvelope(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	var ire *InvalidResponseError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}
}

package handlers

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeChunkedBodyPassthrough(t *testing.T) {
	req := httptest.NewRequest("PUT", "/b/k", strings.NewReader("plain body"))
	req.Header.Set("x-amz-content-sha256", "UNSIGNED-PAYLOAD")

	got, err := io.ReadAll(decodeChunkedBody(req))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "plain body" {
		t.Errorf("body = %q, want %q", got, "plain body")
	}
}

func TestChunkedReaderSingleChunk(t *testing.T) {
	framed := "b;chunk-signature=deadbeef\r\nhello world\r\n0;chunk-signature=deadbeef\r\n\r\n"

	got, err := io.ReadAll(newChunkedReader(strings.NewReader(framed)))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("decoded = %q, want %q", got, "hello world")
	}
}

func TestChunkedReaderMultipleChunks(t *testing.T) {
	framed := "5;chunk-signature=aa\r\nhello\r\n" +
		"6;chunk-signature=bb\r\n world\r\n" +
		"0;chunk-signature=cc\r\n\r\n"

	got, err := io.ReadAll(newChunkedReader(strings.NewReader(framed)))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("decoded = %q, want %q", got, "hello world")
	}
}

func TestChunkedReaderNoSignature(t *testing.T) {
	// The signature clause is optional; a bare hex length must decode too.
	framed := "4\r\ndata\r\n0\r\n\r\n"

	got, err := io.ReadAll(newChunkedReader(strings.NewReader(framed)))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("decoded = %q, want %q", got, "data")
	}
}

func TestChunkedReaderSmallReads(t *testing.T) {
	framed := "a;chunk-signature=ee\r\n0123456789\r\n0\r\n\r\n"
	r := newChunkedReader(strings.NewReader(framed))

	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
	if string(out) != "0123456789" {
		t.Errorf("decoded = %q, want %q", out, "0123456789")
	}
}

func TestChunkedReaderMalformedLength(t *testing.T) {
	framed := "zz;chunk-signature=ee\r\ndata\r\n"

	_, err := io.ReadAll(newChunkedReader(strings.NewReader(framed)))
	if err == nil {
		t.Fatal("expected error for malformed chunk length")
	}
}

func TestDecodeChunkedBodyStreamingHeader(t *testing.T) {
	framed := "5;chunk-signature=aa\r\nhello\r\n0;chunk-signature=bb\r\n\r\n"
	req := httptest.NewRequest("PUT", "/b/k", strings.NewReader(framed))
	req.Header.Set("x-amz-content-sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")

	got, err := io.ReadAll(decodeChunkedBody(req))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("decoded = %q, want %q", got, "hello")
	}
}

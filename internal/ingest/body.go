package ingest

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lenshq/backend/internal/core"
)

// gzipped reports whether the body is gzip-compressed JSON. SDKs in
// restrictive environments cannot always set Content-Encoding, so an
// octet-stream body with X-Original-Content-Type: application/json carries
// the same meaning.
func gzipped(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		return true
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/octet-stream") &&
		strings.Contains(r.Header.Get("X-Original-Content-Type"), "application/json")
}

// DecodeBody reads a capture payload into dst, enforcing the byte cap and
// transparently inflating gzip. Over-cap bodies map to PayloadTooLarge,
// everything else malformed to Invalid.
func DecodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var reader = r.Body
	if gzipped(r) {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return core.Invalid("malformed gzip body")
		}
		defer gz.Close()
		reader = gz
	}

	if err := json.NewDecoder(reader).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.PayloadTooLarge("request body exceeds size cap")
		}
		return core.Invalid("malformed JSON body")
	}
	return nil
}

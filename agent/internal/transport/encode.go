package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content types sent with each http body encoding.
const (
	contentTypeLines = "application/x-ndjson"
	contentTypeJSON  = "application/json"
	contentTypeCBOR  = "application/cbor"
)

// cborEnc uses core deterministic encoding so identical batches produce
// identical bodies.
var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: cbor encoder initialization failed: " + err.Error())
	}
}

// encodeBody renders a batch in the requested encoding and returns the body
// with its content type.
//
//	lines  payloads joined by '\n', each record terminated
//	json   one JSON array; valid JSON payloads are embedded as-is, anything
//	       else becomes a JSON string
//	cbor   one CBOR array of byte strings
func encodeBody(encoding string, batch [][]byte) ([]byte, string, error) {
	switch encoding {
	case "", "lines":
		return frame(nil, batch), contentTypeLines, nil

	case "json":
		items := make([]json.RawMessage, len(batch))
		for i, p := range batch {
			if json.Valid(p) {
				items[i] = json.RawMessage(p)
				continue
			}
			s, err := json.Marshal(string(p))
			if err != nil {
				return nil, "", fmt.Errorf("encode json: %w", err)
			}
			items[i] = s
		}
		body, err := json.Marshal(items)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return body, contentTypeJSON, nil

	case "cbor":
		body, err := cborEnc.Marshal(batch)
		if err != nil {
			return nil, "", fmt.Errorf("encode cbor: %w", err)
		}
		return body, contentTypeCBOR, nil

	default:
		return nil, "", fmt.Errorf("unknown encoding %q", encoding)
	}
}

// compressor compresses request bodies. A nil *compressor, or one built for
// "none", passes bodies through.
type compressor struct {
	name string
	zstd *zstd.Encoder
}

func newCompressor(name string) (*compressor, error) {
	c := &compressor{name: name}
	switch name {
	case "", "none":
		c.name = "none"
	case "gzip":
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		c.zstd = enc
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
	return c, nil
}

// compress returns the compressed body and the Content-Encoding to send with
// it. The encoding is empty when the body is sent as-is.
func (c *compressor) compress(body []byte) ([]byte, string, error) {
	if c == nil {
		return body, "", nil
	}
	switch c.name {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		return c.zstd.EncodeAll(body, nil), "zstd", nil
	default:
		return body, "", nil
	}
}

func (c *compressor) close() {
	if c != nil && c.zstd != nil {
		_ = c.zstd.Close()
	}
}

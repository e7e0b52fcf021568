package patchfile

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pgaskin/czlib"
	"github.com/xi2/xz"
)

func init() {
	RegisterFormat("yaml", decodeYAML)
	RegisterFormat("json", decodeJSON)
	RegisterFormat("zlib", decodeZlib)
	RegisterFormat("xz", decodeXZ)
}

func decodeYAML(buf []byte) ([]byte, error) {
	return buf, nil
}

// decodeJSON accepts a json document. Json is a subset of yaml, so it is
// parsed as-is once it is known to be valid.
func decodeJSON(buf []byte) ([]byte, error) {
	if !json.Valid(buf) {
		return nil, errors.New("invalid json")
	}
	return buf, nil
}

// decodeZlib decodes a base64 encoded zlib stream.
func decodeZlib(buf []byte) ([]byte, error) {
	raw, err := decodeBase64(buf)
	if err != nil {
		return nil, err
	}
	out, err := czlib.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress zlib: %w", err)
	}
	return out, nil
}

func decodeBase64(buf []byte) ([]byte, error) {
	buf = bytes.Join(bytes.Fields(buf), nil)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(string(buf)); err == nil {
			return raw, nil
		}
	}
	return nil, errors.New("invalid base64")
}

func decodeXZ(buf []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(buf), xz.DefaultDictMax)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress xz: %w", err)
	}
	return out, nil
}

// EncodeZlib encodes the yaml of a rule configuration in the zlib format.
func EncodeZlib(y []byte) ([]byte, error) {
	raw, err := czlib.Compress(y)
	if err != nil {
		return nil, fmt.Errorf("compress zlib: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}

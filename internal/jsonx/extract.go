package jsonx

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ExtractSlice returns the raw bytes of the subtree addressed by path
// (gjson syntax, e.g. "params.textDocument.uri") without parsing the rest
// of the document. The returned slice aliases raw.
//
// An empty path returns raw itself after a cheap validity check.
func ExtractSlice(raw []byte, path string) ([]byte, error) {
	if path == "" {
		if !gjson.ValidBytes(raw) {
			return nil, &ParseError{Msg: "invalid JSON document"}
		}
		return raw, nil
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, fmt.Errorf("jsonx: path %q not found", path)
	}
	if res.Index > 0 {
		// Result came straight from the source buffer; alias it.
		return raw[res.Index : res.Index+len(res.Raw)], nil
	}
	return []byte(res.Raw), nil
}

// Package protocol defines the LSP v3.16 message schema: the JSON-RPC
// envelope, request/notification parameter and result shapes, enumerations,
// and the capability records exchanged at initialize.
//
// All typed decoding goes through internal/jsonx; payloads that are one-of
// several shapes are tagged variants dispatched by required-key presence.
package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/dlang-community/dls/internal/jsonx"
)

// Version is the JSON-RPC version literal carried by every message.
const Version = "2.0"

type tokenKind uint8

const (
	tokenAbsent tokenKind = iota
	tokenInt
	tokenString
	tokenNull
)

// RequestToken is the client-visible identifier of a request: absent, an
// integer, a string, or an explicit null. It is value-typed; two tokens are
// equal iff kind and payload are equal, so it can key maps directly.
type RequestToken struct {
	kind tokenKind
	num  int64
	str  string
}

// IntToken returns an integer request token.
func IntToken(n int64) RequestToken { return RequestToken{kind: tokenInt, num: n} }

// StringToken returns a string request token.
func StringToken(s string) RequestToken { return RequestToken{kind: tokenString, str: s} }

// NullToken returns the explicit-null request token.
func NullToken() RequestToken { return RequestToken{kind: tokenNull} }

// IsAbsent reports whether no id was present on the wire.
func (t RequestToken) IsAbsent() bool { return t.kind == tokenAbsent }

// IsNull reports whether the id was an explicit null.
func (t RequestToken) IsNull() bool { return t.kind == tokenNull }

// String renders the token for logs.
func (t RequestToken) String() string {
	switch t.kind {
	case tokenInt:
		return fmt.Sprintf("%d", t.num)
	case tokenString:
		return fmt.Sprintf("%q", t.str)
	case tokenNull:
		return "null"
	default:
		return "<none>"
	}
}

// MarshalJSONValue implements jsonx.ValueMarshaler.
func (t RequestToken) MarshalJSONValue() jsonx.Value {
	switch t.kind {
	case tokenInt:
		return jsonx.NewInt(t.num)
	case tokenString:
		return jsonx.NewString(t.str)
	default:
		return jsonx.NewNull()
	}
}

// UnmarshalJSONValue implements jsonx.ValueUnmarshaler.
func (t *RequestToken) UnmarshalJSONValue(v jsonx.Value) error {
	switch v.Kind() {
	case jsonx.Number:
		*t = IntToken(v.Int())
	case jsonx.String:
		*t = StringToken(v.Str())
	case jsonx.Null:
		*t = NullToken()
	case jsonx.Invalid:
		*t = RequestToken{}
	default:
		return fmt.Errorf("request id must be an integer, string or null, got %s", v.Kind())
	}
	return nil
}

// MessageKind classifies a wire message.
type MessageKind int

const (
	// KindInvalid marks a message that fits no JSON-RPC shape.
	KindInvalid MessageKind = iota
	// KindRequest is a call expecting a response.
	KindRequest
	// KindNotification is a call with no response.
	KindNotification
	// KindResponse is a reply to an earlier request.
	KindResponse
)

// Message is one decoded JSON-RPC envelope. Params and Result stay raw
// slices into the original frame until a handler asks for a typed decode;
// the envelope fields are located without parsing the params subtree.
type Message struct {
	ID     RequestToken
	Method string

	// Params aliases the frame buffer; nil when absent.
	Params []byte
	// Result aliases the frame buffer; nil when absent. ResultPresent
	// distinguishes `"result":null` from no result member.
	Result        []byte
	ResultPresent bool
	Error         *ResponseError

	// Raw is the full frame the slices above point into.
	Raw []byte
}

// Kind classifies the message per the JSON-RPC 2.0 rules.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && !m.ID.IsAbsent():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ResultPresent || m.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// ParseMessage locates the envelope fields of a framed payload. The params
// and result subtrees are sliced out by byte offset, not parsed.
func ParseMessage(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &jsonx.ParseError{Msg: "invalid JSON payload"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &jsonx.ParseError{Msg: "message is not an object"}
	}

	msg := &Message{Raw: raw}

	if method := root.Get("method"); method.Exists() {
		if method.Type != gjson.String {
			return nil, &jsonx.ParseError{Msg: "method is not a string"}
		}
		msg.Method = method.String()
	}

	if id := root.Get("id"); id.Exists() {
		switch id.Type {
		case gjson.Number:
			msg.ID = IntToken(int64(id.Int()))
		case gjson.String:
			msg.ID = StringToken(id.String())
		case gjson.Null:
			msg.ID = NullToken()
		default:
			return nil, &jsonx.ParseError{Msg: "id must be an integer, string or null"}
		}
	}

	msg.Params = rawSlice(raw, root.Get("params"))

	if res := root.Get("result"); res.Exists() {
		msg.ResultPresent = true
		msg.Result = rawSlice(raw, res)
	}

	if errVal := root.Get("error"); errVal.Exists() {
		var respErr ResponseError
		if err := jsonx.Decode(rawSlice(raw, errVal), &respErr); err != nil {
			return nil, err
		}
		msg.Error = &respErr
	}

	return msg, nil
}

// rawSlice returns the bytes of a gjson result, aliasing src when the
// result reports its offset.
func rawSlice(src []byte, res gjson.Result) []byte {
	if !res.Exists() {
		return nil
	}
	if res.Index > 0 && res.Index+len(res.Raw) <= len(src) {
		return src[res.Index : res.Index+len(res.Raw)]
	}
	return []byte(res.Raw)
}

// EncodeRequest serializes a request or, with an absent id, a notification.
func EncodeRequest(id RequestToken, method string, params any) ([]byte, error) {
	obj := jsonx.NewObject()
	obj.Set("jsonrpc", jsonx.NewString(Version))
	if !id.IsAbsent() {
		obj.Set("id", id.MarshalJSONValue())
	}
	obj.Set("method", jsonx.NewString(method))
	if params != nil {
		pv, err := jsonx.EncodeValue(params)
		if err != nil {
			return nil, err
		}
		obj.Set("params", pv)
	}
	return jsonx.Serialize(obj), nil
}

// EncodeResponse serializes a success response. A raw pre-serialized result
// may be passed as jsonx.Value via params of type jsonx.Value.
func EncodeResponse(id RequestToken, result any) ([]byte, error) {
	obj := jsonx.NewObject()
	obj.Set("jsonrpc", jsonx.NewString(Version))
	obj.Set("id", id.MarshalJSONValue())
	rv, err := jsonx.EncodeValue(result)
	if err != nil {
		return nil, err
	}
	obj.Set("result", rv)
	return jsonx.Serialize(obj), nil
}

// EncodeErrorResponse serializes an error response.
func EncodeErrorResponse(id RequestToken, respErr *ResponseError) ([]byte, error) {
	obj := jsonx.NewObject()
	obj.Set("jsonrpc", jsonx.NewString(Version))
	obj.Set("id", id.MarshalJSONValue())
	ev, err := jsonx.EncodeValue(respErr)
	if err != nil {
		return nil, err
	}
	obj.Set("error", ev)
	return jsonx.Serialize(obj), nil
}

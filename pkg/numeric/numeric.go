// Package numeric implements the recursive, structure-preserving numeric
// transforms (C1 in the design) used throughout the worker: sanitizing
// non-finite floats for JSON, and converting between native floats and the
// store's fixed-decimal representation.
//
// Decimal is deliberately defined as the lexical string form of a number —
// exactly the .Value field of a DynamoDB AttributeValueMemberN — so that
// NumberToDecimal/DecimalToFloat round-trip without going through a binary
// float, and so that the tree these functions produce converts directly to
// and from dynamodb attribute values with TreeToAttributeValue /
// AttributeValueToTree below.
package numeric

import (
	"math"
	"strconv"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Decimal is a numeric leaf preserved lexically via its string form.
type Decimal string

// FloatToJSONFloat recurses through sequences ([]any) and mappings
// (map[string]any), replacing +Inf/-Inf/NaN float64 leaves with
// max-finite/-max-finite/nil respectively. All other values, including
// non-float64 scalars, pass through unchanged.
func FloatToJSONFloat(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = FloatToJSONFloat(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = FloatToJSONFloat(e)
		}
		return out
	case float64:
		switch {
		case math.IsInf(t, 1):
			return math.MaxFloat64
		case math.IsInf(t, -1):
			return -math.MaxFloat64
		case math.IsNaN(t):
			return nil
		default:
			return t
		}
	default:
		return v
	}
}

// NumberToDecimal recursively converts float64/int/int64 leaves to Decimal,
// preserving the shape of sequences and mappings. Non-numeric leaves pass
// through unchanged.
func NumberToDecimal(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NumberToDecimal(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NumberToDecimal(e)
		}
		return out
	case float64:
		return Decimal(strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		return Decimal(strconv.Itoa(t))
	case int64:
		return Decimal(strconv.FormatInt(t, 10))
	case Decimal:
		return t
	default:
		return v
	}
}

// DecimalToFloat is the inverse of NumberToDecimal: Decimal leaves become
// float64, recursing through sequences and mappings. A leaf that fails to
// parse becomes nil rather than panicking — the store is expected to only
// ever hand back well-formed Decimal values it produced itself.
func DecimalToFloat(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DecimalToFloat(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DecimalToFloat(e)
		}
		return out
	case Decimal:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil
		}
		return f
	default:
		return v
	}
}

// TreeToAttributeValue converts a JSON-shaped tree (as produced by
// NumberToDecimal: Decimal/string/bool/nil leaves, []any sequences,
// map[string]any mappings) into a DynamoDB AttributeValue tree.
func TreeToAttributeValue(v any) ddbtypes.AttributeValue {
	switch t := v.(type) {
	case nil:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}
	case Decimal:
		return &ddbtypes.AttributeValueMemberN{Value: string(t)}
	case string:
		return &ddbtypes.AttributeValueMemberS{Value: t}
	case bool:
		return &ddbtypes.AttributeValueMemberBOOL{Value: t}
	case []any:
		l := make([]ddbtypes.AttributeValue, len(t))
		for i, e := range t {
			l[i] = TreeToAttributeValue(e)
		}
		return &ddbtypes.AttributeValueMemberL{Value: l}
	case map[string]any:
		m := make(map[string]ddbtypes.AttributeValue, len(t))
		for k, e := range t {
			m[k] = TreeToAttributeValue(e)
		}
		return &ddbtypes.AttributeValueMemberM{Value: m}
	default:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}
	}
}

// AttributeValueToTree is the inverse of TreeToAttributeValue.
func AttributeValueToTree(av ddbtypes.AttributeValue) any {
	if av == nil {
		return nil
	}
	switch t := av.(type) {
	case *ddbtypes.AttributeValueMemberNULL:
		return nil
	case *ddbtypes.AttributeValueMemberN:
		return Decimal(t.Value)
	case *ddbtypes.AttributeValueMemberS:
		return t.Value
	case *ddbtypes.AttributeValueMemberBOOL:
		return t.Value
	case *ddbtypes.AttributeValueMemberL:
		out := make([]any, len(t.Value))
		for i, e := range t.Value {
			out[i] = AttributeValueToTree(e)
		}
		return out
	case *ddbtypes.AttributeValueMemberM:
		out := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			out[k] = AttributeValueToTree(e)
		}
		return out
	default:
		return nil
	}
}

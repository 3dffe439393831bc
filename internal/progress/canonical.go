package progress

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

const rawKeyPrefix = "raw:"

// canonicalKey renders a JSON value so that structurally equal values produce the same
// string: object keys sorted, whitespace dropped, numbers compared by value. Strings and
// object keys are compared code point for code point.
// Input that does not parse is keyed by its trimmed bytes.
func canonicalKey(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return rawKeyPrefix + string(trimmed)
	}
	var buffer bytes.Buffer
	writeCanonical(&buffer, value)
	return buffer.String()
}

func writeCanonical(buffer *bytes.Buffer, value any) {
	switch typed := value.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if typed {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case json.Number:
		buffer.WriteString(canonicalNumber(typed))
	case string:
		writeCanonicalString(buffer, typed)
	case []any:
		buffer.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				buffer.WriteByte(',')
			}
			writeCanonical(buffer, element)
		}
		buffer.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buffer.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				buffer.WriteByte(',')
			}
			writeCanonicalString(buffer, key)
			buffer.WriteByte(':')
			writeCanonical(buffer, typed[key])
		}
		buffer.WriteByte('}')
	}
}

// writeCanonicalString writes a JSON string without HTML escaping.
func writeCanonicalString(buffer *bytes.Buffer, value string) {
	var encoded bytes.Buffer
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		buffer.WriteString(strconv.Quote(value))
		return
	}
	buffer.Write(bytes.TrimSuffix(encoded.Bytes(), []byte("\n")))
}

// canonicalNumber gives every numeric value exactly one representation, so 1, 1.0 and 1e0
// pair up, as do 10000000000000000 and 1e16. The value is kept as an exact decimal in the
// form <digits>e<exponent> with no leading or trailing zeros in the digits.
func canonicalNumber(number json.Number) string {
	literal := number.String()
	mantissa, exponentText, hasExponent := strings.Cut(strings.ToLower(literal), "e")
	exponent := 0
	if hasExponent {
		parsed, err := strconv.Atoi(strings.TrimPrefix(exponentText, "+"))
		if err != nil {
			return literal
		}
		exponent = parsed
	}
	negative := strings.HasPrefix(mantissa, "-")
	mantissa = strings.TrimPrefix(mantissa, "-")
	integer, fraction, _ := strings.Cut(mantissa, ".")
	digits := strings.TrimLeft(integer+fraction, "0")
	exponent -= len(fraction)
	if digits == "" {
		return "0"
	}
	trimmed := strings.TrimRight(digits, "0")
	exponent += len(digits) - len(trimmed)

	var builder strings.Builder
	if negative {
		builder.WriteByte('-')
	}
	builder.WriteString(trimmed)
	builder.WriteByte('e')
	builder.WriteString(strconv.Itoa(exponent))
	return builder.String()
}

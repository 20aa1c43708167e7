// Package canonical deterministically serializes domain rows and derives
// their keccak256 content hashes. The same semantic row always yields the
// same hash regardless of process, machine, or input field order.
package canonical

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"

	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// Row is a decoded domain record, typically the body the CRUD collaborator
// persisted. Unknown keys are ignored; only the schema's declared fields
// contribute to the hash.
type Row map[string]interface{}

const canonPrefix = "anchord"

// Canon encodes a row into its canonical byte form:
//
//	"anchord" 0x00 <kind> 0x00 <version uint16 BE>
//	then, per schema field present in the row:
//	  <field index uint8> <marker> [<length uint32 BE> <value bytes>]
//
// marker 0x00 is present-but-null, 0x01 a value. Absent optional fields do
// not appear at all, so null and absent hash differently.
func Canon(kind store.Kind, row Row) ([]byte, error) {
	schema := SchemaFor(kind)
	if schema == nil {
		return nil, errors.Newf(errors.CodeBadCanonicalization, "unknown kind %q", kind)
	}
	if row == nil {
		return nil, errors.New(errors.CodeBadCanonicalization, "row is nil")
	}

	var buf bytes.Buffer
	buf.WriteString(canonPrefix)
	buf.WriteByte(0)
	buf.WriteString(string(schema.Kind))
	buf.WriteByte(0)
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], schema.Version)
	buf.Write(ver[:])

	for i, field := range schema.Fields {
		raw, present := row[field.Name]
		if !present {
			if !field.Optional {
				return nil, errors.Newf(errors.CodeBadCanonicalization,
					"%s: required field %q missing", kind, field.Name)
			}
			continue
		}

		buf.WriteByte(uint8(i))
		if raw == nil {
			if !field.Optional {
				return nil, errors.Newf(errors.CodeBadCanonicalization,
					"%s: required field %q is null", kind, field.Name)
			}
			buf.WriteByte(0x00)
			continue
		}
		buf.WriteByte(0x01)

		value, err := encodeValue(field, raw)
		if err != nil {
			return nil, errors.Newf(errors.CodeBadCanonicalization,
				"%s: field %q: %v", kind, field.Name, err)
		}
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(value)))
		buf.Write(length[:])
		buf.Write(value)
	}

	return buf.Bytes(), nil
}

// Hash returns the keccak256 of the canonical form as lowercase 0x-hex.
func Hash(kind store.Kind, row Row) (string, error) {
	canon, err := Canon(kind, row)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(canon)), nil
}

// HashBytes returns the raw 32-byte keccak256 of the canonical form.
func HashBytes(kind store.Kind, row Row) ([32]byte, error) {
	var out [32]byte
	canon, err := Canon(kind, row)
	if err != nil {
		return out, err
	}
	copy(out[:], crypto.Keccak256(canon))
	return out, nil
}

// Verify reports whether the row's hash equals expectedHash. Pure and
// side-effect-free; comparison is byte-exact after hex lowercasing.
func Verify(kind store.Kind, row Row, expectedHash string) (bool, error) {
	h, err := Hash(kind, row)
	if err != nil {
		return false, err
	}
	return h == store.NormalizeHash(expectedHash), nil
}

func encodeValue(field Field, raw interface{}) ([]byte, error) {
	switch field.Type {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Newf(errors.CodeBadCanonicalization, "expected string, got %T", raw)
		}
		return []byte(norm.NFC.String(s)), nil

	case FieldTimestamp:
		secs, err := epochSeconds(raw)
		if err != nil {
			return nil, err
		}
		return int64Bytes(secs), nil

	case FieldInt:
		n, err := exactInt64(raw)
		if err != nil {
			return nil, err
		}
		return int64Bytes(n), nil

	case FieldMinorUnits:
		n, err := minorUnits(raw)
		if err != nil {
			return nil, err
		}
		return int64Bytes(n), nil

	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, errors.Newf(errors.CodeBadCanonicalization, "expected bool, got %T", raw)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	return nil, errors.Newf(errors.CodeBadCanonicalization, "unhandled field type %d", field.Type)
}

func int64Bytes(n int64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(n))
	return out[:]
}

// epochSeconds accepts time.Time, RFC 3339 strings, and integral numbers,
// flooring to whole seconds.
func epochSeconds(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.Unix(), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return 0, errors.Newf(errors.CodeBadCanonicalization, "invalid RFC3339 timestamp %q", v)
		}
		return t.Unix(), nil
	default:
		return exactInt64(raw)
	}
}

// exactInt64 converts JSON-decoded numbers to int64, rejecting anything
// with a fractional part.
func exactInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, errors.New(errors.CodeBadCanonicalization, "integer overflow")
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Newf(errors.CodeBadCanonicalization, "expected integer, got fractional %v", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errors.Newf(errors.CodeBadCanonicalization, "expected integer, got %q", v.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Newf(errors.CodeBadCanonicalization, "expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, errors.Newf(errors.CodeBadCanonicalization, "expected integer, got %T", raw)
	}
}

// minorUnits converts a decimal quantity to integer minor units (x100).
// Integers are taken as already being minor units. Decimal strings such as
// "12.50" are scaled exactly; IEEE 754 floats are rejected because they are
// not canonical across runtimes.
func minorUnits(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int, int32, int64, uint64:
		return exactInt64(v)
	case json.Number:
		return minorUnits(v.String())
	case float64:
		return 0, errors.New(errors.CodeBadCanonicalization,
			"floating-point decimal rejected; pass minor units or a decimal string")
	case string:
		return parseDecimalString(v)
	default:
		return 0, errors.Newf(errors.CodeBadCanonicalization, "expected decimal, got %T", raw)
	}
}

func parseDecimalString(s string) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(s, "-")

	whole, frac := body, ""
	if idx := strings.IndexByte(body, '.'); idx >= 0 {
		whole, frac = body[:idx], body[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, errors.Newf(errors.CodeBadCanonicalization,
			"decimal %q has more than two fractional digits", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.CodeBadCanonicalization, "invalid decimal %q", s)
	}
	if neg {
		n = -n
	}
	return n, nil
}

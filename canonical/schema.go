package canonical

import (
	"github.com/medtrust/anchord/store"
)

// FieldType is the encoded type of one canonical field.
type FieldType int

const (
	// FieldString is an NFC-normalized UTF-8 string. Whitespace is kept.
	FieldString FieldType = iota
	// FieldTimestamp is a UTC instant encoded as 64-bit signed
	// seconds-since-epoch, floored.
	FieldTimestamp
	// FieldInt is a 64-bit signed integer.
	FieldInt
	// FieldMinorUnits is a decimal quantity encoded as integer minor units
	// (e.g. pesos x 100). IEEE 754 inputs are rejected.
	FieldMinorUnits
	// FieldBool is a single byte 0x00/0x01.
	FieldBool
)

// Field is one entry in a kind's ordered canonical field list.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema fixes the canonical form of one kind at one version. The version
// is part of the canonical prefix so a schema evolution does not silently
// change hashes of old rows.
type Schema struct {
	Kind    store.Kind
	Version uint16
	Fields  []Field
}

// schemas holds exactly one canonical form per kind.
var schemas = map[store.Kind]*Schema{
	store.KindMedicine: {
		Kind:    store.KindMedicine,
		Version: 1,
		Fields: []Field{
			{Name: "name", Type: FieldString},
			{Name: "strength", Type: FieldString, Optional: true},
			{Name: "form", Type: FieldString, Optional: true},
			{Name: "unit", Type: FieldString, Optional: true},
			{Name: "barangay", Type: FieldString},
			{Name: "created_at", Type: FieldTimestamp},
		},
	},
	store.KindStock: {
		Kind:    store.KindStock,
		Version: 1,
		Fields: []Field{
			{Name: "medicine_id", Type: FieldInt},
			{Name: "batch_number", Type: FieldString},
			{Name: "quantity", Type: FieldInt},
			{Name: "unit_cost", Type: FieldMinorUnits, Optional: true},
			{Name: "expiry_date", Type: FieldTimestamp, Optional: true},
			{Name: "barangay", Type: FieldString},
			{Name: "created_at", Type: FieldTimestamp},
		},
	},
	store.KindStockTransaction: {
		Kind:    store.KindStockTransaction,
		Version: 1,
		Fields: []Field{
			{Name: "stock_id", Type: FieldInt},
			{Name: "delta", Type: FieldInt},
			{Name: "reason", Type: FieldString, Optional: true},
			{Name: "performed_by", Type: FieldInt, Optional: true},
			{Name: "created_at", Type: FieldTimestamp},
		},
	},
	store.KindRelease: {
		Kind:    store.KindRelease,
		Version: 1,
		Fields: []Field{
			{Name: "medicine_id", Type: FieldInt},
			{Name: "stock_id", Type: FieldInt, Optional: true},
			{Name: "resident_id", Type: FieldInt},
			{Name: "quantity", Type: FieldInt},
			{Name: "released_by", Type: FieldInt, Optional: true},
			{Name: "barangay", Type: FieldString},
			{Name: "released_at", Type: FieldTimestamp},
		},
	},
	store.KindRemoval: {
		Kind:    store.KindRemoval,
		Version: 1,
		Fields: []Field{
			{Name: "stock_id", Type: FieldInt},
			{Name: "quantity", Type: FieldInt},
			// Removal reason enums diverge upstream; the core carries the
			// string without interpreting it.
			{Name: "reason", Type: FieldString, Optional: true},
			{Name: "removed_by", Type: FieldInt, Optional: true},
			{Name: "barangay", Type: FieldString},
			{Name: "removed_at", Type: FieldTimestamp},
		},
	},
	store.KindUser: {
		Kind:    store.KindUser,
		Version: 1,
		Fields: []Field{
			{Name: "wallet_address", Type: FieldString, Optional: true},
			{Name: "full_name", Type: FieldString},
			{Name: "role", Type: FieldString},
			{Name: "barangay", Type: FieldString, Optional: true},
			{Name: "created_at", Type: FieldTimestamp},
		},
	},
	store.KindResident: {
		Kind:    store.KindResident,
		Version: 1,
		Fields: []Field{
			{Name: "full_name", Type: FieldString},
			{Name: "birth_date", Type: FieldTimestamp, Optional: true},
			{Name: "address", Type: FieldString, Optional: true},
			{Name: "barangay", Type: FieldString},
			{Name: "created_at", Type: FieldTimestamp},
		},
	},
}

// SchemaFor returns the canonical schema for a kind, or nil if the kind is
// unknown.
func SchemaFor(kind store.Kind) *Schema {
	return schemas[kind]
}

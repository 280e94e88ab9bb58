// Package convert wraps Go values in the dbus.Variant signatures the
// xdg-desktop-portal interfaces expect, and unpacks the loosely-typed
// a{sv} responses they hand back.
package convert

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

// FromBool wraps a bool with its explicit D-Bus signature.
func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

// FromString wraps a string with its explicit D-Bus signature.
func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

// FromUint32 wraps a uint32 with its explicit D-Bus signature.
func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}

// Int32Pair unpacks a two-element "ii" struct variant (used by the
// ScreenCast portal for stream position and size) into a fixed array.
func Int32Pair(value any) ([2]int32, error) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, fmt.Errorf("expected a 2-element array, got %T", value)
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, fmt.Errorf("expected int32 at index 0, got %T", values[0])
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, fmt.Errorf("expected int32 at index 1, got %T", values[1])
	}
	return [2]int32{left, right}, nil
}

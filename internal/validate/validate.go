// Package validate checks messages for well-formedness before they reach the
// router. Validation is pure and all-or-nothing.
package validate

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// ErrInvalid matches every *Error via errors.Is.
var ErrInvalid = errors.New("validate: invalid message")

// Kind classifies a validation failure.
type Kind string

const (
	MissingField           Kind = "missing_field"
	UnknownEndpoint        Kind = "unknown_endpoint"
	UnknownChannel         Kind = "unknown_channel"
	UnserializablePayload  Kind = "unserializable_payload"
	MissingAlgedonicFields Kind = "missing_algedonic_fields"
)

// Error is a validation failure. Field names the offending message field or
// payload path.
type Error struct {
	Kind   Kind
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validate: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("validate: %s: %s: %s", e.Kind, e.Field, e.Detail)
}

// Is makes errors.Is(err, ErrInvalid) true for every validation error.
func (e *Error) Is(target error) bool { return target == ErrInvalid }

// KindOf returns the Kind of err, or "" when err is not a validation error.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// MaxPayloadDepth bounds payload nesting.
const MaxPayloadDepth = 32

// Endpoints answers whether an endpoint name is recognised. *endpoint.Registry
// satisfies it.
type Endpoints interface {
	Known(types.Endpoint) bool
}

// Validate checks msg in this order: required fields, endpoints, channel,
// payload serialisability, algedonic fields. It returns the first failure.
func Validate(msg types.Message, eps Endpoints) error {
	switch {
	case msg.ID == "":
		return &Error{Kind: MissingField, Field: "id"}
	case msg.From == "":
		return &Error{Kind: MissingField, Field: "from"}
	case msg.To == "":
		return &Error{Kind: MissingField, Field: "to"}
	case msg.Channel == "":
		return &Error{Kind: MissingField, Field: "channel"}
	case strings.TrimSpace(msg.Type) == "":
		return &Error{Kind: MissingField, Field: "type"}
	case msg.Timestamp.IsZero():
		return &Error{Kind: MissingField, Field: "timestamp"}
	}

	if !eps.Known(msg.From) {
		return &Error{Kind: UnknownEndpoint, Field: "from", Detail: string(msg.From)}
	}
	if !eps.Known(msg.To) {
		return &Error{Kind: UnknownEndpoint, Field: "to", Detail: string(msg.To)}
	}

	if !msg.Channel.Valid() {
		return &Error{Kind: UnknownChannel, Field: "channel", Detail: string(msg.Channel)}
	}

	if path, why := checkValue(reflect.ValueOf(msg.Payload), "payload", 0); why != "" {
		return &Error{Kind: UnserializablePayload, Field: path, Detail: why}
	}

	if msg.Channel == types.ChannelAlgedonic {
		if err := checkAlgedonic(msg); err != nil {
			return err
		}
	}
	return nil
}

// AlgedonicFields extracts severity and description from payload or metadata,
// payload first.
func AlgedonicFields(msg types.Message) (sev string, desc string) {
	sev = lookup(msg, types.MetaSeverity)
	desc = lookup(msg, types.MetaDescription)
	return sev, desc
}

func lookup(msg types.Message, k string) string {
	if v, ok := msg.Payload[k]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return msg.Metadata[k]
}

func checkAlgedonic(msg types.Message) error {
	sev, desc := AlgedonicFields(msg)
	if sev == "" {
		return &Error{Kind: MissingAlgedonicFields, Field: "severity"}
	}
	if _, err := types.ParseSeverity(sev); err != nil {
		return &Error{Kind: MissingAlgedonicFields, Field: "severity", Detail: err.Error()}
	}
	if strings.TrimSpace(desc) == "" {
		return &Error{Kind: MissingAlgedonicFields, Field: "description"}
	}
	return nil
}

// checkValue walks v and reports the first value encoding/json could not
// round-trip. It returns the path and a reason, or "" when v is fine.
func checkValue(v reflect.Value, path string, depth int) (string, string) {
	if depth > MaxPayloadDepth {
		return path, fmt.Sprintf("nesting deeper than %d", MaxPayloadDepth)
	}
	if !v.IsValid() {
		return "", "" // nil interface
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return "", ""
		}
		return checkValue(v.Elem(), path, depth)

	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "", ""

	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return path, "non-finite number"
		}
		return "", ""

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return path, "map key must be a string"
		}
		iter := v.MapRange()
		for iter.Next() {
			if p, why := checkValue(iter.Value(), path+"."+iter.Key().String(), depth+1); why != "" {
				return p, why
			}
		}
		return "", ""

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return "", "" // []byte encodes as base64
		}
		for i := 0; i < v.Len(); i++ {
			if p, why := checkValue(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); why != "" {
				return p, why
			}
		}
		return "", ""

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("json") == "-" {
				continue
			}
			if p, why := checkValue(v.Field(i), path+"."+f.Name, depth+1); why != "" {
				return p, why
			}
		}
		return "", ""

	default: // Func, Chan, Complex, UnsafePointer
		return path, fmt.Sprintf("%s values cannot be serialised", v.Kind())
	}
}

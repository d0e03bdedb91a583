package registry

import (
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/simplestore/rules"
)

// Schema describes a namespace document: object name -> field name -> CEL
// type name. Each object is a top-level key of the document
type Schema map[string]map[string]string

const (
	maxObjects       = 100
	maxFields        = 200
	maxIdentifierLen = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var celTypes = map[string]bool{
	"int":       true,
	"int64":     true,
	"float64":   true,
	"string":    true,
	"bool":      true,
	"bytes":     true,
	"timestamp": true,
	"duration":  true,
}

// reservedKeywords cannot name objects or fields. state, next and args are
// bound by the rule activation
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
	"state": true, "next": true, "args": true,
}

// ValidateSchema checks object and field names, limits and type names
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must contain at least one object definition")
	}
	if len(schema) > maxObjects {
		return fmt.Errorf("schema contains %d objects, maximum allowed is %d", len(schema), maxObjects)
	}

	for objectName, fields := range schema {
		if err := validateIdentifier(objectName); err != nil {
			return fmt.Errorf("invalid object name %q: %w", objectName, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("object %q must contain at least one field", objectName)
		}
		if len(fields) > maxFields {
			return fmt.Errorf("object %q contains %d fields, maximum allowed is %d", objectName, len(fields), maxFields)
		}

		for fieldName, typeName := range fields {
			if err := validateIdentifier(fieldName); err != nil {
				return fmt.Errorf("invalid field name %q in object %q: %w", fieldName, objectName, err)
			}
			if typeName == "" {
				return fmt.Errorf("field %q in object %q has empty type name", fieldName, objectName)
			}
			if strings.TrimSpace(typeName) != typeName {
				return fmt.Errorf("field %q in object %q has type with leading/trailing whitespace: %q", fieldName, objectName, typeName)
			}
			if !celTypes[typeName] {
				return fmt.Errorf("field %q in object %q has invalid type %q (must be one of: int, int64, float64, string, bool, bytes, timestamp, duration)", fieldName, objectName, typeName)
			}
		}
	}

	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// NewEnv creates the rule environment for a schema: the standard state,
// next and args variables plus one variable per object, bound to the
// object in the proposed document
func NewEnv(schema Schema) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(schema))
	for objectName := range schema {
		opts = append(opts, cel.Variable(objectName, cel.DynType))
	}
	return rules.NewEnv(opts...)
}

// CheckPatch verifies that patch only touches declared objects and fields
// and that every value fits its field's type. A nil field value deletes the
// field and always fits
func (s Schema) CheckPatch(patch map[string]any) error {
	for objectName, raw := range patch {
		fields, ok := s[objectName]
		if !ok {
			return fmt.Errorf("unknown object %q", objectName)
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("object %q must be a JSON object, got %T", objectName, raw)
		}
		for fieldName, value := range obj {
			typeName, ok := fields[fieldName]
			if !ok {
				return fmt.Errorf("unknown field %q in object %q", fieldName, objectName)
			}
			if value == nil {
				continue
			}
			if !fitsType(typeName, value) {
				return fmt.Errorf("field %s.%s: %v (%T) is not a %s", objectName, fieldName, value, value, typeName)
			}
		}
	}
	return nil
}

func fitsType(typeName string, v any) bool {
	switch typeName {
	case "int", "int64":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
		return false
	case "float64":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "bytes":
		switch b := v.(type) {
		case []byte:
			return true
		case string:
			_, err := base64.StdEncoding.DecodeString(b)
			return err == nil
		}
		return false
	case "timestamp":
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, t)
			return err == nil
		}
		return false
	case "duration":
		switch d := v.(type) {
		case time.Duration:
			return true
		case string:
			_, err := time.ParseDuration(d)
			return err == nil
		}
		return false
	}
	return false
}

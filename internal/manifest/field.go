package manifest

import (
	"fmt"
	"strconv"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// Core field labels, canonicalised to lowercase (label lookup is
// case-insensitive per the manifest text grammar).
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldFilesize  = "filesize"
	FieldFilehash  = "filehash"
	FieldTail      = "tail"
	FieldBK        = "bk"
	FieldService   = "service"
	FieldDate      = "date"
	FieldSender    = "sender"
	FieldRecipient = "recipient"
	FieldName      = "name"
	FieldCrypt     = "crypt"
)

// coreFields lists the labels with dedicated typed validation, in the order
// the field table in spec.md §4.B describes them. Order here has no effect
// on wire output (that follows insertion order of the manifest being
// packed), only on which labels are treated as "core" for validation.
var coreFields = map[string]func(value string) error{
	FieldID:        validateHexLen(rhizomeid.BIDSize * 2),
	FieldVersion:   validateUint64,
	FieldFilesize:  validateUint64,
	FieldFilehash:  validateHexLen(rhizomeid.FileHashSize * 2),
	FieldTail:      validateUint64,
	FieldBK:        validateHexLen(rhizomeid.BKSize * 2),
	FieldService:   validateServiceToken,
	FieldDate:      validateInt64,
	FieldSender:    validateSIDField,
	FieldRecipient: validateSIDField,
	FieldName:      validateName,
	FieldCrypt:     validateCrypt,
}

// IsCoreField reports whether label (already lowercased) names a recognised
// core field.
func IsCoreField(label string) bool {
	_, ok := coreFields[label]
	return ok
}

func validateHexLen(n int) func(string) error {
	return func(value string) error {
		if len(value) != n {
			return fmt.Errorf("manifest: expected %d hex characters, got %d", n, len(value))
		}
		buf := make([]byte, n/2)
		if _, ok := rhizomeid.FromHex(buf, value); !ok {
			return fmt.Errorf("manifest: invalid hex value %q", value)
		}
		return nil
	}
}

func validateSIDField(value string) error {
	_, consumed, ok := rhizomeid.ParseSID(value)
	if !ok || consumed != len(value) {
		return fmt.Errorf("manifest: invalid SID value %q", value)
	}
	return nil
}

func validateUint64(value string) error {
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return fmt.Errorf("manifest: invalid unsigned integer %q: %w", value, err)
	}
	return nil
}

func validateInt64(value string) error {
	if _, err := strconv.ParseInt(value, 10, 64); err != nil {
		return fmt.Errorf("manifest: invalid integer %q: %w", value, err)
	}
	return nil
}

func validateServiceToken(value string) error {
	if value == "" {
		return fmt.Errorf("manifest: service token must not be empty")
	}
	for _, c := range value {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return fmt.Errorf("manifest: invalid character %q in service token", c)
		}
	}
	return nil
}

func validateName(value string) error {
	for _, c := range value {
		if c == '\n' || c == '\r' {
			return fmt.Errorf("manifest: name must not contain CR or LF")
		}
	}
	return nil
}

func validateCrypt(value string) error {
	if value != "0" && value != "1" {
		return fmt.Errorf("manifest: crypt must be \"0\" or \"1\", got %q", value)
	}
	return nil
}

// validateLabel checks the label grammar: [A-Za-z][A-Za-z0-9]*.
func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("manifest: empty field label")
	}
	c0 := label[0]
	if !((c0 >= 'A' && c0 <= 'Z') || (c0 >= 'a' && c0 <= 'z')) {
		return fmt.Errorf("manifest: label %q must start with a letter", label)
	}
	for i := 1; i < len(label); i++ {
		c := label[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return fmt.Errorf("manifest: label %q contains invalid character %q", label, c)
		}
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("manifest: label %q exceeds %d characters", label, MaxLabelLength)
	}
	return nil
}

// validateValue checks the value grammar: no NUL/CR/LF, under the size cap.
func validateValue(value string) error {
	if len(value) >= MaxValueLength {
		return fmt.Errorf("manifest: value exceeds %d bytes", MaxValueLength)
	}
	for _, c := range value {
		if c == 0 || c == '\n' || c == '\r' {
			return fmt.Errorf("manifest: value contains a forbidden control character")
		}
	}
	return nil
}

// Package validation checks names that end up in the sync log and on the wire.
package validation

import (
	"fmt"
	"regexp"
)

// ModelTypePattern определяет допустимый формат имени модели
// Строчные латинские буквы, цифры и нижнее подчеркивание, первая буква обязательна
var ModelTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FieldNamePattern определяет допустимый формат имени JSON поля
var FieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	// MaxModelTypeLen максимальная длина имени модели
	MaxModelTypeLen = 64
	// MaxFieldNameLen максимальная длина имени поля
	MaxFieldNameLen = 128
)

// ValidateModelType checks a model type name. Model type names are stored in
// every log entry and must never change, so only simple snake_case names are
// accepted.
func ValidateModelType(name string) error {
	if name == "" {
		return fmt.Errorf("model type cannot be empty")
	}

	if len(name) > MaxModelTypeLen {
		return fmt.Errorf("model type must not exceed %d characters", MaxModelTypeLen)
	}

	if !ModelTypePattern.MatchString(name) {
		return fmt.Errorf("model type %q can only contain lowercase letters (a-z), numbers (0-9) and underscores (_), starting with a letter", name)
	}

	return nil
}

// ValidateFieldName checks a JSON field name used in foreign key mappings
// and field exclusion lists.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}

	if len(name) > MaxFieldNameLen {
		return fmt.Errorf("field name must not exceed %d characters", MaxFieldNameLen)
	}

	if !FieldNamePattern.MatchString(name) {
		return fmt.Errorf("field name %q can only contain letters, numbers and underscores", name)
	}

	return nil
}

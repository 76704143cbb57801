package httpclient

import "fmt"

// Validator inspects a decoded response before it is cached or returned.
// It returns the empty string when the shape is acceptable, otherwise the
// name of the failed check, which the client surfaces as
// "validation-failed:<name>".
type Validator func(v interface{}) string

// HasFields accepts JSON objects carrying every listed field.
func HasFields(fields ...string) Validator {
	return func(v interface{}) string {
		m, ok := v.(map[string]interface{})
		if !ok {
			return "has_fields:not_object"
		}
		for _, f := range fields {
			if _, ok := m[f]; !ok {
				return "has_fields:" + f
			}
		}
		return ""
	}
}

// IsArray accepts JSON arrays with at least minLen elements.
func IsArray(minLen int) Validator {
	return func(v interface{}) string {
		arr, ok := v.([]interface{})
		if !ok {
			return "is_array:not_array"
		}
		if len(arr) < minLen {
			return fmt.Sprintf("is_array:min_len_%d", minLen)
		}
		return ""
	}
}

// ArrayField accepts objects whose named field is an array with at least
// minLen elements.
func ArrayField(field string, minLen int) Validator {
	return func(v interface{}) string {
		m, ok := v.(map[string]interface{})
		if !ok {
			return "array_field:not_object"
		}
		arr, ok := m[field].([]interface{})
		if !ok {
			return "array_field:" + field
		}
		if len(arr) < minLen {
			return fmt.Sprintf("array_field:%s_min_len_%d", field, minLen)
		}
		return ""
	}
}

// All composes validators; the first failure wins.
func All(validators ...Validator) Validator {
	return func(v interface{}) string {
		for _, check := range validators {
			if name := check(v); name != "" {
				return name
			}
		}
		return ""
	}
}

// Copyright 2025 CompliK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config validates detector configuration and loads overrides
// from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StringRule validates string values
type StringRule struct {
	MinLength int
	MaxLength int
	Required  bool
	Pattern   *regexp.Regexp
}

func (r *StringRule) Validate(value interface{}) *ValidationError {
	str, ok := value.(string)
	if !ok {
		return invalidType(value, "a string")
	}

	if str == "" {
		if r.Required {
			return &ValidationError{Code: "REQUIRED", Message: "Field cannot be empty", Value: value}
		}
		return nil
	}

	length := len(str)
	if r.MinLength > 0 && length < r.MinLength {
		return &ValidationError{
			Code:    "MIN_LENGTH",
			Message: fmt.Sprintf("String length cannot be less than %d", r.MinLength),
			Value:   value,
		}
	}
	if r.MaxLength > 0 && length > r.MaxLength {
		return &ValidationError{
			Code:    "MAX_LENGTH",
			Message: fmt.Sprintf("String length cannot be greater than %d", r.MaxLength),
			Value:   value,
		}
	}
	if r.Pattern != nil && !r.Pattern.MatchString(str) {
		return &ValidationError{
			Code:    "PATTERN_MISMATCH",
			Message: fmt.Sprintf("String must match %s", r.Pattern.String()),
			Value:   value,
		}
	}
	return nil
}

// DurationRule validates time windows and timeouts
type DurationRule struct {
	Min time.Duration
	Max time.Duration
}

func (r *DurationRule) Validate(value interface{}) *ValidationError {
	duration, ok := value.(time.Duration)
	if !ok {
		return invalidType(value, "a duration")
	}

	if duration < r.Min {
		return &ValidationError{
			Code:    "MIN_DURATION",
			Message: fmt.Sprintf("Duration cannot be less than %v", r.Min),
			Value:   value,
		}
	}
	if r.Max > 0 && duration > r.Max {
		return &ValidationError{
			Code:    "MAX_DURATION",
			Message: fmt.Sprintf("Duration cannot be greater than %v", r.Max),
			Value:   value,
		}
	}
	return nil
}

// EnumRule validates values drawn from a fixed set
type EnumRule struct {
	AllowedValues []string
	CaseSensitive bool
}

func (r *EnumRule) Validate(value interface{}) *ValidationError {
	str, ok := value.(string)
	if !ok {
		return invalidType(value, "a string")
	}

	for _, allowed := range r.AllowedValues {
		if str == allowed || (!r.CaseSensitive && strings.EqualFold(str, allowed)) {
			return nil
		}
	}
	return &ValidationError{
		Code:    "INVALID_ENUM",
		Message: fmt.Sprintf("Value must be one of: %v", r.AllowedValues),
		Value:   value,
	}
}

// PathRule validates absolute filesystem paths. An empty path is valid.
type PathRule struct {
	MustExist bool
	IsDir     bool
}

func (r *PathRule) Validate(value interface{}) *ValidationError {
	str, ok := value.(string)
	if !ok {
		return invalidType(value, "a string")
	}
	if str == "" {
		return nil
	}

	if !filepath.IsAbs(str) {
		return &ValidationError{Code: "INVALID_PATH", Message: "Path must be an absolute path", Value: value}
	}
	if !r.MustExist {
		return nil
	}

	info, err := os.Stat(str)
	if os.IsNotExist(err) {
		return &ValidationError{Code: "PATH_NOT_EXIST", Message: "Path does not exist", Value: value}
	}
	if err != nil {
		return &ValidationError{Code: "ACCESS_ERROR", Message: "Cannot access path: " + err.Error(), Value: value}
	}
	if r.IsDir && !info.IsDir() {
		return &ValidationError{Code: "NOT_DIRECTORY", Message: "Path must be a directory", Value: value}
	}
	return nil
}

// SliceRule validates string lists, optionally checking every element
type SliceRule struct {
	ElementRule ValidationRule
	MinLength   int
	MaxLength   int
	AllowEmpty  bool
}

func (r *SliceRule) Validate(value interface{}) *ValidationError {
	slice, ok := value.([]string)
	if !ok {
		return invalidType(value, "a string list")
	}

	if len(slice) == 0 {
		if r.AllowEmpty {
			return nil
		}
		return &ValidationError{Code: "REQUIRED", Message: "List cannot be empty", Value: value}
	}
	if r.MinLength > 0 && len(slice) < r.MinLength {
		return &ValidationError{
			Code:    "MIN_LENGTH",
			Message: fmt.Sprintf("List length cannot be less than %d", r.MinLength),
			Value:   value,
		}
	}
	if r.MaxLength > 0 && len(slice) > r.MaxLength {
		return &ValidationError{
			Code:    "MAX_LENGTH",
			Message: fmt.Sprintf("List length cannot be greater than %d", r.MaxLength),
			Value:   value,
		}
	}

	if r.ElementRule != nil {
		for i, element := range slice {
			if err := r.ElementRule.Validate(element); err != nil {
				err.Message = fmt.Sprintf("element %d: %s", i, err.Message)
				return err
			}
		}
	}
	return nil
}

// PortRule validates TCP ports
type PortRule struct{}

func (r *PortRule) Validate(value interface{}) *ValidationError {
	port, verr := toInt(value)
	if verr != nil {
		return verr
	}
	if port < 1 || port > 65535 {
		return &ValidationError{
			Code:    "INVALID_PORT_RANGE",
			Message: "Port number must be in the range 1-65535",
			Value:   value,
		}
	}
	return nil
}

// NumberRule validates integer bounds
type NumberRule struct {
	Min *int
	Max *int
}

func (r *NumberRule) Validate(value interface{}) *ValidationError {
	num, verr := toInt(value)
	if verr != nil {
		return verr
	}

	if r.Min != nil && num < *r.Min {
		return &ValidationError{
			Code:    "MIN_VALUE",
			Message: fmt.Sprintf("Value cannot be less than %d", *r.Min),
			Value:   value,
		}
	}
	if r.Max != nil && num > *r.Max {
		return &ValidationError{
			Code:    "MAX_VALUE",
			Message: fmt.Sprintf("Value cannot be greater than %d", *r.Max),
			Value:   value,
		}
	}
	return nil
}

// IntPtr returns a pointer to v, for NumberRule bounds.
func IntPtr(v int) *int {
	return &v
}

func toInt(value interface{}) (int, *ValidationError) {
	switch v := value.(type) {
	case int:
		return v, nil
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, &ValidationError{Code: "INVALID_NUMBER", Message: "Value must be numeric", Value: value}
		}
		return parsed, nil
	default:
		return 0, invalidType(value, "an integer")
	}
}

func invalidType(value interface{}, want string) *ValidationError {
	return &ValidationError{
		Code:    "INVALID_TYPE",
		Message: "Value must be " + want,
		Value:   value,
	}
}

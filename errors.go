/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package zerv

import (
	"errors"
	"fmt"
)

// UnauthorizedError is the wire-level authentication failure delivered to
// clients inside unauthorized events and 401 responses. Code is one of the
// Code* constants.
type UnauthorizedError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewUnauthorizedError returns an UnauthorizedError with the given code and
// a human readable message.
func NewUnauthorizedError(code string, format string, args ...any) *UnauthorizedError {
	return &UnauthorizedError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	}
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Event returns the payload emitted on unauthorized socket events:
// {message, data: {code, type}}.
func (e *UnauthorizedError) Event() map[string]any {
	return map[string]any{
		"message": e.Message,
		"data": map[string]any{
			"code": e.Code,
			"type": "UnauthorizedError",
		},
	}
}

// UnauthorizedCode extracts the failure code from err, or "unknown" when err
// is not an UnauthorizedError.
func UnauthorizedCode(err error) string {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return CodeUnknown
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

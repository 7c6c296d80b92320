// Package util holds small helpers shared by the servers.
package util

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Convert decodes a JSON compatible value, such as a claims map, into T and
// validates the result using its validate tags. Raw JSON is accepted as []byte.
func Convert[T any](v any) (*T, error) {
	data, ok := v.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := validate.Struct(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

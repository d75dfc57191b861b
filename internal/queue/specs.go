package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidJSON = errors.New("invalid JSON")

// DecodeSpecs accepts a JSON array of job specs or a single spec object.
func DecodeSpecs(data []byte) ([]Spec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidJSON)
	}
	if data[0] == '[' {
		var specs []Spec
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return specs, nil
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return []Spec{spec}, nil
}

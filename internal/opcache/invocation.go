package opcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Status of an operation
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Input is the JSON-shaped input of an operation
type Input map[string]any

// FileRef points at one source file
type FileRef struct {
	Basename string `json:"basename"`
	Source   string `json:"source,omitempty"`
}

// Artifact is one file produced by an operation
type Artifact struct {
	Basename string `json:"basename"`
	Source   string `json:"source"`
	Type     string `json:"type,omitempty"`
	FitsURL  string `json:"fits_url,omitempty"`
}

// Output is the recorded result of a completed operation
type Output struct {
	OutputFiles []Artifact `json:"output_files"`
}

// Invocation is one request to run an operation. The key is derived from
// name and input, so identical requests share it.
type Invocation struct {
	Name  string `json:"name"`
	Input Input  `json:"input"`
	Key   string `json:"key"`
}

// NewInvocation normalizes input and computes the key
func NewInvocation(name string, input Input) (*Invocation, error) {
	normalized, err := NormalizeInput(input)
	if err != nil {
		return nil, err
	}

	key, err := keyOf(name, normalized)
	if err != nil {
		return nil, err
	}

	return &Invocation{Name: name, Input: normalized, Key: key}, nil
}

// GenerateKey returns the fingerprint of an operation request: the hex
// SHA-256 of the name followed by the canonical JSON of the normalized input
func GenerateKey(name string, input Input) (string, error) {
	normalized, err := NormalizeInput(input)
	if err != nil {
		return "", err
	}

	return keyOf(name, normalized)
}

func keyOf(name string, normalized Input) (string, error) {
	// encoding/json writes map keys in sorted order
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeInput returns a JSON-shaped copy of input in which every list of
// file references is sorted by basename. Nil input becomes empty.
func NormalizeInput(input Input) (Input, error) {
	normalized := Input{}
	if input == nil {
		return normalized, nil
	}

	// Round trip so typed values (structs, int slices) compare like their JSON
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}

	if err := DecodeInput(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}

	for field, value := range normalized {
		if list, ok := value.([]any); ok && isFileList(list) {
			sortFileList(list)
			normalized[field] = list
		}
	}

	return normalized, nil
}

// DecodeInput unmarshals JSON into v keeping numbers as json.Number, so large
// integers survive a round trip exactly
func DecodeInput(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	return dec.Decode(v)
}

// Float returns the number under field. ok is false when the field is absent.
func (in Input) Float(field string) (value float64, ok bool, err error) {
	v, present := in[field]
	if !present || v == nil {
		return 0, false, nil
	}

	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, true, fmt.Errorf("%s is not a number: %w", field, err)
		}
		return f, true, nil
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}

	return 0, true, fmt.Errorf("%s is not a number", field)
}

// Files decodes the file references under field. A missing field is empty.
func (in Input) Files(field string) ([]FileRef, error) {
	value, ok := in[field]
	if !ok || value == nil {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", field, err)
	}

	var refs []FileRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("%s is not a list of files: %w", field, err)
	}

	return refs, nil
}

// isFileList reports whether every element is an object with a basename
func isFileList(list []any) bool {
	if len(list) == 0 {
		return false
	}

	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}

		if _, ok := obj["basename"].(string); !ok {
			return false
		}
	}

	return true
}

func sortFileList(list []any) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].(map[string]any), list[j].(map[string]any)
		if a["basename"] != b["basename"] {
			return a["basename"].(string) < b["basename"].(string)
		}

		sa, _ := a["source"].(string)
		sb, _ := b["source"].(string)

		return sa < sb
	})
}

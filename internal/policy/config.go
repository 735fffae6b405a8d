package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// MethodEntry declares one allowed method on a type.
type MethodEntry struct {
	Name           string   `json:"name"`
	ParameterTypes []string `json:"parameterTypes,omitempty"`
}

// FieldEntry declares one allowed field on a type.
type FieldEntry struct {
	Name string `json:"name"`
}

// TypeEntry is one element of the access-declaration document.
type TypeEntry struct {
	Name               string        `json:"name"`
	Methods            []MethodEntry `json:"methods,omitempty"`
	Fields             []FieldEntry  `json:"fields,omitempty"`
	AllDeclaredMethods bool          `json:"allDeclaredMethods,omitempty"`
	AllDeclaredFields  bool          `json:"allDeclaredFields,omitempty"`
}

// typeRules is the compiled, immutable form of one TypeEntry.
type typeRules struct {
	allMethods bool
	allFields  bool
	methods    map[string]bool
	fields     map[string]bool
}

// Policy is an immutable set of allowed accesses. A nil *Policy means
// "no restriction configured"; callers skip classification entirely in
// that case. After Load returns the rule set never mutates, so
// IsAllowed is safe from any number of goroutines without locking.
type Policy struct {
	types map[string]*typeRules
}

// Load reads and compiles an access-declaration document. The document
// is a JSON array of type entries; any malformed entry or unknown
// field rejects the whole document — a policy is never partially
// applied. The returned hash is "sha256:<hex>" over the raw document
// bytes, recorded so a trace can be tied to the exact policy in force.
func Load(path string) (*Policy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("policy: read document: %w", err)
	}
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	p, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return p, hash, nil
}

// Parse compiles a raw access-declaration document.
func Parse(data []byte) (*Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var entries []TypeEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("policy: trailing content after document")
	}

	types := make(map[string]*typeRules, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("policy: entry %d: missing type name", i)
		}
		if _, dup := types[e.Name]; dup {
			return nil, fmt.Errorf("policy: entry %d: duplicate type %q", i, e.Name)
		}
		rules := &typeRules{
			allMethods: e.AllDeclaredMethods,
			allFields:  e.AllDeclaredFields,
			methods:    make(map[string]bool, len(e.Methods)),
			fields:     make(map[string]bool, len(e.Fields)),
		}
		for j, m := range e.Methods {
			if strings.TrimSpace(m.Name) == "" {
				return nil, fmt.Errorf("policy: entry %d (%s): method %d: missing name", i, e.Name, j)
			}
			rules.methods[m.Name] = true
		}
		for j, f := range e.Fields {
			if strings.TrimSpace(f.Name) == "" {
				return nil, fmt.Errorf("policy: entry %d (%s): field %d: missing name", i, e.Name, j)
			}
			rules.fields[f.Name] = true
		}
		types[e.Name] = rules
	}
	return &Policy{types: types}, nil
}

// Size returns the number of declared types.
func (p *Policy) Size() int {
	return len(p.types)
}

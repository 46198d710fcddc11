package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/boshu2/aion/internal/types"
)

// changeFile is the on-disk form of a change set. Content is given as
// text or, for arbitrary bytes, base64.
type changeFile struct {
	Operations []changeOp `json:"operations" yaml:"operations"`
}

type changeOp struct {
	Path          string  `json:"path" yaml:"path"`
	Action        string  `json:"action" yaml:"action"`
	Content       *string `json:"content,omitempty" yaml:"content,omitempty"`
	ContentBase64 *string `json:"content_base64,omitempty" yaml:"content_base64,omitempty"`
}

// parseChangeSet decodes a change set document. YAML is chosen by a .yaml
// or .yml extension; anything else is JSON with comments allowed, unless
// it does not start like JSON, in which case it is read as YAML.
func parseChangeSet(name string, data []byte) (types.ChangeSet, error) {
	var doc changeFile
	if isYAML(name, data) {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return types.ChangeSet{}, fmt.Errorf("parse %s as YAML: %w", name, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return types.ChangeSet{}, fmt.Errorf("parse %s as JSON: %w", name, err)
		}
	}

	cs := types.ChangeSet{Operations: make([]types.FileOperation, 0, len(doc.Operations))}
	for i, op := range doc.Operations {
		action, err := types.ParseFileAction(op.Action)
		if err != nil {
			return types.ChangeSet{}, fmt.Errorf("operation %d (%s): %w", i, op.Path, err)
		}
		fo := types.FileOperation{Path: op.Path, Action: action}
		switch {
		case op.Content != nil && op.ContentBase64 != nil:
			return types.ChangeSet{}, fmt.Errorf("operation %d (%s): content and content_base64 are mutually exclusive", i, op.Path)
		case op.Content != nil:
			fo.Content = []byte(*op.Content)
		case op.ContentBase64 != nil:
			raw, err := base64.StdEncoding.DecodeString(*op.ContentBase64)
			if err != nil {
				return types.ChangeSet{}, fmt.Errorf("operation %d (%s): decode content_base64: %w", i, op.Path, err)
			}
			fo.Content = raw
		}
		cs.Operations = append(cs.Operations, fo)
	}
	return cs, nil
}

func isYAML(name string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	case ".json", ".jsonc":
		return false
	}
	trimmed := bytes.TrimSpace(jsonc.ToJSON(data))
	return len(trimmed) > 0 && trimmed[0] != '{'
}

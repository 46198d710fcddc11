package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys and shortest-form integers, so equal values encode to equal bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("types: CBOR encoder initialization failed: " + err.Error())
	}
}

// normalizedOperation is the hashed form of a FileOperation. Absent and
// empty content hash identically.
type normalizedOperation struct {
	Path    string `cbor:"path"`
	Action  string `cbor:"action"`
	Content []byte `cbor:"content"`
}

// Normalize returns the operations sorted by path, then action, then
// content. Two change sets holding the same multiset of operations
// normalize identically regardless of input order.
func (cs ChangeSet) Normalize() []FileOperation {
	ops := make([]FileOperation, len(cs.Operations))
	copy(ops, cs.Operations)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		if ops[i].Action != ops[j].Action {
			return ops[i].Action < ops[j].Action
		}
		return bytes.Compare(ops[i].Content, ops[j].Content) < 0
	})
	return ops
}

// Digest returns the hex SHA-256 of the deterministic CBOR encoding of the
// normalized change set.
func (cs ChangeSet) Digest() (string, error) {
	ops := cs.Normalize()
	doc := make([]normalizedOperation, len(ops))
	for i, op := range ops {
		content := op.Content
		if content == nil {
			content = []byte{}
		}
		doc[i] = normalizedOperation{Path: op.Path, Action: string(op.Action), Content: content}
	}
	encoded, err := encMode.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode change set: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

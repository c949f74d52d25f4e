// JSON encoding helpers for message content parts. Each part marshals as a
// discriminated union carrying a Kind field so decode logic can recover the
// concrete type when snapshots and checkpoints are loaded.
package model

import "encoding/json"

// MarshalJSON encodes TextPart with its Kind discriminator.
func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindText, alias: alias(p)})
}

// MarshalJSON encodes ReasoningPart with its Kind discriminator.
func (p ReasoningPart) MarshalJSON() ([]byte, error) {
	type alias ReasoningPart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindReasoning, alias: alias(p)})
}

// MarshalJSON encodes ToolUsePart with its Kind discriminator.
func (p ToolUsePart) MarshalJSON() ([]byte, error) {
	type alias ToolUsePart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindToolUse, alias: alias(p)})
}

// MarshalJSON encodes ToolResultPart with its Kind discriminator.
func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	type alias ToolResultPart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindToolResult, alias: alias(p)})
}

// MarshalJSON encodes ImagePart with its Kind discriminator.
func (p ImagePart) MarshalJSON() ([]byte, error) {
	type alias ImagePart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindImage, alias: alias(p)})
}

// MarshalJSON encodes BinaryPart with its Kind discriminator.
func (p BinaryPart) MarshalJSON() ([]byte, error) {
	type alias BinaryPart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindBinary, alias: alias(p)})
}

// MarshalJSON encodes JSONPart with its Kind discriminator.
func (p JSONPart) MarshalJSON() ([]byte, error) {
	type alias JSONPart
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{Kind: PartKindJSON, alias: alias(p)})
}

package rag

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Document is one corpus record. It is never mutated after construction.
type Document struct {
	Title  string `json:"title" validate:"required"`
	Author string `json:"author" validate:"required"`
	Year   int    `json:"year" validate:"required"`
	Text   string `json:"text" validate:"required"`
}

var validate = validator.New()

// ParseDocument decodes one JSON record. Records that fail to decode or
// are missing a required field return ErrMalformedDocument.
func ParseDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := validate.Struct(&d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return d, nil
}

// payload renders the record as compact JSON for prompt assembly. Field
// order follows the struct declaration, so the output is deterministic.
func (d Document) payload() string {
	b, _ := json.Marshal(d)
	return string(b)
}

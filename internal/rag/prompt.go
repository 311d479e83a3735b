package rag

// DefaultInstructions is the instruction block prepended to every prompt.
// It tells the model to ground its answer in the supplied record and to
// cite the source afterwards.
const DefaultInstructions = `You are given one reference document as a JSON record. ` +
	`Answer the question using only the record's "text" field. ` +
	`After the answer, cite the document's title, author, and year.`

// PromptBuilder assembles generation prompts. It is stateless after
// construction and safe for concurrent use.
type PromptBuilder struct {
	instructions string
}

// NewPromptBuilder returns a builder using the given instruction block,
// or DefaultInstructions when empty.
func NewPromptBuilder(instructions string) *PromptBuilder {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return &PromptBuilder{instructions: instructions}
}

// Build concatenates the instruction block, the serialized document, and
// the raw question, each separated by a blank line. No truncation and no
// escaping: the prompt is a flat string contract with the generation
// model.
func (p *PromptBuilder) Build(query string, doc Document) string {
	return p.instructions + "\n\n" + doc.payload() + "\n\n" + query
}

package models

// FactCategory types a fact by the kind of conclusion it carries.
type FactCategory string

// Fact categories.
const (
	FactCodeStructure FactCategory = "code_structure"
	FactInference     FactCategory = "inference"
	FactPattern       FactCategory = "pattern"
	FactVerification  FactCategory = "verification"
	FactError         FactCategory = "error"
)

// Fact is a typed, confidence-weighted conclusion extracted from a tool
// output. A fact is active iff its id is not in the task's superseded set.
type Fact struct {
	ID         string       `yaml:"id"`
	Category   FactCategory `yaml:"category"`
	Statement  string       `yaml:"statement"`
	Confidence float64      `yaml:"confidence"`
	Source     string       `yaml:"source"` // "tool:rule"
	Step       int          `yaml:"step"`
	Supersedes string       `yaml:"supersedes,omitempty"`
}

// Package pipeline defines the contracts of the external processing
// collaborators the job executor drives. The executor depends only on each
// stage's pass/fail signal and summary counts; the actual validation,
// scanning, sanitization, parsing, persistence, and categorization logic
// lives behind these interfaces.
package pipeline

import "context"

// Record is one parsed unit of work handed to the persistence and
// categorization collaborators.
type Record map[string]any

// ValidationResult is the outcome of the validation collaborator.
type ValidationResult struct {
	Passed      bool
	Diagnostics []string
}

// ScanResult is the outcome of the malware scan collaborator.
type ScanResult struct {
	Clean       bool
	Diagnostics []string
}

// SanitizeResult is the outcome of the content sanitization collaborator.
type SanitizeResult struct {
	Safe    bool
	Content []byte
}

// ParseResult is the outcome of the parsing collaborator.
type ParseResult struct {
	Records []Record
	Errors  []string
}

// PersistResult is the outcome of persisting one batch of records.
type PersistResult struct {
	Count  int
	Errors []string
}

// CategorizeResult is the outcome of the categorization collaborator.
type CategorizeResult struct {
	Counts map[string]int
}

type Validator interface {
	Validate(ctx context.Context, payload []byte) (ValidationResult, error)
}

type Scanner interface {
	Scan(ctx context.Context, payload []byte) (ScanResult, error)
}

type Sanitizer interface {
	Sanitize(ctx context.Context, content []byte) (SanitizeResult, error)
}

type Parser interface {
	Parse(ctx context.Context, content []byte) (ParseResult, error)
}

type Persister interface {
	Persist(ctx context.Context, records []Record) (PersistResult, error)
}

type Categorizer interface {
	Categorize(ctx context.Context, records []Record) (CategorizeResult, error)
}

// Collaborators bundles the full pipeline in execution order.
type Collaborators struct {
	Validator   Validator
	Scanner     Scanner
	Sanitizer   Sanitizer
	Parser      Parser
	Persister   Persister
	Categorizer Categorizer
}

package pipeline

import (
	"bytes"
	"context"
	"fmt"
)

// Passthrough returns a minimal set of collaborators suitable for
// deployments where the real stage services are not yet wired in: payloads
// are accepted as long as they are non-empty, content passes through
// unchanged, and each line of the payload becomes one record.
func Passthrough() Collaborators {
	return Collaborators{
		Validator:   passthroughValidator{},
		Scanner:     passthroughScanner{},
		Sanitizer:   passthroughSanitizer{},
		Parser:      lineParser{},
		Persister:   countingPersister{},
		Categorizer: fieldCategorizer{},
	}
}

type passthroughValidator struct{}

func (passthroughValidator) Validate(_ context.Context, payload []byte) (ValidationResult, error) {
	if len(payload) == 0 {
		return ValidationResult{Passed: false, Diagnostics: []string{"empty payload"}}, nil
	}
	return ValidationResult{Passed: true}, nil
}

type passthroughScanner struct{}

func (passthroughScanner) Scan(_ context.Context, _ []byte) (ScanResult, error) {
	return ScanResult{Clean: true}, nil
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(_ context.Context, content []byte) (SanitizeResult, error) {
	return SanitizeResult{Safe: true, Content: content}, nil
}

// lineParser turns each non-empty line into a record.
type lineParser struct{}

func (lineParser) Parse(_ context.Context, content []byte) (ParseResult, error) {
	var result ParseResult
	for i, line := range bytes.Split(content, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		result.Records = append(result.Records, Record{
			"line":  i + 1,
			"value": string(line),
		})
	}
	if len(result.Records) == 0 {
		result.Errors = append(result.Errors, "no records found")
	}
	return result, nil
}

type countingPersister struct{}

func (countingPersister) Persist(_ context.Context, records []Record) (PersistResult, error) {
	return PersistResult{Count: len(records)}, nil
}

// fieldCategorizer buckets records by their "category" field.
type fieldCategorizer struct{}

func (fieldCategorizer) Categorize(_ context.Context, records []Record) (CategorizeResult, error) {
	counts := make(map[string]int)
	for _, rec := range records {
		category := "uncategorized"
		if v, ok := rec["category"]; ok {
			category = fmt.Sprint(v)
		}
		counts[category]++
	}
	return CategorizeResult{Counts: counts}, nil
}

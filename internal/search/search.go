// Package search implements the content-retrieval tools used to enrich
// research-role prompts. Each tool is an independently budgeted capability;
// unavailability of any tool is never an error for the caller.
package search

import "context"

// Tool is one external search/content-retrieval backend.
type Tool interface {
	// Name is the tool's budget capability name.
	Name() string
	// Available reports whether the tool's credential is present.
	Available() bool
	// Search returns formatted snippet text for the query.
	Search(ctx context.Context, query string) (string, error)
}

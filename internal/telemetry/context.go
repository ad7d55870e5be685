package telemetry

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every log record emitted with the carrying context.
type LogFields struct {
	Project       string // ADO project name
	Component     string // e.g. "sync.items", "sync.reviewers"
	WorkItemID    *int
	PullRequestID *int
	Reviewer      string
}

// WithLogFields enriches ctx with structured log fields.
// Multiple calls merge, newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from ctx, or an empty LogFields.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.Project != "" {
		result.Project = next.Project
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	if next.WorkItemID != nil {
		result.WorkItemID = next.WorkItemID
	}
	if next.PullRequestID != nil {
		result.PullRequestID = next.PullRequestID
	}
	if next.Reviewer != "" {
		result.Reviewer = next.Reviewer
	}

	return result
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

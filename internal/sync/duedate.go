package sync

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDueDate turns the ADO DueDate field into YYYY-MM-DD. Absent values
// yield "" silently; unparseable ones yield "" and a warning.
func ParseDueDate(ctx context.Context, raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format(time.DateOnly)
		}
	}

	slog.WarnContext(ctx, "Ignoring unparseable due date", "due_date", raw)
	return ""
}

package tagging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gistools/internal/records"
)

// ErrMissingField is returned when a record or target field is not a column
// of the record table.
var ErrMissingField = errors.New("tagging: field not found")

// Columner lists the columns of a table.
type Columner interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

// CheckColumns verifies, before anything is read or written, that the key,
// coordinate, value and target fields are all columns of table. Names match
// case-insensitively.
func CheckColumns(ctx context.Context, c Columner, table string, fields records.Fields, targets []string) error {
	cols, err := c.Columns(ctx, table)
	if err != nil {
		return fmt.Errorf("tagging: %w", err)
	}
	want := make([]string, 0, 3+len(fields.Values)+len(targets))
	want = append(want, fields.Key, fields.X, fields.Y)
	want = append(want, fields.Values...)
	want = append(want, targets...)

	var missing []string
	for _, name := range want {
		found := false
		for _, col := range cols {
			if strings.EqualFold(col, name) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, table+"."+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (available: %s)", ErrMissingField, strings.Join(missing, ", "), strings.Join(cols, ", "))
	}
	return nil
}

package internal

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/starford/waymark/internal/entityservice"
)

func writeReport(w io.Writer, r *entityservice.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

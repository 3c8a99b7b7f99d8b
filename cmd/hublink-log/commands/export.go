package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hublink/hublink-go/pkg/log"
)

// RunExport writes the events of path matching filter as JSON lines, to
// the file output or to w when output is empty. It returns the number of
// events written.
func RunExport(path string, filter log.Filter, output string, w io.Writer) (int, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return 0, fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	encoder := json.NewEncoder(w)
	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return count, fmt.Errorf("failed to encode event: %w", err)
		}
		count++
	}
}

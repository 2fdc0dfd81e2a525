package board

import (
	"fmt"
	"os"
	"time"
)

// logf writes a timestamped diagnostic line to stderr, the same
// fmt.Println-style diagnostic texture the teacher uses in its shard
// rebuild path (storage/shard.go) rather than pulling in a structured
// logging library the teacher never reaches for itself.
func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s board: %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

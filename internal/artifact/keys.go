package artifact

import "fmt"

// Artifact keys follow batches/<batch_id>/runs/<run_id>/<attempt>/<file>.
// Each attempt gets its own prefix so a retried run never clobbers the
// evidence left by earlier failed attempts.

// BatchPrefix returns the key prefix covering every artifact of a batch.
func BatchPrefix(batchID string) string {
	return fmt.Sprintf("batches/%s/", batchID)
}

// RunPrefix returns the key prefix covering every attempt of one run.
func RunPrefix(batchID string, runID int) string {
	return fmt.Sprintf("batches/%s/runs/%d/", batchID, runID)
}

// AttemptPrefix returns the key prefix for one attempt of one run.
func AttemptPrefix(batchID string, runID, attempt int) string {
	return fmt.Sprintf("batches/%s/runs/%d/%d/", batchID, runID, attempt)
}

// AttemptKey returns the full key for a named file of one attempt.
func AttemptKey(batchID string, runID, attempt int, name string) string {
	return AttemptPrefix(batchID, runID, attempt) + name
}

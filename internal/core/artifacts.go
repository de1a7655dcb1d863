package core

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"forestmc/internal/artifact"
)

// ArtifactPolicy decides which runs leave their working directory behind as
// stored artifacts. Crashed and failed attempts often hold the only evidence
// of what the simulator actually did, so the policy is explicit configuration
// rather than a guess.
type ArtifactPolicy string

const (
	// PreserveNone discards every working directory after the run. Default.
	PreserveNone ArtifactPolicy = "preserve-none"
	// PreserveFailed keeps working directories of failed runs only.
	PreserveFailed ArtifactPolicy = "preserve-failed"
	// PreserveAll keeps every run's working directory.
	PreserveAll ArtifactPolicy = "preserve-all"
)

// Valid reports whether p is a known policy.
func (p ArtifactPolicy) Valid() bool {
	switch p {
	case PreserveNone, PreserveFailed, PreserveAll:
		return true
	}
	return false
}

// preserves reports whether a run with the given terminal status keeps its
// working directory.
func (p ArtifactPolicy) preserves(status RunStatus) bool {
	switch p {
	case PreserveAll:
		return true
	case PreserveFailed:
		return status == RunFailed
	}
	return false
}

// ParseArtifactPolicy accepts both the canonical policy names and the short
// CLI spellings none|failed|all.
func ParseArtifactPolicy(s string) (ArtifactPolicy, error) {
	switch strings.TrimSpace(s) {
	case "", "none", string(PreserveNone):
		return PreserveNone, nil
	case "failed", string(PreserveFailed):
		return PreserveFailed, nil
	case "all", string(PreserveAll):
		return PreserveAll, nil
	}
	return "", fmt.Errorf("unknown artifact policy %q", s)
}

// uploadLimit bounds concurrent uploads per run directory.
const uploadLimit = 4

// uploadRunArtifacts copies a run's preserved files into the artifact store
// under the attempt's key prefix. When files is empty the whole directory is
// walked, which is the failure path: a failed or crashed run never reported
// which files matter, so everything it left behind is evidence.
func uploadRunArtifacts(ctx context.Context, store artifact.Store, batchID string, runID, attempt int, dir string, files []string) error {
	if len(files) == 0 {
		var err error
		files, err = collectFiles(dir)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadLimit)
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			path := filepath.Join(dir, filepath.FromSlash(rel))
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open artifact %s: %w", rel, err)
			}
			defer f.Close()
			key := artifact.AttemptKey(batchID, runID, attempt, rel)
			opts := artifact.PutOptions{
				ContentType: contentTypeFor(rel),
				Metadata: map[string]string{
					"run_id":  strconv.Itoa(runID),
					"attempt": strconv.Itoa(attempt),
				},
			}
			if _, err := store.Put(ctx, key, f, opts); err != nil {
				return fmt.Errorf("upload artifact %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// collectFiles lists every regular file under dir as a slash-separated path
// relative to dir.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain; charset=utf-8"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}

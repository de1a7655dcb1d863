package artifact

import (
	"context"
	"fmt"
	"os"
)

// Open selects an artifact Store implementation using environment variables.
//
//	FORESTMC_ARTIFACT_DRIVER: fs|s3|memory (default fs)
//	FORESTMC_ARTIFACT_FS_ROOT: directory root when driver=fs (default ./artifacts)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("FORESTMC_ARTIFACT_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("FORESTMC_ARTIFACT_FS_ROOT")
		return NewFilesystem(root)
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown artifact driver %s", driver)
	}
}

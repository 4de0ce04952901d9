package archive

import (
	"context"
	"fmt"
	"os"
)

// Open selects a Store implementation using environment variables.
//
//	HEALTHCORE_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	HEALTHCORE_ARCHIVE_DIR: directory root when driver=fs (default ./archivedata)
//	(S3 specific variables documented on OpenS3FromEnv)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("HEALTHCORE_ARCHIVE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("HEALTHCORE_ARCHIVE_DIR"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

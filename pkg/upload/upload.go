// Package upload publishes exported run documents to object storage.
package upload

import (
	"context"

	"github.com/ethpandaops/journeyoor/pkg/execution"
)

// Uploader uploads run reports to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun uploads the run document and its markdown summary under
	// prefix + "/" + RunDir(data) and returns that key prefix.
	UploadRun(ctx context.Context, data *execution.Data, markdown string) (string, error)
}

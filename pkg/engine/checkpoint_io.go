package engine

import (
	"os"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// writeCheckpointFile is a thin os.MkdirAll/os.WriteFile wrapper. Plain
// file IO has no domain library in the pack worth reaching for here (the
// bytes are already BSON+zstd by the time they reach this function); see
// DESIGN.md.
func writeCheckpointFile(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return kerrors.Wrap(err, "create checkpoints directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return kerrors.Wrap(err, "write checkpoint file")
	}
	return nil
}

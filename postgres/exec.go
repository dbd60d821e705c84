package postgres

import (
	"context"
	"os/exec"
)

func runPgRewind(ctx context.Context, bin, dataDir, sourceConnInfo string) error {
	cmd := exec.CommandContext(ctx, bin,
		"--target-pgdata", dataDir,
		"--source-server", sourceConnInfo,
		"--progress",
	)
	return cmd.Run()
}

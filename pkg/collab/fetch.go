package collab

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// artifactFetcher pulls a file from a builder to the local filesystem.
// *ssh.Client satisfies it.
type artifactFetcher interface {
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
}

// FetchingConverter converts the coverage artifact on the builder and then
// pulls the portable report back, so the upload reads a real local file
// instead of a path that only exists on the remote host.
type FetchingConverter struct {
	inner   engine.CoverageConverter
	fetcher artifactFetcher
	workDir string
	logger  *telemetry.Logger
}

// NewFetchingConverter wraps a converter whose commands run on a builder.
// workDir is the builder's working directory; relative artifact paths are
// resolved against it before the fetch.
func NewFetchingConverter(inner engine.CoverageConverter, fetcher artifactFetcher, workDir string, logger *telemetry.Logger) *FetchingConverter {
	return &FetchingConverter{
		inner:   inner,
		fetcher: fetcher,
		workDir: workDir,
		logger:  logger.NewComponentLogger("coverage"),
	}
}

// Convert converts remotely and returns the local path of the fetched
// portable report.
func (c *FetchingConverter) Convert(ctx context.Context, nativePath string) (string, error) {
	remotePath, err := c.inner.Convert(ctx, nativePath)
	if err != nil {
		return "", err
	}

	// Collaborator commands run under the builder's work dir, so the
	// converter reports paths relative to it. SFTP resolves relative
	// paths against the login directory instead.
	fetchPath := remotePath
	if c.workDir != "" && !path.IsAbs(fetchPath) {
		fetchPath = path.Join(c.workDir, fetchPath)
	}

	stageDir, err := os.MkdirTemp("", "envmatrix-coverage-")
	if err != nil {
		return "", fmt.Errorf("failed to stage coverage artifact: %w", err)
	}
	localPath := filepath.Join(stageDir, path.Base(remotePath))

	if err := c.fetcher.DownloadFile(ctx, fetchPath, localPath); err != nil {
		return "", fmt.Errorf("failed to fetch coverage artifact: %w", err)
	}

	c.logger.Debug().
		Str("remote", fetchPath).
		Str("local", localPath).
		Msg("coverage artifact fetched from builder")

	return localPath, nil
}

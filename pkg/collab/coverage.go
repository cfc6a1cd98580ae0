package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// CoverageXMLConverter converts a native coverage artifact to the portable
// XML report the aggregation service accepts.
type CoverageXMLConverter struct {
	runner Runner
	logger *telemetry.Logger
}

// NewCoverageXMLConverter creates a converter.
func NewCoverageXMLConverter(runner Runner, logger *telemetry.Logger) *CoverageXMLConverter {
	return &CoverageXMLConverter{
		runner: runner,
		logger: logger.NewComponentLogger("coverage"),
	}
}

// Convert produces the portable report next to the native artifact.
func (c *CoverageXMLConverter) Convert(ctx context.Context, nativePath string) (string, error) {
	portablePath := nativePath + ".xml"

	cmd := fmt.Sprintf("python -m coverage xml --data-file '%s' -o '%s'", nativePath, portablePath)
	result, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("coverage conversion failed to run: %w", err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("coverage conversion exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	c.logger.Debug().
		Str("native", nativePath).
		Str("portable", portablePath).
		Msg("coverage artifact converted")

	return portablePath, nil
}

// CoverallsClient talks to the hosted coverage aggregation service. Each
// cell uploads its shard marked non-final; Finish fires the merge webhook
// once every shard is in.
type CoverallsClient struct {
	baseURL string
	token   string
	runTag  string
	client  *http.Client
	logger  *telemetry.Logger
}

// NewCoverallsClient creates a client from the pipeline coverage settings.
// The repo token is read from the configured environment variable.
func NewCoverallsClient(cfg config.CoverageConfig, runTag string, logger *telemetry.Logger) *CoverallsClient {
	return &CoverallsClient{
		baseURL: cfg.ServiceURL,
		token:   os.Getenv(cfg.TokenEnv),
		runTag:  runTag,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.NewComponentLogger("coveralls"),
	}
}

type uploadPayload struct {
	RepoToken    string `json:"repo_token"`
	ServiceName  string `json:"service_name"`
	ServiceJobID string `json:"service_job_id"`
	ServiceTag   string `json:"service_number,omitempty"`
	Parallel     bool   `json:"parallel"`
}

// Upload posts one shard's portable report.
func (c *CoverallsClient) Upload(ctx context.Context, portablePath, shardTag string, final bool) error {
	report, err := os.Open(portablePath)
	if err != nil {
		return fmt.Errorf("failed to open coverage report: %w", err)
	}
	defer report.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	payload := uploadPayload{
		RepoToken:    c.token,
		ServiceName:  "envmatrix",
		ServiceJobID: shardTag,
		ServiceTag:   c.runTag,
		Parallel:     !final,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode upload payload: %w", err)
	}
	if err := writer.WriteField("json", string(payloadJSON)); err != nil {
		return fmt.Errorf("failed to write payload field: %w", err)
	}

	part, err := writer.CreateFormFile("report", shardTag+".xml")
	if err != nil {
		return fmt.Errorf("failed to create report part: %w", err)
	}
	if _, err := io.Copy(part, report); err != nil {
		return fmt.Errorf("failed to write report part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", &body)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("coverage upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coverage upload rejected with status %d: %s", resp.StatusCode, msg)
	}

	c.logger.Debug().
		Str("shard", shardTag).
		Bool("final", final).
		Msg("coverage shard uploaded")

	return nil
}

type finishPayload struct {
	RepoToken string `json:"repo_token"`
	Payload   struct {
		Build  string `json:"build_num"`
		Status string `json:"status"`
	} `json:"payload"`
}

// Finish signals the service that every shard is uploaded and the run's
// coverage can be merged.
func (c *CoverallsClient) Finish(ctx context.Context) error {
	payload := finishPayload{RepoToken: c.token}
	payload.Payload.Build = c.runTag
	payload.Payload.Status = "done"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode finish payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build finish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("coverage finish failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coverage finish rejected with status %d: %s", resp.StatusCode, msg)
	}

	c.logger.Info().Str("build", c.runTag).Msg("coverage aggregation finished")
	return nil
}

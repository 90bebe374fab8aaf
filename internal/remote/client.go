package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
)

// ClientConfig holds remote predictor client configuration
type ClientConfig struct {
	HTTP    *http.Client
	IDs     protpred.IDGenerator
	Mode    protpred.Mode
	WorkDir string // where file-backed results are materialized (default: os.TempDir())
	Ext     string // per-item file extension in directory mode (default: ".ss2")
}

// Client is a Predictor that ships batches to a remote Server.
type Client struct {
	http    *http.Client
	baseURL string
	cfg     ClientConfig
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, cfg ClientConfig) (*Client, error) {
	if cfg.Mode == "" {
		cfg.Mode = protpred.ModeMapping
	}
	if _, err := protpred.ParseMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("%w: %q", err, cfg.Mode)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.IDs == nil {
		cfg.IDs = protpred.UUIDGenerator{}
	}
	if cfg.Ext == "" {
		cfg.Ext = ".ss2"
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		// No overall timeout: a batch can run for a long time. Callers bound
		// it with the context passed to Predict.
		httpClient = &http.Client{}
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
	}, nil
}

// Health checks that the server is up and speaks a compatible protocol.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	ok, err := protocol.IsCompatibleVersion(health.Version, protocol.Version)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(protocol.CompatibilityError("server", health.Version, protocol.Version))
	}
	return nil
}

// Predict runs batch on the server and materializes the returned
// predictions in the configured mode.
func (c *Client) Predict(ctx context.Context, batch protpred.Batch) (protpred.WorkerResult, error) {
	entries, err := c.call(ctx, batch)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(c.cfg.WorkDir, fmt.Sprintf("batch-%d-%s", batch.Index, c.cfg.IDs.NewID()))

	switch c.cfg.Mode {
	case protpred.ModeAppend:
		path := base + ".out"
		if err := writeAppendFile(path, entries); err != nil {
			os.Remove(path)
			return nil, &protpred.PredictorError{Batch: batch.Index, Err: err}
		}
		return &protpred.AppendFileResult{Batch: batch.Index, Path: path}, nil

	case protpred.ModeDirectory:
		keys, err := writeDirectory(base, c.cfg.Ext, entries)
		if err != nil {
			os.RemoveAll(base)
			return nil, &protpred.PredictorError{Batch: batch.Index, Err: err}
		}
		return &protpred.DirectoryResult{Batch: batch.Index, Dir: base, Keys: keys}, nil
	}

	return &protpred.MappingResult{Batch: batch.Index, Entries: entries}, nil
}

func (c *Client) call(ctx context.Context, batch protpred.Batch) ([]protpred.Prediction, error) {
	fail := func(err error, stderr string) ([]protpred.Prediction, error) {
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: err, Stderr: stderr}
	}

	body, err := json.Marshal(protocol.PredictRequest{Index: batch.Index, Start: batch.Start, Items: batch.Items})
	if err != nil {
		return fail(err, "")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", bytes.NewReader(body))
	if err != nil {
		return fail(err, "")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.VersionHeader, protocol.Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fail(fmt.Errorf("remote worker returned %s", resp.Status), strings.TrimSpace(string(msg)))
	}

	var out protocol.PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fail(fmt.Errorf("decode response: %w", err), "")
	}
	if !out.Success {
		return fail(errors.New(out.Error), out.Stderr)
	}
	if out.Index != batch.Index {
		return fail(fmt.Errorf("response for batch %d", out.Index), "")
	}

	return out.Entries, nil
}

func writeAppendFile(path string, entries []protpred.Prediction) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for _, p := range entries {
		if err := protpred.WriteBlock(w, p.Key, p.Text); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

func writeDirectory(dir, ext string, entries []protpred.Prediction) ([]string, error) {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, p := range entries {
		path := filepath.Join(dir, protpred.EncodeKey(p.Key)+ext)
		if err := os.WriteFile(path, []byte(p.Text), 0o644); err != nil {
			return nil, err
		}
		keys = append(keys, p.Key)
	}

	return keys, nil
}

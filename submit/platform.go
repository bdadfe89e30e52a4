package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

// HTTPPlatform talks to the inference platform's REST API.
type HTTPPlatform struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewHTTPPlatform builds a client for the given endpoint.
func NewHTTPPlatform(endpoint string, timeout time.Duration, log *logrus.Entry) *HTTPPlatform {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPlatform{
		baseURL:    strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type createJobRequest struct {
	Name       string `json:"name"`
	PipelineID string `json:"pipelineId"`
	Priority   string `json:"priority"`
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

type uploadPayloadResponse struct {
	PayloadID string `json:"payloadId"`
}

// CreateJob registers a job against a pipeline.
func (p *HTTPPlatform) CreateJob(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(createJobRequest{
		Name:       job.Name,
		PipelineID: job.PipelineID,
		Priority:   string(job.Priority),
	})
	if err != nil {
		return "", err
	}

	var out createJobResponse
	if err := p.do(ctx, http.MethodPost, "/jobs", "application/json", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", adperrors.Ef(adperrors.KindPermanentRemote, "platform.create", "platform returned no job id")
	}
	return out.JobID, nil
}

// UploadPayload streams every file in payloadDir as one multipart upload.
func (p *HTTPPlatform) UploadPayload(ctx context.Context, jobID, payloadDir string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", adperrors.E(adperrors.KindTransientIO, "platform.upload", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		part, err := w.CreateFormFile("files", entry.Name())
		if err != nil {
			return "", err
		}
		f, err := os.Open(filepath.Join(payloadDir, entry.Name()))
		if err != nil {
			return "", adperrors.E(adperrors.KindTransientIO, "platform.upload", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return "", adperrors.E(adperrors.KindTransientIO, "platform.upload", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var out uploadPayloadResponse
	path := fmt.Sprintf("/jobs/%s/payloads", jobID)
	if err := p.do(ctx, http.MethodPost, path, w.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	return out.PayloadID, nil
}

// StartJob starts a created and populated job.
func (p *HTTPPlatform) StartJob(ctx context.Context, jobID string) error {
	return p.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%s/start", jobID), "application/json", nil, nil)
}

func (p *HTTPPlatform) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "platform.call", err)
	}
	defer resp.Body.Close()
	p.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("platform call")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return adperrors.Ef(adperrors.KindTransientRemote, "platform.call",
			"%s %s: %d %s", method, path, resp.StatusCode, http.StatusText(resp.StatusCode))
	default:
		return adperrors.Ef(adperrors.KindPermanentRemote, "platform.call",
			"%s %s: %d %s", method, path, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return adperrors.E(adperrors.KindPermanentRemote, "platform.call", err)
		}
	}
	return nil
}

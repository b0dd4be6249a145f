package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// BeginRequest describes a new transfer to the authorization service.
type BeginRequest struct {
	Key         string `json:"object_key"`
	ContentType string `json:"content_type"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// BeginResponse is the authorization service's answer to BeginRequest. The
// service may rewrite the requested key; Key is authoritative from here on.
type BeginResponse struct {
	TransferID    string `json:"transfer_id"`
	Key           string `json:"object_key"`
	PartSizeBytes int64  `json:"part_size_bytes"`
	PartCount     int    `json:"part_count"`
}

// Grant is a short-lived, single-use authorization to upload exactly one
// part. Grants expire within minutes and must never be cached across retry
// attempts: request a fresh one per attempt.
type Grant struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	PartNumber int               `json:"part_number"`
}

// CompletedPart pairs an uploaded part number with the integrity tag the
// storage backend returned for it.
type CompletedPart struct {
	PartNumber   int    `json:"part_number"`
	IntegrityTag string `json:"integrity_tag"`
}

// FinalizeResponse acknowledges the assembly of all parts into the final
// object.
type FinalizeResponse struct {
	Confirmed bool   `json:"confirmed"`
	Key       string `json:"object_key"`
}

type authorizePartRequest struct {
	Key        string `json:"object_key"`
	PartNumber int    `json:"part_number"`
}

type finalizeRequest struct {
	Key   string          `json:"object_key"`
	Parts []CompletedPart `json:"parts"`
}

// APIClient talks to the application's authorization service. Transient
// transport failures are retried by the underlying retryable HTTP client;
// semantic failures are mapped to the package's sentinel errors.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// BeginTransfer registers a new multipart transfer and returns its identity
// and part layout.
func (c *APIClient) BeginTransfer(ctx context.Context, request BeginRequest) (BeginResponse, error) {
	apiURL := fmt.Sprintf("%s/multipart-uploads", c.baseURL)

	body, err := json.Marshal(request)
	if err != nil {
		return BeginResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return BeginResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BeginResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return BeginResponse{}, statusError(resp)
	}

	var response BeginResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return BeginResponse{}, err
	}

	return response, nil
}

// AuthorizePart requests a fresh single-use upload grant for one part. It
// must be called again for every retry attempt because grants are not
// reusable.
func (c *APIClient) AuthorizePart(ctx context.Context, transferID, key string, partNumber int) (Grant, error) {
	apiURL := fmt.Sprintf("%s/multipart-uploads/%s/parts", c.baseURL, url.PathEscape(transferID))

	body, err := json.Marshal(authorizePartRequest{
		Key:        key,
		PartNumber: partNumber,
	})
	if err != nil {
		return Grant{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Grant{}, statusError(resp)
	}

	var grant Grant
	err = json.NewDecoder(resp.Body).Decode(&grant)
	if err != nil {
		return Grant{}, err
	}
	if grant.Method == "" {
		grant.Method = http.MethodPut
	}

	return grant, nil
}

// Finalize tells the authorization service that every part is uploaded and
// the backend should assemble the final object. Parts must be sorted
// ascending by part number; the service requires that ordering.
func (c *APIClient) Finalize(ctx context.Context, transferID, key string, parts []CompletedPart) (FinalizeResponse, error) {
	apiURL := fmt.Sprintf("%s/multipart-uploads/%s/complete", c.baseURL, url.PathEscape(transferID))

	body, err := json.Marshal(finalizeRequest{
		Key:   key,
		Parts: parts,
	})
	if err != nil {
		return FinalizeResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return FinalizeResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FinalizeResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return FinalizeResponse{}, statusError(resp)
	}

	var response FinalizeResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return FinalizeResponse{}, err
	}
	return response, nil
}

// Discard releases backend-side storage resources held by an abandoned
// transfer. It is idempotent: discarding a transfer that is already gone is
// not an error.
func (c *APIClient) Discard(ctx context.Context, transferID, key string) error {
	apiURL := fmt.Sprintf("%s/multipart-uploads/%s?object_key=%s", c.baseURL, url.PathEscape(transferID), url.QueryEscape(key))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		// Already discarded or finalized server-side.
		return nil
	default:
		return statusError(resp)
	}
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	err := body.Close()
	if err != nil {
		c.logger.Printf(err.Error())
	}
}

func statusError(resp *http.Response) error {
	var buf bytes.Buffer
	_, err := io.CopyN(&buf, resp.Body, 1024)
	if err != nil && err != io.EOF {
		return err
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d: %s", ErrInvalidRequest, resp.StatusCode, buf.String())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuthRejected, resp.StatusCode, buf.String())
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransferNotFound, resp.StatusCode, buf.String())
	case http.StatusConflict:
		return fmt.Errorf("%w: HTTP %d: %s", ErrPartMismatch, resp.StatusCode, buf.String())
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, buf.String())
	}
}

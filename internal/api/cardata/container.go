package cardata

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// ContainerSignature returns a stable signature for a descriptor set, used to
// detect when a stored container no longer matches the requested descriptors.
func ContainerSignature(descriptors []string) string {
	seen := make(map[string]struct{}, len(descriptors))
	normalized := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		normalized = append(normalized, d)
	}
	sort.Strings(normalized)
	digest := sha1.Sum([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(digest[:])
}

type containerRequest struct {
	Name                 string   `json:"name"`
	Purpose              string   `json:"purpose"`
	TechnicalDescriptors []string `json:"technicalDescriptors"`
}

type containerResponse struct {
	ContainerID          string   `json:"containerId"`
	Name                 string   `json:"name"`
	TechnicalDescriptors []string `json:"technicalDescriptors"`
}

// EnsureContainer verifies that the HV battery telematic container exists
// and still carries the expected descriptor set, creating a fresh one when
// the known id is empty, gone, or drifted. It returns the container id to
// use for telematic data requests.
func (c *Client) EnsureContainer(ctx context.Context, accessToken, knownID string) (string, error) {
	if knownID != "" {
		matches, err := c.containerMatches(ctx, accessToken, knownID)
		if err != nil {
			return "", err
		}
		if matches {
			return knownID, nil
		}
	}
	return c.createContainer(ctx, accessToken)
}

// containerMatches reports whether the stored container still requests the
// HV battery descriptor set. A container edited or recreated out of band
// would silently return the wrong fields otherwise.
func (c *Client) containerMatches(ctx context.Context, accessToken, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/customers/containers/"+id, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-version", c.apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("check container: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var stored containerResponse
		if err := json.Unmarshal(body, &stored); err != nil {
			return false, fmt.Errorf("decode container: %w", err)
		}
		return ContainerSignature(stored.TechnicalDescriptors) == ContainerSignature(HVBatteryDescriptors), nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &APIError{Status: resp.StatusCode, Body: "container lookup failed"}
	}
}

func (c *Client) createContainer(ctx context.Context, accessToken string) (string, error) {
	payload, err := json.Marshal(containerRequest{
		Name:                 hvContainerName,
		Purpose:              hvContainerPurpose,
		TechnicalDescriptors: HVBatteryDescriptors,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/customers/containers", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var created containerResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("decode container response: %w", err)
	}
	if created.ContainerID == "" {
		return "", fmt.Errorf("container response missing containerId")
	}
	return created.ContainerID, nil
}

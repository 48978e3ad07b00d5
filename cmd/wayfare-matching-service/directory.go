// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wayfare-travel/wayfare/lib/codec"
	"github.com/wayfare-travel/wayfare/matching"
)

// DirectoryClient fetches candidate agents from the agent-directory
// service. The directory owns availability and profile data; the
// matching engine treats the response as an immutable snapshot.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryClient creates a directory client. The caller sets the
// per-fetch deadline through the context; httpClient may carry an
// overall safety timeout.
func NewDirectoryClient(baseURL string, httpClient *http.Client) *DirectoryClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DirectoryClient{baseURL: baseURL, httpClient: httpClient}
}

type candidateSearchRequest struct {
	Request          matching.TripRequest `cbor:"request"`
	ExcludedAgentIDs []string             `cbor:"excluded_agent_ids,omitempty"`
}

type candidateSearchResponse struct {
	Candidates []matching.AgentCandidate `cbor:"candidates"`
}

// FetchCandidates implements matching.CandidateRepository. An empty
// result is a normal response, not an error.
func (c *DirectoryClient) FetchCandidates(ctx context.Context, request matching.TripRequest, excludedAgentIDs []string) ([]matching.AgentCandidate, error) {
	body, err := codec.Marshal(candidateSearchRequest{
		Request:          request,
		ExcludedAgentIDs: excludedAgentIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: encoding search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/candidates/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("directory: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/cbor")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("directory: searching candidates: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("directory: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: search returned HTTP %d", resp.StatusCode)
	}

	var decoded candidateSearchResponse
	if err := codec.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("directory: decoding response: %w", err)
	}
	return decoded.Candidates, nil
}

// Package client is the outbound library for the accounts API. It speaks the
// same ok/err envelope the gateway produces and surfaces server-side error
// codes unchanged, so callers branch on accounts.ErrCode on both sides of the
// wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/alexvas/accounts"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the API at baseURL, e.g. "http://localhost:3000".
// A nil httpClient falls back to http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Accounts lists all accounts of the user.
func (c *Client) Accounts(ctx context.Context, userID uuid.UUID) ([]accounts.Account, error) {
	return call[[]accounts.Account](ctx, c, http.MethodGet,
		fmt.Sprintf("/v1/users/%s/accounts", userID), nil, nil)
}

// OutgoingT9ns fetches a page of transfers sent by the user. A nil last means
// the first page.
func (c *Client) OutgoingT9ns(ctx context.Context, userID uuid.UUID, last *uuid.UUID, limit int) ([]accounts.T9n, error) {
	return c.t9nPage(ctx, fmt.Sprintf("/v1/users/%s/t9ns/outgoing", userID), last, limit)
}

// IncomingT9ns fetches a page of transfers addressed to the user.
func (c *Client) IncomingT9ns(ctx context.Context, userID uuid.UUID, last *uuid.UUID, limit int) ([]accounts.T9n, error) {
	return c.t9nPage(ctx, fmt.Sprintf("/v1/users/%s/t9ns/incoming", userID), last, limit)
}

func (c *Client) t9nPage(ctx context.Context, path string, last *uuid.UUID, limit int) ([]accounts.T9n, error) {
	if limit <= 0 {
		return nil, accounts.BadRequest("limit must be positive")
	}

	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if last != nil {
		query.Set("last", last.String())
	}

	return call[[]accounts.T9n](ctx, c, http.MethodGet, path, query, nil)
}

type createT9nRequest struct {
	FromAccount string `json:"from_account"`
	ToUser      string `json:"to_user"`
	Amount      int64  `json:"amount"`
}

// CreateT9n creates a transfer idempotently on externalID: retrying with the
// same arguments returns the same transfer.
func (c *Client) CreateT9n(
	ctx context.Context,
	userID, externalID, fromAccount, recipient uuid.UUID,
	amount int64,
) (*accounts.T9n, error) {
	if err := accounts.ValidateTransfer(userID, recipient, amount); err != nil {
		return nil, err
	}

	body := createT9nRequest{
		FromAccount: fromAccount.String(),
		ToUser:      recipient.String(),
		Amount:      amount,
	}

	t9n, err := call[accounts.T9n](ctx, c, http.MethodPut,
		fmt.Sprintf("/v1/users/%s/t9ns/%s", userID, externalID), nil, body)
	if err != nil {
		return nil, err
	}
	return &t9n, nil
}

// envelope mirrors the gateway's response shape: exactly one of ok and err
// is set.
type envelope struct {
	OK  json.RawMessage `json:"ok"`
	Err *accounts.Err   `json:"err"`
}

func call[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (T, error) {
	var zero T

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return zero, accounts.Errf(accounts.CodeCallError, "encode request: %v", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, &reqBody)
	if err != nil {
		return zero, accounts.Errf(accounts.CodeCallError, "build request %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, accounts.Errf(accounts.CodeCallError, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return zero, accounts.Errf(accounts.CodeBadServerResponse,
			"%s %s: status %d, undecodable body: %v", method, path, resp.StatusCode, err)
	}

	if env.Err != nil {
		return zero, env.Err
	}
	if env.OK == nil {
		return zero, accounts.Errf(accounts.CodeBadServerResponse,
			"%s %s: status %d, empty response", method, path, resp.StatusCode)
	}

	var value T
	if err := json.Unmarshal(env.OK, &value); err != nil {
		return zero, accounts.Errf(accounts.CodeBadServerResponse, "%s %s: decode ok value: %v", method, path, err)
	}

	return value, nil
}

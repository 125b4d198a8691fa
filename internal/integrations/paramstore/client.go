// Package paramstore reads deployment secrets (webhook verify token, bot
// credentials) from AWS SSM Parameter Store under a fixed prefix.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is what consumers depend on instead of the concrete *Client, so
// they stay testable without real AWS calls.
type Getter interface {
	Get(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for prefix-scoped parameter retrieval.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client reading parameters under the given prefix, e.g.
// prefix "/botstore/prod" and name "verify-token" resolve
// "/botstore/prod/verify-token".
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: prefix must not be empty")
	}
	return &Client{api: api, prefix: prefix}, nil
}

// Get fetches and decrypts one parameter under the client's prefix.
func (c *Client) Get(ctx context.Context, name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	full := c.prefix + "/" + name

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &full,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", full, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", full)
	}
	return *out.Parameter.Value, nil
}

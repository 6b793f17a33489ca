// ABOUTME: AWS SSM Parameter Store client used to resolve ssm: secret references
// ABOUTME: Decrypts SecureString parameters and memoizes each name for the process lifetime

package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client the paramstore uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a parameter name to its value. Config depends on this
// rather than *Client so it can be tested without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads parameters from SSM with decryption.
type Client struct {
	api ssmAPI

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Client over the given SSM API.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, cache: make(map[string]string)}, nil
}

// NewFromEnvironment builds a Client from the default AWS credential chain.
// An empty region defers to AWS_REGION and shared config.
func NewFromEnvironment(ctx context.Context, region string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("paramstore: loading aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// GetParameter returns the decrypted value of name. Successful lookups are
// cached; failures are not.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	if v, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}

	value := *out.Parameter.Value
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]string)
	}
	c.cache[name] = value
	c.mu.Unlock()
	return value, nil
}

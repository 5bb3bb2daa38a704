// Package aws talks to the EC2 and Auto Scaling APIs on behalf of amisync.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// Client wraps the AWS service clients amisync needs.
type Client struct {
	region string

	// AWS clients (interfaces for testability)
	ec2Client EC2API
	asgClient AutoScalingAPI
}

// Config holds AWS client settings. Empty fields fall back to the SDK's
// default chain (environment, shared config, instance role).
type Config struct {
	Region   string
	Profile  string
	Endpoint string // LocalStack or a VPC endpoint
}

// New loads AWS configuration and creates the service clients.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return NewFromAPI(awsCfg.Region, ec2.NewFromConfig(awsCfg), autoscaling.NewFromConfig(awsCfg)), nil
}

// NewFromAPI creates a Client around existing service clients.
func NewFromAPI(region string, ec2Client EC2API, asgClient AutoScalingAPI) *Client {
	return &Client{
		region:    region,
		ec2Client: ec2Client,
		asgClient: asgClient,
	}
}

// Region returns the region the clients were configured for.
func (c *Client) Region() string {
	return c.region
}

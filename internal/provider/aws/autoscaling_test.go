package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/amisync/pkg/image"
)

// mockASGClient implements AutoScalingAPI for testing.
type mockASGClient struct {
	describeAutoScalingGroupsFunc func(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	startInstanceRefreshFunc      func(ctx context.Context, params *autoscaling.StartInstanceRefreshInput, optFns ...func(*autoscaling.Options)) (*autoscaling.StartInstanceRefreshOutput, error)
}

func (m *mockASGClient) DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	if m.describeAutoScalingGroupsFunc != nil {
		return m.describeAutoScalingGroupsFunc(ctx, params, optFns...)
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{}, nil
}

func (m *mockASGClient) StartInstanceRefresh(ctx context.Context, params *autoscaling.StartInstanceRefreshInput, optFns ...func(*autoscaling.Options)) (*autoscaling.StartInstanceRefreshOutput, error) {
	if m.startInstanceRefreshFunc != nil {
		return m.startInstanceRefreshFunc(ctx, params, optFns...)
	}
	return &autoscaling.StartInstanceRefreshOutput{InstanceRefreshId: aws.String("refresh-" + aws.ToString(params.AutoScalingGroupName))}, nil
}

func group(name string, spec *asgtypes.LaunchTemplateSpecification) asgtypes.AutoScalingGroup {
	return asgtypes.AutoScalingGroup{AutoScalingGroupName: aws.String(name), LaunchTemplate: spec}
}

func TestRefreshGroups(t *testing.T) {
	callCount := 0
	var refreshed []string
	mock := &mockASGClient{
		describeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			callCount++
			if callCount == 1 {
				return &autoscaling.DescribeAutoScalingGroupsOutput{
					AutoScalingGroups: []asgtypes.AutoScalingGroup{
						group("web-latest", &asgtypes.LaunchTemplateSpecification{LaunchTemplateId: aws.String("lt-1"), Version: aws.String("$Latest")}),
						group("web-pinned", &asgtypes.LaunchTemplateSpecification{LaunchTemplateId: aws.String("lt-1"), Version: aws.String("2")}),
						group("other", &asgtypes.LaunchTemplateSpecification{LaunchTemplateId: aws.String("lt-9"), Version: aws.String("$Latest")}),
						group("legacy", nil),
					},
					NextToken: aws.String("more"),
				}, nil
			}
			return &autoscaling.DescribeAutoScalingGroupsOutput{
				AutoScalingGroups: []asgtypes.AutoScalingGroup{
					{
						AutoScalingGroupName: aws.String("web-mixed"),
						MixedInstancesPolicy: &asgtypes.MixedInstancesPolicy{
							LaunchTemplate: &asgtypes.LaunchTemplate{
								LaunchTemplateSpecification: &asgtypes.LaunchTemplateSpecification{
									LaunchTemplateName: aws.String("web"),
								},
							},
						},
					},
				},
			}, nil
		},
		startInstanceRefreshFunc: func(_ context.Context, params *autoscaling.StartInstanceRefreshInput, _ ...func(*autoscaling.Options)) (*autoscaling.StartInstanceRefreshOutput, error) {
			refreshed = append(refreshed, aws.ToString(params.AutoScalingGroupName))
			return &autoscaling.StartInstanceRefreshOutput{InstanceRefreshId: aws.String("r-1")}, nil
		},
	}

	c := NewFromAPI("us-east-1", &mockEC2Client{}, mock)
	refreshes, err := c.RefreshGroups(context.Background(), image.Template{ID: "lt-1", Name: "web"}, "$Latest", "$Default")

	require.NoError(t, err)
	assert.Equal(t, []string{"web-latest", "web-mixed"}, refreshed)
	require.Len(t, refreshes, 2)
	assert.Equal(t, Refresh{Group: "web-latest", RefreshID: "r-1"}, refreshes[0])
	assert.Equal(t, 2, callCount)
}

func TestRefreshGroups_DefaultOnlyWhenRequested(t *testing.T) {
	mock := &mockASGClient{
		describeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return &autoscaling.DescribeAutoScalingGroupsOutput{
				AutoScalingGroups: []asgtypes.AutoScalingGroup{
					group("web-default", &asgtypes.LaunchTemplateSpecification{LaunchTemplateId: aws.String("lt-1")}),
				},
			}, nil
		},
	}

	c := NewFromAPI("us-east-1", &mockEC2Client{}, mock)
	refreshes, err := c.RefreshGroups(context.Background(), image.Template{ID: "lt-1"}, "$Latest")

	require.NoError(t, err)
	assert.Empty(t, refreshes)
}

func TestRefreshGroups_StartError(t *testing.T) {
	mock := &mockASGClient{
		describeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return &autoscaling.DescribeAutoScalingGroupsOutput{
				AutoScalingGroups: []asgtypes.AutoScalingGroup{
					group("web", &asgtypes.LaunchTemplateSpecification{LaunchTemplateId: aws.String("lt-1"), Version: aws.String("$Latest")}),
				},
			}, nil
		},
		startInstanceRefreshFunc: func(_ context.Context, _ *autoscaling.StartInstanceRefreshInput, _ ...func(*autoscaling.Options)) (*autoscaling.StartInstanceRefreshOutput, error) {
			return nil, errors.New("refresh in progress")
		},
	}

	c := NewFromAPI("us-east-1", &mockEC2Client{}, mock)
	_, err := c.RefreshGroups(context.Background(), image.Template{ID: "lt-1"}, "$Latest")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "start instance refresh web")
}

func TestRefreshGroups_DescribeError(t *testing.T) {
	mock := &mockASGClient{
		describeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	c := NewFromAPI("us-east-1", &mockEC2Client{}, mock)
	_, err := c.RefreshGroups(context.Background(), image.Template{ID: "lt-1"}, "$Latest")

	assert.ErrorContains(t, err, "describe auto scaling groups")
}

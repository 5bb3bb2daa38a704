package aws

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"github.com/yairfalse/amisync/internal/paginate"
	"github.com/yairfalse/amisync/pkg/image"
)

// Refresh is an instance refresh started on an Auto Scaling group.
type Refresh struct {
	Group     string `json:"group"`
	RefreshID string `json:"refresh_id"`
}

// RefreshGroups starts an instance refresh on every Auto Scaling group that
// launches from tmpl at one of the given version aliases ("$Latest",
// "$Default"). Groups pinned to a numbered version are left alone since a
// refresh would not change their image.
func (c *Client) RefreshGroups(ctx context.Context, tmpl image.Template, versions ...string) ([]Refresh, error) {
	input := &autoscaling.DescribeAutoScalingGroupsInput{}
	pages := func() paginate.Pager[*autoscaling.DescribeAutoScalingGroupsOutput, autoscaling.Options] {
		return autoscaling.NewDescribeAutoScalingGroupsPaginator(c.asgClient, input)
	}

	var refreshes []Refresh
	for group, err := range paginate.Seq(ctx, pages, func(out *autoscaling.DescribeAutoScalingGroupsOutput) []asgtypes.AutoScalingGroup {
		return out.AutoScalingGroups
	}) {
		if err != nil {
			return refreshes, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		spec := groupTemplate(group)
		if spec == nil || !sameTemplate(spec, tmpl) {
			continue
		}
		if !slices.Contains(versions, specVersion(spec)) {
			continue
		}

		name := aws.ToString(group.AutoScalingGroupName)
		out, err := c.asgClient.StartInstanceRefresh(ctx, &autoscaling.StartInstanceRefreshInput{
			AutoScalingGroupName: aws.String(name),
		})
		if err != nil {
			return refreshes, fmt.Errorf("start instance refresh %s: %w", name, err)
		}
		refreshes = append(refreshes, Refresh{Group: name, RefreshID: aws.ToString(out.InstanceRefreshId)})
	}

	return refreshes, nil
}

// groupTemplate returns the launch template a group launches from, whether
// set directly or through a mixed instances policy.
func groupTemplate(group asgtypes.AutoScalingGroup) *asgtypes.LaunchTemplateSpecification {
	if group.LaunchTemplate != nil {
		return group.LaunchTemplate
	}
	if group.MixedInstancesPolicy != nil && group.MixedInstancesPolicy.LaunchTemplate != nil {
		return group.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification
	}
	return nil
}

func sameTemplate(spec *asgtypes.LaunchTemplateSpecification, tmpl image.Template) bool {
	if id := aws.ToString(spec.LaunchTemplateId); id != "" {
		return id == tmpl.ID
	}
	return tmpl.Name != "" && aws.ToString(spec.LaunchTemplateName) == tmpl.Name
}

// specVersion treats an unset version as "$Default", matching EC2.
func specVersion(spec *asgtypes.LaunchTemplateSpecification) string {
	if v := aws.ToString(spec.Version); v != "" {
		return v
	}
	return "$Default"
}

package aws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/amisync/internal/filter"
	"github.com/yairfalse/amisync/internal/paginate"
	"github.com/yairfalse/amisync/pkg/image"
)

// latestVersion is the EC2 alias for a template's newest version.
const latestVersion = "$Latest"

// ListInstances returns every instance carrying the selector tag.
func (c *Client) ListInstances(ctx context.Context, sel filter.Selector) ([]image.Instance, error) {
	input := &ec2.DescribeInstancesInput{Filters: []ec2types.Filter{sel.EC2Filter()}}
	pages := func() paginate.Pager[*ec2.DescribeInstancesOutput, ec2.Options] {
		return ec2.NewDescribeInstancesPaginator(c.ec2Client, input)
	}

	instances, err := paginate.Collect(paginate.Seq(ctx, pages, func(out *ec2.DescribeInstancesOutput) []image.Instance {
		var page []image.Instance
		for _, reservation := range out.Reservations {
			for _, instance := range reservation.Instances {
				page = append(page, convertInstance(instance))
			}
		}
		return page
	}))
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	return instances, nil
}

// ListImages returns the caller's available images carrying the selector tag.
func (c *Client) ListImages(ctx context.Context, sel filter.Selector) ([]image.Image, error) {
	input := &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []ec2types.Filter{
			sel.EC2Filter(),
			{Name: aws.String("state"), Values: []string{string(ec2types.ImageStateAvailable)}},
		},
	}
	pages := func() paginate.Pager[*ec2.DescribeImagesOutput, ec2.Options] {
		return ec2.NewDescribeImagesPaginator(c.ec2Client, input)
	}

	images, err := paginate.Collect(paginate.Seq(ctx, pages, func(out *ec2.DescribeImagesOutput) []image.Image {
		page := make([]image.Image, 0, len(out.Images))
		for _, img := range out.Images {
			page = append(page, convertImage(img))
		}
		return page
	}))
	if err != nil {
		return nil, fmt.Errorf("describe images: %w", err)
	}
	return images, nil
}

// DescribeImage looks up a single image by id regardless of owner or tags.
func (c *Client) DescribeImage(ctx context.Context, imageID string) (image.Image, error) {
	out, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		if isImageNotFound(err) {
			return image.Image{}, fmt.Errorf("%s: %w", imageID, ErrImageNotFound)
		}
		return image.Image{}, fmt.Errorf("describe image %s: %w", imageID, err)
	}
	if len(out.Images) == 0 {
		return image.Image{}, fmt.Errorf("%s: %w", imageID, ErrImageNotFound)
	}
	return convertImage(out.Images[0]), nil
}

// ListTemplates returns every launch template in the region.
func (c *Client) ListTemplates(ctx context.Context) ([]image.Template, error) {
	input := &ec2.DescribeLaunchTemplatesInput{}
	pages := func() paginate.Pager[*ec2.DescribeLaunchTemplatesOutput, ec2.Options] {
		return ec2.NewDescribeLaunchTemplatesPaginator(c.ec2Client, input)
	}

	templates, err := paginate.Collect(paginate.Seq(ctx, pages, func(out *ec2.DescribeLaunchTemplatesOutput) []image.Template {
		page := make([]image.Template, 0, len(out.LaunchTemplates))
		for _, lt := range out.LaunchTemplates {
			page = append(page, convertTemplate(lt))
		}
		return page
	}))
	if err != nil {
		return nil, fmt.Errorf("describe launch templates: %w", err)
	}
	return templates, nil
}

// LatestVersion returns the template's $Latest version.
func (c *Client) LatestVersion(ctx context.Context, templateID string) (image.TemplateVersion, error) {
	out, err := c.ec2Client.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
		LaunchTemplateId: aws.String(templateID),
		Versions:         []string{latestVersion},
	})
	if err != nil {
		return image.TemplateVersion{}, fmt.Errorf("describe launch template versions %s: %w", templateID, err)
	}
	if len(out.LaunchTemplateVersions) == 0 {
		return image.TemplateVersion{}, fmt.Errorf("%s: %w", templateID, ErrNoVersion)
	}
	return convertVersion(out.LaunchTemplateVersions[0]), nil
}

// CreateVersion appends a version that copies sourceVersion and replaces
// only its image id.
func (c *Client) CreateVersion(ctx context.Context, templateID string, sourceVersion int64, imageID, description string) (image.TemplateVersion, error) {
	out, err := c.ec2Client.CreateLaunchTemplateVersion(ctx, &ec2.CreateLaunchTemplateVersionInput{
		LaunchTemplateId:   aws.String(templateID),
		SourceVersion:      aws.String(strconv.FormatInt(sourceVersion, 10)),
		VersionDescription: aws.String(description),
		LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
			ImageId: aws.String(imageID),
		},
	})
	if err != nil {
		return image.TemplateVersion{}, fmt.Errorf("create launch template version %s: %w", templateID, err)
	}
	if out.LaunchTemplateVersion == nil {
		return image.TemplateVersion{}, fmt.Errorf("create launch template version %s: empty response", templateID)
	}
	return convertVersion(*out.LaunchTemplateVersion), nil
}

// SetDefaultVersion makes version the template's default.
func (c *Client) SetDefaultVersion(ctx context.Context, templateID string, version int64) error {
	_, err := c.ec2Client.ModifyLaunchTemplate(ctx, &ec2.ModifyLaunchTemplateInput{
		LaunchTemplateId: aws.String(templateID),
		DefaultVersion:   aws.String(strconv.FormatInt(version, 10)),
	})
	if err != nil {
		return fmt.Errorf("modify launch template %s: %w", templateID, err)
	}
	return nil
}

func convertInstance(instance ec2types.Instance) image.Instance {
	out := image.Instance{
		ID:   aws.ToString(instance.InstanceId),
		Tags: convertTags(instance.Tags),
	}
	if instance.State != nil {
		out.State = string(instance.State.Name)
	}
	return out
}

func convertImage(img ec2types.Image) image.Image {
	return image.Image{
		ID:           aws.ToString(img.ImageId),
		Name:         aws.ToString(img.Name),
		State:        string(img.State),
		CreationDate: aws.ToString(img.CreationDate),
		Tags:         convertTags(img.Tags),
	}
}

func convertTemplate(lt ec2types.LaunchTemplate) image.Template {
	return image.Template{
		ID:             aws.ToString(lt.LaunchTemplateId),
		Name:           aws.ToString(lt.LaunchTemplateName),
		DefaultVersion: aws.ToInt64(lt.DefaultVersionNumber),
		LatestVersion:  aws.ToInt64(lt.LatestVersionNumber),
		Tags:           convertTags(lt.Tags),
	}
}

func convertVersion(v ec2types.LaunchTemplateVersion) image.TemplateVersion {
	out := image.TemplateVersion{
		TemplateID:  aws.ToString(v.LaunchTemplateId),
		Number:      aws.ToInt64(v.VersionNumber),
		Description: aws.ToString(v.VersionDescription),
	}
	if v.LaunchTemplateData != nil {
		out.ImageID = aws.ToString(v.LaunchTemplateData.ImageId)
	}
	return out
}

// convertTags returns nil for an untagged resource.
func convertTags(tags []ec2types.Tag) image.Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(image.Tags, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// EC2API is the subset of the EC2 client the controller consumes.
type EC2API interface {
	DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateFleet(ctx context.Context, input *ec2.CreateFleetInput, optFns ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error)
	TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, input *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, input *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

// Client wraps the EC2 API with the controller's tag conventions. No state is
// held between calls; the inventory itself is the state.
type Client struct {
	ec2    EC2API
	logger *slog.Logger
}

// NewClient creates a fleet Client.
func NewClient(api EC2API, logger *slog.Logger) *Client {
	return &Client{ec2: api, logger: logger}
}

// ListInstances returns the managed instances matching the filter. Pagination
// is handled transparently and results are merged.
func (c *Client) ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error) {
	states := filter.States
	if len(states) == 0 {
		states = []string{"running", "pending"}
	}

	filters := []ec2types.Filter{
		{Name: aws.String("tag:" + TagApplication), Values: []string{ApplicationTagValue}},
		{Name: aws.String("instance-state-name"), Values: states},
	}
	if filter.Environment != "" {
		filters = append(filters, ec2types.Filter{
			Name: aws.String("tag:" + TagEnvironment), Values: []string{filter.Environment},
		})
	}
	if filter.Owner != "" {
		filters = append(filters, ec2types.Filter{
			Name: aws.String("tag:" + TagOwner), Values: []string{filter.Owner},
		})
	}
	if filter.OrphanOnly {
		filters = append(filters, ec2types.Filter{
			Name: aws.String("tag:" + TagOrphan), Values: []string{"true"},
		})
	}

	input := &ec2.DescribeInstancesInput{Filters: filters, MaxResults: aws.Int32(1000)}
	var out []Instance
	for {
		resp, err := c.ec2.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, resv := range resp.Reservations {
			for _, inst := range resv.Instances {
				out = append(out, projectInstance(inst))
			}
		}
		if resp.NextToken == nil {
			break
		}
		input.NextToken = resp.NextToken
	}
	return out, nil
}

func projectInstance(inst ec2types.Instance) Instance {
	tags := map[string]string{}
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	out := Instance{
		ID:        aws.ToString(inst.InstanceId),
		Owner:     tags[TagOwner],
		Type:      tags[TagType],
		CreatedBy: tags[TagCreatedBy],
		RunnerID:  tags[TagRunnerID],
		Orphan:    tags[TagOrphan] == "true",
	}
	if inst.LaunchTime != nil {
		out.LaunchedAt = *inst.LaunchTime
	}
	return out
}

// Terminate terminates the instance. TerminateInstances is idempotent on the
// EC2 side; terminating an already-terminated instance is not an error.
func (c *Client) Terminate(ctx context.Context, id string) error {
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("terminating instance %s: %w", id, err)
	}
	return nil
}

// Tag sets the given tags on the instance.
func (c *Client) Tag(ctx context.Context, id string, tags map[string]string) error {
	_, err := c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags: lo.MapToSlice(tags, func(k, v string) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
		}),
	})
	if err != nil {
		return fmt.Errorf("tagging instance %s: %w", id, err)
	}
	return nil
}

// Untag removes the given tag keys from the instance.
func (c *Client) Untag(ctx context.Context, id string, keys ...string) error {
	_, err := c.ec2.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{id},
		Tags: lo.Map(keys, func(k string, _ int) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(k)}
		}),
	})
	if err != nil {
		return fmt.Errorf("untagging instance %s: %w", id, err)
	}
	return nil
}

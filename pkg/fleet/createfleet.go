package fleet

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/wisbric/runnerd/internal/telemetry"
)

// retriableFleetErrors are CreateFleet error codes that indicate transient
// capacity pressure. A fleet call that creates nothing but reports one of
// these is worth retrying from the queue.
var retriableFleetErrors = map[string]bool{
	"UnfulfillableCapacity":                true,
	"MaxSpotInstanceCountExceeded":         true,
	"TargetCapacityLimitExceededException": true,
	"RequestLimitExceeded":                 true,
	"ResourceLimitExceeded":                true,
	"MaxSpotFleetRequestCountExceeded":     true,
	"InsufficientInstanceCapacity":         true,
}

// CreateSpec describes one bulk instance-creation call.
type CreateSpec struct {
	LaunchTemplateName string
	SubnetIDs          []string
	InstanceTypes      []string
	AllocationStrategy string
	TargetCapacityType string
	MaxSpotPrice       string

	// ImageID overrides the launch template AMI when non-empty.
	ImageID string

	// OnDemandFailoverCodes triggers a one-shot on-demand retry when a spot
	// request yields zero instances and every error code is in this list.
	OnDemandFailoverCodes []string

	Count       int
	Environment string
	Owner       string
	Type        string
	CreatedBy   string
}

// FleetError reports a CreateFleet call that created fewer instances than
// requested. Retriable is true when at least one error code indicates
// transient capacity pressure and nothing was created.
type FleetError struct {
	FailedCount int
	Retriable   bool
	Codes       []string
}

func (e *FleetError) Error() string {
	kind := "fatal"
	if e.Retriable {
		kind = "retriable"
	}
	return fmt.Sprintf("create fleet: %d instances not created (%s): %v", e.FailedCount, kind, e.Codes)
}

// tagSpec builds the tag set stamped on instances at creation time. The tags
// are part of the CreateFleet call itself, so no window exists where a
// managed instance lacks its marker tags.
func (s CreateSpec) tagSpec() []ec2types.Tag {
	return []ec2types.Tag{
		{Key: aws.String(TagApplication), Value: aws.String(ApplicationTagValue)},
		{Key: aws.String(TagEnvironment), Value: aws.String(s.Environment)},
		{Key: aws.String(TagType), Value: aws.String(s.Type)},
		{Key: aws.String(TagOwner), Value: aws.String(s.Owner)},
		{Key: aws.String(TagCreatedBy), Value: aws.String(s.CreatedBy)},
	}
}

// CreateRunners performs a single bulk CreateFleet call and returns the ids
// of the created instances.
//
// Error policy: if at least one instance was created, per-override errors are
// logged and counted but not returned. If nothing was created, a *FleetError
// is returned, retriable when any error code is in the retriable set.
func (c *Client) CreateRunners(ctx context.Context, spec CreateSpec) ([]string, error) {
	ids, codes, err := c.createFleet(ctx, spec, spec.TargetCapacityType)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && spec.TargetCapacityType == "spot" && failoverWanted(codes, spec.OnDemandFailoverCodes) {
		c.logger.Warn("spot capacity unavailable, retrying fleet on-demand",
			"owner", spec.Owner, "codes", codes)
		ids, codes, err = c.createFleet(ctx, spec, "on-demand")
		if err != nil {
			return nil, err
		}
	}

	for _, code := range codes {
		telemetry.FleetCreateErrorsTotal.WithLabelValues(code).Inc()
	}

	switch {
	case len(ids) == spec.Count:
		return ids, nil
	case len(ids) > 0:
		c.logger.Warn("fleet partially created",
			"owner", spec.Owner, "requested", spec.Count, "created", len(ids), "codes", codes)
		return ids, nil
	default:
		return nil, &FleetError{
			FailedCount: spec.Count,
			Retriable:   lo.SomeBy(codes, func(code string) bool { return retriableFleetErrors[code] }),
			Codes:       codes,
		}
	}
}

func (c *Client) createFleet(ctx context.Context, spec CreateSpec, capacityType string) (ids, codes []string, err error) {
	var overrides []ec2types.FleetLaunchTemplateOverridesRequest
	for _, subnet := range spec.SubnetIDs {
		for _, itype := range spec.InstanceTypes {
			o := ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:     aws.String(subnet),
				InstanceType: ec2types.InstanceType(itype),
			}
			if spec.MaxSpotPrice != "" && capacityType == "spot" {
				o.MaxPrice = aws.String(spec.MaxSpotPrice)
			}
			if spec.ImageID != "" {
				o.ImageId = aws.String(spec.ImageID)
			}
			overrides = append(overrides, o)
		}
	}

	input := &ec2.CreateFleetInput{
		Type:        ec2types.FleetTypeInstant,
		ClientToken: aws.String(uuid.NewString()),
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateName: aws.String(spec.LaunchTemplateName),
				Version:            aws.String("$Default"),
			},
			Overrides: overrides,
		}},
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity: aws.Int32(int32(spec.Count)),
		},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: spec.tagSpec()},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: spec.tagSpec()},
		},
	}
	if capacityType == "spot" {
		input.TargetCapacitySpecification.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategy(spec.AllocationStrategy),
		}
	} else {
		input.TargetCapacitySpecification.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeOnDemand
	}

	resp, err := c.ec2.CreateFleet(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("creating fleet: %w", err)
	}

	for _, inst := range resp.Instances {
		ids = append(ids, inst.InstanceIds...)
	}
	for _, fe := range resp.Errors {
		codes = append(codes, aws.ToString(fe.ErrorCode))
	}
	return ids, codes, nil
}

// failoverWanted reports whether every returned error code is in the
// configured failover list. An empty list disables failover.
func failoverWanted(codes, failover []string) bool {
	if len(failover) == 0 || len(codes) == 0 {
		return false
	}
	allowed := lo.SliceToMap(failover, func(c string) (string, bool) { return c, true })
	return lo.EveryBy(codes, func(c string) bool { return allowed[c] })
}

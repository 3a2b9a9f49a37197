package inventory

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/logger"
)

// EC2Resolver reads running instances from the EC2 API.
type EC2Resolver struct {
	API ec2iface.EC2API
	log logger.Logger
}

// NewEC2Resolver builds an EC2 client from cfg. Static keys are used when
// both are set; otherwise the SDK's default chain (env, shared profile,
// instance role) applies.
func NewEC2Resolver(cfg config.AWSConfig, log logger.Logger) (*EC2Resolver, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.HasStaticCredentials() {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't set up the AWS session",
			"Check aws.region, aws.profile and your AWS credentials")
	}
	if aws.StringValue(sess.Config.Region) == "" {
		return nil, errors.New(errors.ErrConfig,
			"No AWS region configured",
			"Set aws.region in the config file, VPCSH_AWS_REGION, or AWS_REGION")
	}

	return NewEC2ResolverWithAPI(ec2.New(sess), log), nil
}

// NewEC2ResolverWithAPI wraps an existing client. Tests pass a fake here.
func NewEC2ResolverWithAPI(api ec2iface.EC2API, log logger.Logger) *EC2Resolver {
	if log == nil {
		log = logger.Noop()
	}
	return &EC2Resolver{API: api, log: logger.WithPrefix(log, "[inventory]")}
}

// Resolve lists running instances matching the tag filters server-side,
// then applies skip/only and the launch window locally.
func (r *EC2Resolver) Resolve(ctx context.Context, f Filter) ([]fleet.Target, error) {
	input := &ec2.DescribeInstancesInput{Filters: ec2Filters(f.Tags)}

	var targets []fleet.Target
	err := r.API.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2.DescribeInstancesOutput, _ bool) bool {
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				id := aws.StringValue(inst.InstanceId)
				if !f.keep(id, aws.TimeValue(inst.LaunchTime)) {
					continue
				}
				t := instanceTarget(inst)
				if t.Address == "" {
					r.log.Warn("%s (%s) has no private IP, leaving it out", t.ID, t.Name)
					continue
				}
				targets = append(targets, t)
			}
		}
		return true
	})
	if err != nil {
		return nil, describeError(err)
	}

	sortTargets(targets)
	r.log.Debug("resolved %d instance(s) for %d tag filter(s)", len(targets), len(f.Tags))
	return targets, nil
}

// Lookup fetches one instance by ID regardless of tags.
func (r *EC2Resolver) Lookup(ctx context.Context, id string) (fleet.Target, error) {
	out, err := r.API.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		var aerr awserr.Error
		if stderrors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.NotFound" {
			return fleet.Target{}, notFound(id)
		}
		if stderrors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.Malformed" {
			return fleet.Target{}, errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("'%s' isn't a valid instance ID", id),
				"Instance IDs look like i-0123456789abcdef0")
		}
		return fleet.Target{}, describeError(err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.StringValue(inst.InstanceId) == id {
				return instanceTarget(inst), nil
			}
		}
	}
	return fleet.Target{}, notFound(id)
}

func ec2Filters(tags map[string]string) []*ec2.Filter {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	filters := make([]*ec2.Filter, 0, len(tags)+1)
	filters = append(filters, &ec2.Filter{
		Name:   aws.String("instance-state-name"),
		Values: aws.StringSlice([]string{ec2.InstanceStateNameRunning}),
	})
	for _, name := range names {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("tag:" + name),
			Values: aws.StringSlice([]string{tags[name]}),
		})
	}
	return filters
}

func instanceTarget(inst *ec2.Instance) fleet.Target {
	return fleet.Target{
		ID:      aws.StringValue(inst.InstanceId),
		Name:    tagValue(inst.Tags, "Name"),
		Address: aws.StringValue(inst.PrivateIpAddress),
	}
}

func tagValue(tags []*ec2.Tag, key string) string {
	for _, t := range tags {
		if aws.StringValue(t.Key) == key {
			return aws.StringValue(t.Value)
		}
	}
	return ""
}

func notFound(id string) error {
	return errors.New(errors.ErrInventory,
		fmt.Sprintf("Instance %s not found", id),
		"Check the ID and that aws.region points at the right region")
}

func describeError(err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapWithCode(err, errors.ErrTimeout, "Listing instances was interrupted", "")
	}
	var aerr awserr.Error
	if stderrors.As(err, &aerr) {
		switch aerr.Code() {
		case request.CanceledErrorCode:
			return errors.WrapWithCode(err, errors.ErrTimeout, "Listing instances was interrupted", "")
		case "NoCredentialProviders", "AuthFailure", "UnauthorizedOperation", "InvalidClientTokenId":
			return errors.WrapWithCode(err, errors.ErrInventory,
				"AWS rejected the request: "+aerr.Message(),
				"Check aws.access_key_id/aws.secret_access_key or your AWS profile, and that it may call ec2:DescribeInstances")
		}
	}
	return errors.WrapWithCode(err, errors.ErrInventory,
		"Failed to list EC2 instances",
		"Check network access to the EC2 API and aws.region")
}

var _ Resolver = (*EC2Resolver)(nil)

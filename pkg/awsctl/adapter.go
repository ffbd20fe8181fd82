// Package awsctl provides the narrow EC2 control-plane surface the test
// orchestrator depends on: launching probe instances, polling their lifecycle,
// resolving base images by architecture, and terminating them afterwards.
//
// The adapter handles the complete instance lifecycle from provisioning
// through reconciliation. Every call is retried on throttling and transport
// errors with exponential backoff, classified into a stable error taxonomy on
// failure, and mirrored into the audit trail for post-run inspection.
//
// Key Components:
//   - Adapter: EC2/SSM client wrapper implementing the capability surface
//   - Instance: handle describing one launched virtual machine
//   - LaunchSpec: parameters for a single probe instance launch
//   - Error/Kind: classified control-plane failures
//
// Usage:
//   adapter, err := awsctl.New(ctx, "us-east-1", "default", sink)
//   inst, err := adapter.Launch(ctx, spec)
//   inst, err = adapter.WaitRunning(ctx, inst, 5*time.Minute)
//   defer adapter.Terminate(ctx, inst)
//
// Thread Safety:
//   The Adapter is safe for concurrent use; the underlying SDK clients are
//   shared read-only and the audit sink serializes its own writes.
package awsctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/sirupsen/logrus"

	"github.com/markbere/ptp-clock-checker/pkg/audit"
)

// Adapter errors.
var (
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrPlacementNotFound  = errors.New("placement group not found")
	ErrPlacementNotUsable = errors.New("placement group not available")
)

const (
	// ownerTag marks every instance this tool launches.
	ownerTag = "ptp-clock-checker"
	// purposeTag records why the instance exists.
	purposeTag = "ptp-probe"

	defaultRunningDeadline    = 5 * time.Minute
	defaultTerminatedDeadline = 2 * time.Minute

	retryInitial  = 1 * time.Second
	retryCap      = 30 * time.Second
	retryAttempts = 5
)

// EC2API is the subset of the EC2 client the adapter uses. Extracted so tests
// can substitute a mock without an AWS account.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribePlacementGroups(ctx context.Context, params *ec2.DescribePlacementGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribePlacementGroupsOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
}

// SSMAPI is the subset of the SSM client used for AMI pointer lookups.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Instance identifies one launched virtual machine and its last observed
// lifecycle state. Only the adapter mutates it, on state polls.
type Instance struct {
	ID             string
	Type           string
	Architecture   string
	AvailabilityZone string
	SubnetID       string
	PrivateIP      string
	PublicIP       string
	PlacementGroup string
	State          string
	Ordinal        int
	GroupTotal     int
}

// LaunchSpec carries the parameters for one probe instance launch.
type LaunchSpec struct {
	InstanceType   string
	SubnetID       string
	KeyPairName    string
	ImageID        string // optional; resolved by architecture when empty
	SecurityGroup  string // optional
	PlacementGroup string // optional
	RunID          string
	Ordinal        int
	GroupTotal     int
}

// Adapter wraps the EC2 and SSM clients for one region.
type Adapter struct {
	ec2    EC2API
	ssm    SSMAPI
	region string
	sink   *audit.Sink
	log    logrus.FieldLogger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// New builds an adapter for the given region using the shared credential
// chain. A non-empty profile selects a shared-config profile.
func New(ctx context.Context, region, profile string, sink *audit.Sink) (*Adapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Adapter{
		ec2:    ec2.NewFromConfig(cfg),
		ssm:    ssm.NewFromConfig(cfg),
		region: region,
		sink:   sink,
		log:    logrus.WithField("region", region),
		sleep:  time.Sleep,
	}, nil
}

// NewWithClients builds an adapter over externally supplied clients. Used by
// tests and by callers that need custom client configuration.
func NewWithClients(ec2Client EC2API, ssmClient SSMAPI, region string, sink *audit.Sink) *Adapter {
	if sink == nil {
		sink = audit.NewSink(nil)
	}
	return &Adapter{
		ec2:    ec2Client,
		ssm:    ssmClient,
		region: region,
		sink:   sink,
		log:    logrus.WithField("region", region),
		sleep:  time.Sleep,
	}
}

// Region returns the region every call of this adapter targets.
func (a *Adapter) Region() string { return a.region }

// withRetry runs fn, retrying on transient classifications with exponential
// backoff: 1s initial, doubling, capped at 30s, at most five attempts.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryInitial
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		cerr := classify(op, err)
		if !Retryable(cerr) || attempt == retryAttempts {
			return cerr
		}
		a.log.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"backoff":   delay.String(),
		}).Warn("transient API error, retrying")
		select {
		case <-ctx.Done():
			return &Error{Op: op, Kind: KindThrottled, Err: ctx.Err()}
		default:
		}
		a.sleep(delay)
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return classify(op, err)
}

// ValidatePlacementGroup checks that the named placement group exists and is
// usable before any launch. A non-nil error aborts the entire fleet.
func (a *Adapter) ValidatePlacementGroup(ctx context.Context, name string) error {
	var out *ec2.DescribePlacementGroupsOutput
	err := a.withRetry(ctx, "validate-placement-group", func() error {
		var err error
		out, err = a.ec2.DescribePlacementGroups(ctx, &ec2.DescribePlacementGroupsInput{
			GroupNames: []string{name},
		})
		return err
	})
	if err != nil {
		a.sink.Record("validate-placement-group", name, string(KindOf(err)), err.Error())
		if KindOf(err) == KindPlacementGroup || KindOf(err) == KindUnknown {
			return &Error{Op: "validate-placement-group", Kind: KindPlacementGroup, Err: ErrPlacementNotFound}
		}
		return err
	}
	if len(out.PlacementGroups) == 0 {
		a.sink.Record("validate-placement-group", name, "not-found", "")
		return &Error{Op: "validate-placement-group", Kind: KindPlacementGroup, Err: ErrPlacementNotFound}
	}
	pg := out.PlacementGroups[0]
	if pg.State != types.PlacementGroupStateAvailable {
		a.sink.Record("validate-placement-group", name, "not-available", string(pg.State))
		return &Error{Op: "validate-placement-group", Kind: KindPlacementGroup, Err: ErrPlacementNotUsable}
	}
	a.sink.Record("validate-placement-group", name, "ok", "")
	return nil
}

// Launch provisions one instance per the spec. Architecture is derived from
// the instance-type family; when no image is supplied the vendor SSM pointer
// for that architecture is resolved. The instance is tagged with the owner
// marker, purpose marker, run id and ordinal; those tags survive to
// termination so end-of-run reconciliation can enumerate strays by tag.
func (a *Adapter) Launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	arch := ArchitectureForType(spec.InstanceType)
	imageID := spec.ImageID
	if imageID == "" {
		resolved, err := a.ResolveImage(ctx, arch)
		if err != nil {
			a.sink.Record("launch", spec.InstanceType, string(KindOf(err)), err.Error())
			return nil, err
		}
		imageID = resolved
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(spec.KeyPairName),
		// Require IMDSv2 on the probe instance.
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpTokens:   types.HttpTokensStateRequired,
			HttpEndpoint: types.InstanceMetadataEndpointStateEnabled,
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("ptp-probe-%s-%d", spec.InstanceType, spec.Ordinal))},
					{Key: aws.String("Owner"), Value: aws.String(ownerTag)},
					{Key: aws.String("Purpose"), Value: aws.String(purposeTag)},
					{Key: aws.String("RunId"), Value: aws.String(spec.RunID)},
					{Key: aws.String("Ordinal"), Value: aws.String(fmt.Sprintf("%d/%d", spec.Ordinal, spec.GroupTotal))},
				},
			},
		},
	}

	nic := types.InstanceNetworkInterfaceSpecification{
		DeviceIndex:              aws.Int32(0),
		SubnetId:                 aws.String(spec.SubnetID),
		AssociatePublicIpAddress: aws.Bool(true),
	}
	if spec.SecurityGroup != "" {
		nic.Groups = []string{spec.SecurityGroup}
	}
	input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{nic}

	if spec.PlacementGroup != "" {
		input.Placement = &types.Placement{GroupName: aws.String(spec.PlacementGroup)}
	}

	var out *ec2.RunInstancesOutput
	err := a.withRetry(ctx, "launch", func() error {
		var err error
		out, err = a.ec2.RunInstances(ctx, input)
		return err
	})
	if err != nil {
		a.sink.Record("launch", spec.InstanceType, string(KindOf(err)), err.Error())
		return nil, err
	}
	if len(out.Instances) == 0 {
		err := &Error{Op: "launch", Kind: KindUnknown, Err: errors.New("RunInstances returned no instances")}
		a.sink.Record("launch", spec.InstanceType, string(KindUnknown), err.Error())
		return nil, err
	}

	ec2inst := out.Instances[0]
	inst := &Instance{
		ID:             aws.ToString(ec2inst.InstanceId),
		Type:           spec.InstanceType,
		Architecture:   arch,
		SubnetID:       spec.SubnetID,
		PlacementGroup: spec.PlacementGroup,
		State:          string(types.InstanceStateNamePending),
		Ordinal:        spec.Ordinal,
		GroupTotal:     spec.GroupTotal,
	}
	if ec2inst.Placement != nil {
		inst.AvailabilityZone = aws.ToString(ec2inst.Placement.AvailabilityZone)
	}
	a.sink.Record("launch", inst.ID, "ok", spec.InstanceType)
	a.log.WithFields(logrus.Fields{
		"instance": inst.ID,
		"type":     spec.InstanceType,
		"ordinal":  spec.Ordinal,
	}).Info("instance launched")
	return inst, nil
}

// WaitRunning polls until the instance reaches the running state and its
// private address is known, or the deadline elapses. A stuck instance is
// terminated synchronously before the call fails with launch-timeout. A zero
// deadline applies the five minute default.
func (a *Adapter) WaitRunning(ctx context.Context, inst *Instance, deadline time.Duration) (*Instance, error) {
	if deadline <= 0 {
		deadline = defaultRunningDeadline
	}
	const pollInterval = 10 * time.Second
	start := time.Now()
	for {
		refreshed, err := a.Describe(ctx, inst)
		if err == nil {
			inst = refreshed
			if inst.State == string(types.InstanceStateNameRunning) && inst.PrivateIP != "" {
				a.sink.Record("wait-running", inst.ID, "ok", "")
				return inst, nil
			}
			if inst.State == string(types.InstanceStateNameTerminated) ||
				inst.State == string(types.InstanceStateNameShuttingDown) {
				werr := &Error{Op: "wait-running", Kind: KindCapacity,
					Err: fmt.Errorf("instance %s terminated unexpectedly (state: %s)", inst.ID, inst.State)}
				a.sink.Record("wait-running", inst.ID, string(KindCapacity), inst.State)
				return inst, werr
			}
		}
		if time.Since(start) >= deadline {
			break
		}
		select {
		case <-ctx.Done():
			a.sink.Record("wait-running", inst.ID, "canceled", ctx.Err().Error())
			return inst, &Error{Op: "wait-running", Kind: KindLaunchTimeout, Err: ctx.Err()}
		default:
		}
		a.sleep(pollInterval)
	}
	// Stuck at the deadline: release the instance before reporting failure.
	if terr := a.Terminate(ctx, inst); terr != nil {
		a.log.WithField("instance", inst.ID).WithError(terr).Warn("failed to terminate stuck instance")
	}
	a.sink.Record("wait-running", inst.ID, string(KindLaunchTimeout), deadline.String())
	return inst, &Error{Op: "wait-running", Kind: KindLaunchTimeout,
		Err: fmt.Errorf("instance %s not running after %s", inst.ID, deadline)}
}

// Describe refreshes the handle's lifecycle state and addresses.
func (a *Adapter) Describe(ctx context.Context, inst *Instance) (*Instance, error) {
	var out *ec2.DescribeInstancesOutput
	err := a.withRetry(ctx, "describe", func() error {
		var err error
		out, err = a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{inst.ID},
		})
		return err
	})
	if err != nil {
		a.sink.Record("describe", inst.ID, string(KindOf(err)), err.Error())
		return inst, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		a.sink.Record("describe", inst.ID, string(KindUnknown), "not found")
		return inst, &Error{Op: "describe", Kind: KindUnknown, Err: ErrInstanceNotFound}
	}
	cur := out.Reservations[0].Instances[0]
	updated := *inst
	if cur.State != nil {
		updated.State = string(cur.State.Name)
	}
	updated.PrivateIP = aws.ToString(cur.PrivateIpAddress)
	updated.PublicIP = aws.ToString(cur.PublicIpAddress)
	if cur.Placement != nil {
		updated.AvailabilityZone = aws.ToString(cur.Placement.AvailabilityZone)
	}
	if cur.SubnetId != nil {
		updated.SubnetID = aws.ToString(cur.SubnetId)
	}
	a.sink.Record("describe", inst.ID, "ok", updated.State)
	return &updated, nil
}

// Terminate issues a fire-and-forget termination request.
func (a *Adapter) Terminate(ctx context.Context, inst *Instance) error {
	err := a.withRetry(ctx, "terminate", func() error {
		_, err := a.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{inst.ID},
		})
		return err
	})
	if err != nil {
		a.sink.Record("terminate", inst.ID, string(KindOf(err)), err.Error())
		return err
	}
	a.sink.Record("terminate", inst.ID, "ok", "")
	return nil
}

// ConfirmResult reports the outcome of a termination confirmation.
type ConfirmResult string

const (
	ConfirmOK           ConfirmResult = "ok"
	ConfirmStillPresent ConfirmResult = "still-present"
	ConfirmUnknown      ConfirmResult = "unknown"
)

// ConfirmTerminated re-describes the instance until its lifecycle state is
// terminated or the deadline elapses. A zero deadline applies the two minute
// default.
func (a *Adapter) ConfirmTerminated(ctx context.Context, inst *Instance, deadline time.Duration) ConfirmResult {
	if deadline <= 0 {
		deadline = defaultTerminatedDeadline
	}
	const pollInterval = 5 * time.Second
	start := time.Now()
	for {
		refreshed, err := a.Describe(ctx, inst)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				a.sink.Record("confirm-terminated", inst.ID, "ok", "not found")
				return ConfirmOK
			}
			a.sink.Record("confirm-terminated", inst.ID, "unknown", err.Error())
			return ConfirmUnknown
		}
		if refreshed.State == string(types.InstanceStateNameTerminated) {
			a.sink.Record("confirm-terminated", inst.ID, "ok", "")
			return ConfirmOK
		}
		if time.Since(start) >= deadline {
			a.sink.Record("confirm-terminated", inst.ID, "still-present", refreshed.State)
			return ConfirmStillPresent
		}
		select {
		case <-ctx.Done():
			a.sink.Record("confirm-terminated", inst.ID, "unknown", ctx.Err().Error())
			return ConfirmUnknown
		default:
		}
		a.sleep(pollInterval)
	}
}

// ListByRunID enumerates non-terminated instances carrying the given run id
// tag. Used by the end-of-run orphan sweep to find instances whose handles
// were lost to crashes.
func (a *Adapter) ListByRunID(ctx context.Context, runID string) ([]string, error) {
	var out *ec2.DescribeInstancesOutput
	err := a.withRetry(ctx, "list-by-run-id", func() error {
		var err error
		out, err = a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{
				{Name: aws.String("tag:RunId"), Values: []string{runID}},
				{Name: aws.String("tag:Owner"), Values: []string{ownerTag}},
				{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
			},
		})
		return err
	})
	if err != nil {
		a.sink.Record("list-by-run-id", runID, string(KindOf(err)), err.Error())
		return nil, err
	}
	var ids []string
	for _, res := range out.Reservations {
		for _, i := range res.Instances {
			ids = append(ids, aws.ToString(i.InstanceId))
		}
	}
	a.sink.Record("list-by-run-id", runID, "ok", fmt.Sprintf("%d instances", len(ids)))
	return ids, nil
}

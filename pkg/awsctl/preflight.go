package awsctl

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// PreflightInstanceTypes verifies before any launch that every requested
// instance type exists in the region and supports ENA. Hardware timestamping
// rides on the ENA driver, so a type without ENA support can never pass and
// launching it would only burn time and quota.
func (a *Adapter) PreflightInstanceTypes(ctx context.Context, instanceTypes []string) error {
	if len(instanceTypes) == 0 {
		return nil
	}
	want := make([]types.InstanceType, 0, len(instanceTypes))
	for _, t := range instanceTypes {
		want = append(want, types.InstanceType(t))
	}

	var out *ec2.DescribeInstanceTypesOutput
	err := a.withRetry(ctx, "preflight-instance-types", func() error {
		var err error
		out, err = a.ec2.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
			InstanceTypes: want,
		})
		return err
	})
	if err != nil {
		// An unknown type surfaces as an InvalidInstanceType API error.
		a.sink.Record("preflight-instance-types", fmt.Sprintf("%v", instanceTypes), string(KindOf(err)), err.Error())
		if KindOf(err) == KindUnknown {
			return &Error{Op: "preflight-instance-types", Kind: KindUnsupportedType, Err: err}
		}
		return err
	}

	seen := make(map[string]types.InstanceTypeInfo, len(out.InstanceTypes))
	for _, info := range out.InstanceTypes {
		seen[string(info.InstanceType)] = info
	}
	for _, t := range instanceTypes {
		info, ok := seen[t]
		if !ok {
			a.sink.Record("preflight-instance-types", t, string(KindUnsupportedType), "not offered in region")
			return &Error{Op: "preflight-instance-types", Kind: KindUnsupportedType,
				Err: fmt.Errorf("instance type %s not offered in %s", t, a.region)}
		}
		if info.NetworkInfo != nil && info.NetworkInfo.EnaSupport == types.EnaSupportUnsupported {
			a.sink.Record("preflight-instance-types", t, string(KindUnsupportedType), "no ENA support")
			return &Error{Op: "preflight-instance-types", Kind: KindUnsupportedType,
				Err: fmt.Errorf("instance type %s does not support ENA", t)}
		}
	}
	a.sink.Record("preflight-instance-types", fmt.Sprintf("%d types", len(instanceTypes)), "ok", "")
	return nil
}

package awsctl

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// amiParameters are the vendor-published SSM pointers to the newest
// general-purpose Amazon Linux image per architecture.
var amiParameters = map[string]string{
	ArchX86: "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64",
	ArchARM: "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-arm64",
}

// ResolveImage looks up the latest base image id for the architecture via the
// vendor SSM parameter. Fails with image-unavailable when no pointer exists
// for the architecture or the lookup returns nothing.
func (a *Adapter) ResolveImage(ctx context.Context, architecture string) (string, error) {
	param, ok := amiParameters[architecture]
	if !ok {
		return "", &Error{Op: "resolve-image", Kind: KindImageUnavailable,
			Err: fmt.Errorf("no AMI pointer for architecture %q", architecture)}
	}
	var out *ssm.GetParameterOutput
	err := a.withRetry(ctx, "resolve-image", func() error {
		var err error
		out, err = a.ssm.GetParameter(ctx, &ssm.GetParameterInput{
			Name: aws.String(param),
		})
		return err
	})
	if err != nil {
		a.sink.Record("resolve-image", architecture, string(KindImageUnavailable), err.Error())
		return "", &Error{Op: "resolve-image", Kind: KindImageUnavailable, Err: err}
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		a.sink.Record("resolve-image", architecture, string(KindImageUnavailable), "empty parameter")
		return "", &Error{Op: "resolve-image", Kind: KindImageUnavailable,
			Err: fmt.Errorf("parameter %s is empty", param)}
	}
	imageID := aws.ToString(out.Parameter.Value)
	a.sink.Record("resolve-image", architecture, "ok", imageID)
	return imageID, nil
}

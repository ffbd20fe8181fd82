// Package main provides the command-line interface for the EC2 PTP hardware
// clock probe.
//
// The tool launches ephemeral instances of the requested types, configures
// each to expose its PTP hardware clock through chrony, verifies the result,
// and reports which instance types support nanosecond-precision hardware
// timestamping. Unsupported instances are terminated automatically; supported
// ones are offered for retention interactively.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/markbere/ptp-clock-checker/pkg/audit"
	"github.com/markbere/ptp-clock-checker/pkg/awsctl"
	"github.com/markbere/ptp-clock-checker/pkg/cleanup"
	"github.com/markbere/ptp-clock-checker/pkg/config"
	"github.com/markbere/ptp-clock-checker/pkg/fleet"
	"github.com/markbere/ptp-clock-checker/pkg/interaction"
	"github.com/markbere/ptp-clock-checker/pkg/ptp"
	"github.com/markbere/ptp-clock-checker/pkg/remote"
	"github.com/markbere/ptp-clock-checker/pkg/report"
	"github.com/markbere/ptp-clock-checker/pkg/runner"
	"github.com/markbere/ptp-clock-checker/pkg/schema"
	"github.com/markbere/ptp-clock-checker/pkg/storage"
)

// CLI validation errors.
var (
	ErrKeyPairRequired = errors.New("--key-pair is required")
	ErrKeyFileRequired = errors.New("--key-file is required")
	ErrSubnetRequired  = errors.New("--subnet is required")
)

var runFlags struct {
	instanceTypes  []string
	configFile     string
	subnet         string
	keyPair        string
	keyFile        string
	image          string
	securityGroup  string
	placementGroup string
	region         string
	profile        string
	remoteUser     string
	parallel       int
	keep           string
	output         string
	format         string
	s3Bucket       string
	assumeYes      bool
	debug          bool
}

var reportFlags struct {
	format string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptp-clock-checker",
		Short: "Discover which EC2 instance types support PTP hardware timestamping",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Launch probe instances and test PTP hardware clock support",
		RunE:  runFleet,
	}
	runCmd.Flags().StringSliceVar(&runFlags.instanceTypes, "instance-types", nil, "instance types to test, type or type:quantity (e.g. c7i.large,c7gn.large:2)")
	runCmd.Flags().StringVar(&runFlags.configFile, "config", "", "fleet file (YAML or JSON); CLI flags override it")
	runCmd.Flags().StringVar(&runFlags.subnet, "subnet", "", "subnet id for probe instances")
	runCmd.Flags().StringVar(&runFlags.keyPair, "key-pair", "", "EC2 key pair name")
	runCmd.Flags().StringVar(&runFlags.keyFile, "key-file", "", "path to the key pair's private key")
	runCmd.Flags().StringVar(&runFlags.image, "image", "", "AMI override (default: latest Amazon Linux for the architecture)")
	runCmd.Flags().StringVar(&runFlags.securityGroup, "security-group", "", "security group id")
	runCmd.Flags().StringVar(&runFlags.placementGroup, "placement-group", "", "placement group name")
	runCmd.Flags().StringVar(&runFlags.region, "region", "", "AWS region")
	runCmd.Flags().StringVar(&runFlags.profile, "profile", "", "shared credentials profile")
	runCmd.Flags().StringVar(&runFlags.remoteUser, "remote-user", "", "remote login user (default ec2-user)")
	runCmd.Flags().IntVar(&runFlags.parallel, "parallel", 1, "worker count; 1 means sequential")
	runCmd.Flags().StringVar(&runFlags.keep, "keep", "", "non-interactive retention: all, none, or an index expression")
	runCmd.Flags().StringVar(&runFlags.output, "output", "", "write the report to this file instead of stdout")
	runCmd.Flags().StringVar(&runFlags.format, "format", "text", "report format: text, json, or yaml")
	runCmd.Flags().StringVar(&runFlags.s3Bucket, "s3-bucket", "", "archive the JSON report to this bucket")
	runCmd.Flags().BoolVar(&runFlags.assumeYes, "yes", false, "answer confirmation prompts affirmatively")
	runCmd.Flags().BoolVar(&runFlags.debug, "debug", false, "enable debug logging")

	reportCmd := &cobra.Command{
		Use:   "report <file>",
		Short: "Re-render a saved JSON report",
		Args:  cobra.ExactArgs(1),
		RunE:  renderSaved,
	}
	reportCmd.Flags().StringVar(&reportFlags.format, "format", "text", "output format: text or yaml")

	rootCmd.AddCommand(runCmd, reportCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRequest merges the config file (when given) with CLI flags, flags
// winning.
func buildRequest() (*config.FleetRequest, error) {
	var base *config.FleetRequest
	if runFlags.configFile != "" {
		loaded, err := config.LoadFile(runFlags.configFile)
		if err != nil {
			return nil, err
		}
		base = loaded
	}

	override := &config.FleetRequest{
		SubnetID:       runFlags.subnet,
		KeyPairName:    runFlags.keyPair,
		KeyFile:        runFlags.keyFile,
		ImageID:        runFlags.image,
		SecurityGroup:  runFlags.securityGroup,
		PlacementGroup: runFlags.placementGroup,
		Region:         runFlags.region,
		Profile:        runFlags.profile,
		RemoteUser:     runFlags.remoteUser,
		S3Bucket:       runFlags.s3Bucket,
	}
	if runFlags.parallel > 1 {
		override.Parallel = runFlags.parallel
	}
	if len(runFlags.instanceTypes) > 0 {
		specs, err := config.ParseTypeSpecs(runFlags.instanceTypes)
		if err != nil {
			return nil, err
		}
		override.Specs = specs
	}

	req := config.Merge(base, override)
	if req.SubnetID == "" {
		return nil, ErrSubnetRequired
	}
	if req.KeyPairName == "" {
		return nil, ErrKeyPairRequired
	}
	if req.KeyFile == "" {
		return nil, ErrKeyFileRequired
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func runFleet(cmd *cobra.Command, _ []string) error {
	if runFlags.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	req, err := buildRequest()
	if err != nil {
		return err
	}

	// A SIGINT stops new jobs from starting; in-flight instances still reach
	// a verdict and cleanup still runs.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	sink := audit.NewSink(logrus.StandardLogger())
	adapter, err := awsctl.New(ctx, req.Region, req.Profile, sink)
	if err != nil {
		return err
	}

	// Fleet-wide preconditions: abort before any launch.
	if req.PlacementGroup != "" {
		if err := adapter.ValidatePlacementGroup(ctx, req.PlacementGroup); err != nil {
			return err
		}
	}
	types := make([]string, 0, len(req.Specs))
	for _, s := range req.Specs {
		types = append(types, s.InstanceType)
	}
	if err := adapter.PreflightInstanceTypes(ctx, types); err != nil {
		return err
	}

	connector, err := remote.NewConnector(req.User(), req.KeyFile, logrus.StandardLogger())
	if err != nil {
		return err
	}

	var chooser interaction.Chooser
	if runFlags.keep != "" || runFlags.assumeYes {
		chooser = interaction.StaticChooser{ConfirmAnswer: runFlags.assumeYes, Keep: runFlags.keep}
	} else {
		chooser = interaction.NewTerminalChooser(false)
	}

	r := &runner.Runner{
		Cloud:     adapter,
		Connector: runner.SSHConnector{Inner: connector},
		Config:    ptp.NewConfigurator(logrus.StandardLogger()),
		Log:       logrus.StandardLogger(),
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sched := &fleet.Scheduler{
		Runner:      r,
		Chooser:     chooser,
		Concurrency: req.Parallel,
		Progress: func(job runner.Job, index, total int) {
			spin.Stop()
			fmt.Printf("[%d/%d] testing %s (#%d/%d)\n", index+1, total,
				job.Spec.InstanceType, job.Spec.Ordinal, job.Spec.GroupTotal)
			spin.Start()
		},
	}

	start := time.Now()
	fleetReq := fleet.Request{
		Specs:          toFleetSpecs(req.Specs),
		SubnetID:       req.SubnetID,
		KeyPairName:    req.KeyPairName,
		ImageID:        req.ImageID,
		SecurityGroup:  req.SecurityGroup,
		PlacementGroup: req.PlacementGroup,
		RunID:          runID,
	}
	verdicts, err := sched.Run(ctx, fleetReq)
	spin.Stop()
	if err != nil {
		return err
	}

	// Cleanup runs on a fresh context so an interrupt that stopped the fleet
	// does not also strand instances.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	rec := &cleanup.Reconciler{Cloud: adapter, Chooser: chooser}
	cleanupReport, err := rec.Reconcile(cleanupCtx, verdicts)
	if err != nil {
		return err
	}
	for _, id := range cleanupReport.Failed {
		fmt.Fprintf(os.Stderr, "Warning: termination of %s not confirmed; follow up manually\n", id)
	}

	// Orphan sweep: anything still alive under this run's tag that cleanup
	// does not account for.
	if ids, err := adapter.ListByRunID(cleanupCtx, runID); err == nil {
		accounted := make(map[string]bool)
		for _, id := range cleanupReport.Kept {
			accounted[id] = true
		}
		for _, id := range cleanupReport.Failed {
			accounted[id] = true
		}
		for _, id := range ids {
			if !accounted[id] {
				sink.RecordOrphan(id, "alive after cleanup with no verdict accounting")
			}
		}
	}

	fleetReport := report.Aggregate(verdicts, time.Since(start), req.PlacementGroup)
	if err := emitReport(fleetReport); err != nil {
		return err
	}

	if req.S3Bucket != "" {
		if err := archiveReport(cleanupCtx, req, runID, fleetReport); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: report archive failed: %v\n", err)
		}
	}
	return nil
}

func toFleetSpecs(specs []config.TypeSpec) []fleet.TypeSpec {
	out := make([]fleet.TypeSpec, len(specs))
	for i, s := range specs {
		out[i] = fleet.TypeSpec{InstanceType: s.InstanceType, Quantity: s.Quantity}
	}
	return out
}

func emitReport(r *report.FleetReport) error {
	out := os.Stdout
	if runFlags.output != "" {
		f, err := os.Create(runFlags.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	switch runFlags.format {
	case "json":
		return report.RenderJSON(out, r)
	case "yaml":
		return report.RenderYAML(out, r)
	default:
		return report.RenderText(out, r)
	}
}

func archiveReport(ctx context.Context, req *config.FleetRequest, runID string, r *report.FleetReport) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	archiver, err := storage.NewArchiver(ctx, req.S3Bucket, req.Region, req.Profile)
	if err != nil {
		return err
	}
	key, err := archiver.StoreReport(ctx, runID, payload)
	if err != nil {
		return err
	}
	fmt.Printf("Report archived to s3://%s/%s\n", req.S3Bucket, key)
	return nil
}

// renderSaved validates a saved JSON export and re-renders it.
func renderSaved(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateBytes(data); err != nil {
		return err
	}
	var r report.FleetReport
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch reportFlags.format {
	case "yaml":
		return report.RenderYAML(os.Stdout, &r)
	default:
		return report.RenderText(os.Stdout, &r)
	}
}

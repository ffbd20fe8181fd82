// Package config builds the structured fleet request the core consumes. It
// parses type:quantity notation, loads YAML or JSON fleet files, applies the
// CLI-overrides-config precedence rule, and validates identifier shapes
// before anything touches the cloud.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// FleetRequest is the validated job intake. Immutable for the duration of a
// run.
type FleetRequest struct {
	Specs          []TypeSpec `mapstructure:"instance_types"`
	SubnetID       string     `mapstructure:"subnet"`
	KeyPairName    string     `mapstructure:"key_pair"`
	KeyFile        string     `mapstructure:"key_file"`
	ImageID        string     `mapstructure:"image"`
	SecurityGroup  string     `mapstructure:"security_group"`
	PlacementGroup string     `mapstructure:"placement_group"`
	Region         string     `mapstructure:"region"`
	Profile        string     `mapstructure:"profile"`
	RemoteUser     string     `mapstructure:"remote_user"`
	Parallel       int        `mapstructure:"parallel"`
	S3Bucket       string     `mapstructure:"s3_bucket"`
}

// TypeSpec is one instance-type request entry.
type TypeSpec struct {
	InstanceType string `mapstructure:"type"`
	Quantity     int    `mapstructure:"quantity"`
}

// Identifier shapes accepted before any API call is made.
var (
	instanceTypeRe = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z0-9]+$`)
	subnetRe       = regexp.MustCompile(`^subnet-[0-9a-f]{8,17}$`)
	sgRe           = regexp.MustCompile(`^sg-[0-9a-f]{8,17}$`)
	amiRe          = regexp.MustCompile(`^ami-[0-9a-f]{8,17}$`)
	regionRe       = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d$`)
)

// ParseTypeSpecs parses "type" or "type:quantity" entries; quantity defaults
// to 1.
func ParseTypeSpecs(entries []string) ([]TypeSpec, error) {
	var specs []TypeSpec
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, qtyStr, hasQty := strings.Cut(entry, ":")
		qty := 1
		if hasQty {
			n, err := strconv.Atoi(qtyStr)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid quantity in %q", entry)
			}
			qty = n
		}
		if !instanceTypeRe.MatchString(name) {
			return nil, fmt.Errorf("invalid instance type %q", name)
		}
		specs = append(specs, TypeSpec{InstanceType: name, Quantity: qty})
	}
	if len(specs) == 0 {
		return nil, errors.New("no instance types given")
	}
	return specs, nil
}

// LoadFile reads a YAML or JSON fleet file into a request. Field names match
// the mapstructure tags above; instance_types entries may be "type:qty"
// strings or {type, quantity} objects.
func LoadFile(path string) (*FleetRequest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	req := &FleetRequest{}
	// instance_types needs hand decoding to accept both notations.
	raw := v.Get("instance_types")
	if raw != nil {
		specs, err := decodeTypeSpecs(raw)
		if err != nil {
			return nil, err
		}
		req.Specs = specs
	}
	req.SubnetID = v.GetString("subnet")
	req.KeyPairName = v.GetString("key_pair")
	req.KeyFile = v.GetString("key_file")
	req.ImageID = v.GetString("image")
	req.SecurityGroup = v.GetString("security_group")
	req.PlacementGroup = v.GetString("placement_group")
	req.Region = v.GetString("region")
	req.Profile = v.GetString("profile")
	req.RemoteUser = v.GetString("remote_user")
	req.Parallel = v.GetInt("parallel")
	req.S3Bucket = v.GetString("s3_bucket")
	return req, nil
}

func decodeTypeSpecs(raw interface{}) ([]TypeSpec, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("instance_types must be a list")
	}
	var strEntries []string
	var specs []TypeSpec
	for _, item := range list {
		switch val := item.(type) {
		case string:
			strEntries = append(strEntries, val)
		case map[string]interface{}:
			name, _ := val["type"].(string)
			qty := 1
			switch q := val["quantity"].(type) {
			case int:
				qty = q
			case float64:
				qty = int(q)
			}
			parsed, err := ParseTypeSpecs([]string{fmt.Sprintf("%s:%d", name, qty)})
			if err != nil {
				return nil, err
			}
			specs = append(specs, parsed...)
		default:
			return nil, fmt.Errorf("unsupported instance_types entry %v", item)
		}
	}
	if len(strEntries) > 0 {
		parsed, err := ParseTypeSpecs(strEntries)
		if err != nil {
			return nil, err
		}
		specs = append(specs, parsed...)
	}
	return specs, nil
}

// Merge applies CLI overrides on top of a file-loaded base. Non-zero override
// fields win.
func Merge(base, override *FleetRequest) *FleetRequest {
	if base == nil {
		return override
	}
	out := *base
	if len(override.Specs) > 0 {
		out.Specs = override.Specs
	}
	if override.SubnetID != "" {
		out.SubnetID = override.SubnetID
	}
	if override.KeyPairName != "" {
		out.KeyPairName = override.KeyPairName
	}
	if override.KeyFile != "" {
		out.KeyFile = override.KeyFile
	}
	if override.ImageID != "" {
		out.ImageID = override.ImageID
	}
	if override.SecurityGroup != "" {
		out.SecurityGroup = override.SecurityGroup
	}
	if override.PlacementGroup != "" {
		out.PlacementGroup = override.PlacementGroup
	}
	if override.Region != "" {
		out.Region = override.Region
	}
	if override.Profile != "" {
		out.Profile = override.Profile
	}
	if override.RemoteUser != "" {
		out.RemoteUser = override.RemoteUser
	}
	if override.Parallel > 0 {
		out.Parallel = override.Parallel
	}
	if override.S3Bucket != "" {
		out.S3Bucket = override.S3Bucket
	}
	return &out
}

// Validate rejects malformed identifiers before any side effect.
func (r *FleetRequest) Validate() error {
	if len(r.Specs) == 0 {
		return errors.New("at least one instance type is required")
	}
	for _, s := range r.Specs {
		if !instanceTypeRe.MatchString(s.InstanceType) {
			return fmt.Errorf("invalid instance type %q", s.InstanceType)
		}
		if s.Quantity < 1 {
			return fmt.Errorf("quantity for %s must be >= 1", s.InstanceType)
		}
	}
	if r.SubnetID == "" || !subnetRe.MatchString(r.SubnetID) {
		return fmt.Errorf("invalid or missing subnet id %q", r.SubnetID)
	}
	if r.KeyPairName == "" {
		return errors.New("key pair name is required")
	}
	if r.KeyFile == "" {
		return errors.New("private key file is required")
	}
	if r.ImageID != "" && !amiRe.MatchString(r.ImageID) {
		return fmt.Errorf("invalid image id %q", r.ImageID)
	}
	if r.SecurityGroup != "" && !sgRe.MatchString(r.SecurityGroup) {
		return fmt.Errorf("invalid security group id %q", r.SecurityGroup)
	}
	if r.Region == "" || !regionRe.MatchString(r.Region) {
		return fmt.Errorf("invalid or missing region %q", r.Region)
	}
	return nil
}

// User returns the remote login user, defaulting to the Amazon Linux one.
func (r *FleetRequest) User() string {
	if r.RemoteUser != "" {
		return r.RemoteUser
	}
	return "ec2-user"
}

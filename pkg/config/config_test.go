package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTypeSpecs(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    []TypeSpec
		wantErr bool
	}{
		{"single default quantity", []string{"c7i.large"}, []TypeSpec{{"c7i.large", 1}}, false},
		{"explicit quantity", []string{"c7gn.large:3"}, []TypeSpec{{"c7gn.large", 3}}, false},
		{"mixed", []string{"c7i.large", "r7i.large:2"}, []TypeSpec{{"c7i.large", 1}, {"r7i.large", 2}}, false},
		{"zero quantity", []string{"c7i.large:0"}, nil, true},
		{"negative quantity", []string{"c7i.large:-1"}, nil, true},
		{"garbage quantity", []string{"c7i.large:x"}, nil, true},
		{"bad type shape", []string{"NotAType"}, nil, true},
		{"empty", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTypeSpecs(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTypeSpecs failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("spec %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func validRequest() *FleetRequest {
	return &FleetRequest{
		Specs:       []TypeSpec{{"c7i.large", 1}},
		SubnetID:    "subnet-0123456789abcdef0",
		KeyPairName: "probe-key",
		KeyFile:     "/home/user/.ssh/probe.pem",
		Region:      "us-east-1",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FleetRequest)
		wantErr bool
	}{
		{"valid", func(*FleetRequest) {}, false},
		{"with optional ids", func(r *FleetRequest) {
			r.ImageID = "ami-0123456789abcdef0"
			r.SecurityGroup = "sg-0123456789abcdef0"
		}, false},
		{"bad subnet", func(r *FleetRequest) { r.SubnetID = "vpc-123" }, true},
		{"missing subnet", func(r *FleetRequest) { r.SubnetID = "" }, true},
		{"missing key pair", func(r *FleetRequest) { r.KeyPairName = "" }, true},
		{"missing key file", func(r *FleetRequest) { r.KeyFile = "" }, true},
		{"bad image", func(r *FleetRequest) { r.ImageID = "image-123" }, true},
		{"bad security group", func(r *FleetRequest) { r.SecurityGroup = "group-1" }, true},
		{"bad region", func(r *FleetRequest) { r.Region = "useast1" }, true},
		{"no specs", func(r *FleetRequest) { r.Specs = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMergeCLIOverridesConfig(t *testing.T) {
	base := validRequest()
	base.Region = "us-west-2"
	base.Parallel = 2

	override := &FleetRequest{
		Region: "eu-central-1",
		Specs:  []TypeSpec{{"r7i.large", 2}},
	}
	merged := Merge(base, override)
	if merged.Region != "eu-central-1" {
		t.Errorf("region = %s, want override to win", merged.Region)
	}
	if len(merged.Specs) != 1 || merged.Specs[0].InstanceType != "r7i.large" {
		t.Errorf("specs = %v, want override specs", merged.Specs)
	}
	// Untouched fields keep the file values.
	if merged.SubnetID != base.SubnetID || merged.Parallel != 2 {
		t.Error("base fields lost in merge")
	}
}

const yamlFleet = `instance_types:
  - c7i.large
  - c7gn.large:2
subnet: subnet-0123456789abcdef0
key_pair: probe-key
key_file: /home/user/.ssh/probe.pem
region: us-east-1
placement_group: cluster-a
parallel: 2
`

const jsonFleet = `{
  "instance_types": [{"type": "r7i.large", "quantity": 2}],
  "subnet": "subnet-0123456789abcdef0",
  "key_pair": "probe-key",
  "key_file": "/home/user/.ssh/probe.pem",
  "region": "eu-west-1"
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	req, err := LoadFile(writeTemp(t, "fleet.yaml", yamlFleet))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(req.Specs) != 2 {
		t.Fatalf("specs = %v", req.Specs)
	}
	if req.Specs[1].InstanceType != "c7gn.large" || req.Specs[1].Quantity != 2 {
		t.Errorf("spec 2 = %+v", req.Specs[1])
	}
	if req.PlacementGroup != "cluster-a" || req.Parallel != 2 {
		t.Errorf("loaded request = %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("loaded request should validate: %v", err)
	}
}

func TestLoadFileJSON(t *testing.T) {
	req, err := LoadFile(writeTemp(t, "fleet.json", jsonFleet))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(req.Specs) != 1 || req.Specs[0].InstanceType != "r7i.large" || req.Specs[0].Quantity != 2 {
		t.Errorf("specs = %v", req.Specs)
	}
	if req.Region != "eu-west-1" {
		t.Errorf("region = %s", req.Region)
	}
}

func TestUserDefault(t *testing.T) {
	r := &FleetRequest{}
	if r.User() != "ec2-user" {
		t.Errorf("default user = %s", r.User())
	}
	r.RemoteUser = "admin"
	if r.User() != "admin" {
		t.Errorf("user = %s, want admin", r.User())
	}
}

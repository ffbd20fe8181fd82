package awsctl

import "testing"

func TestArchitectureForType(t *testing.T) {
	tests := []struct {
		instanceType string
		expected     string
	}{
		// Intel x86_64 instances
		{"m7i.large", ArchX86},
		{"c7i.xlarge", ArchX86},
		{"r7i.2xlarge", ArchX86},
		{"c6i.large", ArchX86},
		{"c5n.9xlarge", ArchX86},

		// AMD x86_64 instances
		{"m7a.large", ArchX86},
		{"c7a.xlarge", ArchX86},

		// Graviton ARM64 instances
		{"m7g.large", ArchARM},
		{"c7g.xlarge", ArchARM},
		{"c7gn.large", ArchARM},
		{"c6gn.medium", ArchARM},
		{"r7g.2xlarge", ArchARM},
		{"t4g.micro", ArchARM},

		// Families outside the table fall back to the suffix heuristic.
		{"m8g.large", ArchARM},
		{"m5.large", ArchX86},
		{"x1e.xlarge", ArchX86},
	}

	for _, tt := range tests {
		t.Run(tt.instanceType, func(t *testing.T) {
			if got := ArchitectureForType(tt.instanceType); got != tt.expected {
				t.Errorf("ArchitectureForType(%s) = %s, want %s", tt.instanceType, got, tt.expected)
			}
		})
	}
}

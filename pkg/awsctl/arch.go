package awsctl

import "strings"

// Architecture values reported for launched instances. The kernel re-verifies
// the value after connect; this table only drives AMI selection.
const (
	ArchX86     = "x86_64"
	ArchARM     = "arm64"
	ArchUnknown = "unknown"
)

// familyArch maps instance-type family prefixes to CPU architecture. Families
// absent from the table default to x86_64.
var familyArch = map[string]string{
	"c6g":  ArchARM,
	"c6gn": ArchARM,
	"c7g":  ArchARM,
	"c7gn": ArchARM,
	"m6g":  ArchARM,
	"m7g":  ArchARM,
	"r6g":  ArchARM,
	"r7g":  ArchARM,
	"t4g":  ArchARM,
	"c5n":  ArchX86,
	"c6i":  ArchX86,
	"c7i":  ArchX86,
	"c6a":  ArchX86,
	"c7a":  ArchX86,
	"m6i":  ArchX86,
	"m7i":  ArchX86,
	"r6i":  ArchX86,
	"r7i":  ArchX86,
}

// ArchitectureForType infers the CPU architecture from an instance type's
// family prefix, e.g. "c7gn.large" -> arm64.
func ArchitectureForType(instanceType string) string {
	family := instanceType
	if i := strings.Index(instanceType, "."); i > 0 {
		family = instanceType[:i]
	}
	if arch, ok := familyArch[family]; ok {
		return arch
	}
	// Graviton families not in the table still end in "g" or "gd"/"gn"
	// after the generation digit.
	if len(family) >= 3 && strings.ContainsAny(family[1:2], "0123456789") && strings.Contains(family[2:], "g") {
		return ArchARM
	}
	return ArchX86
}

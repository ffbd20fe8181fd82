// Package schema validates fleet report exports against the versioned JSON
// schema, so downstream consumers of saved reports can trust their shape.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Version is the current report schema version.
const Version = "1.0.0"

// reportSchema is the JSON Schema for the report export. Kept embedded so the
// binary can validate without a schema directory on disk.
const reportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ptp-clock-checker fleet report",
  "type": "object",
  "required": ["test_summary", "results"],
  "properties": {
    "test_summary": {
      "type": "object",
      "required": ["total_instances", "ptp_supported", "ptp_unsupported", "test_duration_seconds", "instance_types_tested", "instance_type_summary"],
      "properties": {
        "total_instances": {"type": "integer", "minimum": 0},
        "ptp_supported": {"type": "integer", "minimum": 0},
        "ptp_unsupported": {"type": "integer", "minimum": 0},
        "test_duration_seconds": {"type": "number", "minimum": 0},
        "instance_types_tested": {"type": "integer", "minimum": 0},
        "placement_group": {"type": ["string", "null"]},
        "instance_type_summary": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["total", "supported", "unsupported"],
            "properties": {
              "total": {"type": "integer"},
              "supported": {"type": "integer"},
              "unsupported": {"type": "integer"}
            }
          }
        }
      }
    },
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["instance_id", "instance_type", "instance_index", "total_instances_of_type", "architecture", "ptp_status", "kept_running", "timestamp"],
        "properties": {
          "instance_id": {"type": "string"},
          "instance_type": {"type": "string"},
          "instance_index": {"type": "integer", "minimum": 1},
          "total_instances_of_type": {"type": "integer", "minimum": 1},
          "architecture": {"type": "string"},
          "availability_zone": {"type": "string"},
          "subnet_id": {"type": "string"},
          "placement_group": {"type": "string"},
          "kept_running": {"type": "boolean"},
          "timestamp": {"type": "string"},
          "ptp_status": {
            "type": "object",
            "required": ["supported", "hardware_clock_present", "chrony_using_phc", "synchronized"],
            "properties": {
              "supported": {"type": "boolean"},
              "ena_driver_version": {"type": "string"},
              "hardware_clock_present": {"type": "boolean"},
              "chrony_using_phc": {"type": "boolean"},
              "synchronized": {"type": "boolean"},
              "clock_device": {"type": "string"},
              "time_offset_ns": {"type": ["integer", "null"]},
              "error_message": {"type": "string"},
              "diagnostic_output": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

// Validator checks report documents against the embedded schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile report schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidateBytes checks a JSON document. The returned error lists every schema
// violation.
func (v *Validator) ValidateBytes(doc []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("report does not match schema v%s:\n  %s", Version, strings.Join(problems, "\n  "))
}

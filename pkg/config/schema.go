// The config schema is a protobuf message built at runtime, so the repo doesn't need generated code. Every leaf
// field is named after the command line flag it sets; nested messages only group related flags.

package config

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	configPackage = "simplr.config"
	durationType  = ".google.protobuf.Duration"
)

type fieldSpec struct {
	name     string
	kind     descriptorpb.FieldDescriptorProto_Type
	typeName string // Only for message fields.
}

func scalar(name string, kind descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, kind: kind}
}

func duration(name string) fieldSpec {
	return fieldSpec{name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: durationType}
}

func section(name, message string) fieldSpec {
	return fieldSpec{
		name: name, kind: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, typeName: "." + configPackage + "." + message,
	}
}

// schemaMessages lists every message of the config file, in declaration order. `Config` is the root.
var schemaMessages = []struct {
	name   string
	fields []fieldSpec
}{
	{name: "Config", fields: []fieldSpec{
		section("logging", "Logging"),
		section("cache", "Cache"),
		section("monitor", "Monitor"),
		section("server", "Server"),
	}},
	{name: "Logging", fields: []fieldSpec{
		scalar("log_handler_type", descriptorpb.FieldDescriptorProto_TYPE_STRING),
		scalar("log_level", descriptorpb.FieldDescriptorProto_TYPE_STRING),
	}},
	{name: "Cache", fields: []fieldSpec{
		scalar("max_cache_size", descriptorpb.FieldDescriptorProto_TYPE_INT32),
		scalar("background_cache_size", descriptorpb.FieldDescriptorProto_TYPE_INT32),
		duration("cache_validity_duration"),
		duration("cleanup_interval"),
	}},
	{name: "Monitor", fields: []fieldSpec{
		duration("memory_warning_cooldown"),
		duration("pressure_timeout"),
		duration("pressure_poll_interval"),
		scalar("pressure_warning_ratio", descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
		scalar("pressure_critical_ratio", descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
		duration("pressure_reannounce_interval"),
	}},
	{name: "Server", fields: []fieldSpec{
		scalar("metrics_address", descriptorpb.FieldDescriptorProto_TYPE_STRING),
		duration("metrics_report_interval"),
		scalar("synthetic_load", descriptorpb.FieldDescriptorProto_TYPE_INT32),
	}},
}

// configDescriptor is the descriptor of the root Config message.
var configDescriptor = mustBuildSchema()

// buildSchema assembles the config file descriptor. Fields are proto2 optionals so that explicitly configured zero
// values are still applied.
func buildSchema() (protoreflect.MessageDescriptor, error) {
	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("simplr/config.proto"),
		Package:    proto.String(configPackage),
		Syntax:     proto.String("proto2"),
		Dependency: []string{durationpb.File_google_protobuf_duration_proto.Path()},
	}
	for _, message := range schemaMessages {
		messageProto := &descriptorpb.DescriptorProto{Name: proto.String(message.name)}
		for fieldIdx, field := range message.fields {
			fieldProto := &descriptorpb.FieldDescriptorProto{
				Name:     proto.String(field.name),
				JsonName: proto.String(field.name),
				Number:   proto.Int32(int32(fieldIdx + 1)),
				Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				Type:     field.kind.Enum(),
			}
			if field.typeName != "" {
				fieldProto.TypeName = proto.String(field.typeName)
			}
			messageProto.Field = append(messageProto.Field, fieldProto)
		}
		file.MessageType = append(file.MessageType, messageProto)
	}

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid config schema: %w", err)
	}
	return fd.Messages().ByName("Config"), nil
}

func mustBuildSchema() protoreflect.MessageDescriptor {
	md, err := buildSchema()
	if err != nil {
		panic(err)
	}
	return md
}

// isDurationField reports whether `fd` holds a google.protobuf.Duration.
func isDurationField(fd protoreflect.FieldDescriptor) bool {
	return fd.Kind() == protoreflect.MessageKind && "."+string(fd.Message().FullName()) == durationType
}

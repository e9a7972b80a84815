package openmodelpb

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ProtoFile is the path the OMI schema is registered under.
const ProtoFile = "openmodel/v1/model.proto"

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterFileDescriptor adds the OMI schema to the global protobuf registry
// so that server reflection can describe the ModzyModel service. It is safe
// to call more than once.
func RegisterFileDescriptor() error {
	registerOnce.Do(func() {
		if _, err := protoregistry.GlobalFiles.FindFileByPath(ProtoFile); err == nil {
			return
		}
		fd, err := protodesc.NewFile(FileDescriptorProto(), protoregistry.GlobalFiles)
		if err != nil {
			registerErr = fmt.Errorf("build %s descriptor: %w", ProtoFile, err)
			return
		}
		if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
			registerErr = fmt.Errorf("register %s: %w", ProtoFile, err)
		}
	})
	return registerErr
}

type fieldSpec struct {
	name     string
	number   int32
	typ      descriptorpb.FieldDescriptorProto_Type
	repeated bool
	typeName string
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, number: number, typ: typ}
}

func repeatedField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, number: number, typ: typ, repeated: true}
}

func messageField(name string, number int32, typeName string, repeated bool) fieldSpec {
	return fieldSpec{
		name:     name,
		number:   number,
		typ:      descriptorpb.FieldDescriptorProto_TYPE_MESSAGE,
		repeated: repeated,
		typeName: typeName,
	}
}

func (f fieldSpec) proto() *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if f.repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	fd := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(f.name),
		Number:   proto.Int32(f.number),
		Label:    label.Enum(),
		Type:     f.typ.Enum(),
		JsonName: proto.String(jsonName(f.name)),
	}
	if f.typeName != "" {
		fd.TypeName = proto.String(f.typeName)
	}
	return fd
}

func jsonName(name string) string {
	out := make([]byte, 0, len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

func message(name string, fields ...fieldSpec) *descriptorpb.DescriptorProto {
	m := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for _, f := range fields {
		m.Field = append(m.Field, f.proto())
	}
	return m
}

// bytesMapMessage returns a message holding a single map<string, bytes>
// field, including the synthetic entry type protoc would generate.
func bytesMapMessage(name, fieldName, entryName string, extra ...fieldSpec) *descriptorpb.DescriptorProto {
	const (
		str   = descriptorpb.FieldDescriptorProto_TYPE_STRING
		bytes = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	)
	entry := message(entryName, field("key", 1, str), field("value", 2, bytes))
	entry.Options = &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)}

	fields := append([]fieldSpec{messageField(fieldName, 1, "."+name+"."+entryName, true)}, extra...)
	m := message(name, fields...)
	m.NestedType = []*descriptorpb.DescriptorProto{entry}
	return m
}

// FileDescriptorProto describes openmodel/v1/model.proto.
func FileDescriptorProto() *descriptorpb.FileDescriptorProto {
	const (
		str   = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
		f32   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
		boolT = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	)

	messages := []*descriptorpb.DescriptorProto{
		message("StatusRequest"),
		message("ModelInfo",
			field("model_name", 1, str),
			field("model_version", 2, str),
			field("model_author", 3, str),
			field("model_type", 4, str),
			field("source", 5, str),
		),
		message("ModelDescription",
			field("summary", 1, str),
			field("details", 2, str),
			field("technical", 3, str),
			field("performance", 4, str),
		),
		message("ModelInput",
			field("filename", 1, str),
			repeatedField("accepted_media_types", 2, str),
			field("max_size", 3, str),
			field("description", 4, str),
		),
		message("ModelOutput",
			field("filename", 1, str),
			field("media_type", 2, str),
			field("max_size", 3, str),
			field("description", 4, str),
		),
		message("ModelResources",
			field("required_ram", 1, str),
			field("num_cpus", 2, f32),
			field("num_gpus", 3, i32),
		),
		message("ModelTimeout",
			field("status", 1, str),
			field("run", 2, str),
		),
		message("ModelFeatures",
			field("adversarial_defense", 1, boolT),
			field("batch_size", 2, i32),
			field("retrainable", 3, boolT),
			field("results_format", 4, str),
			field("drift_format", 5, str),
			field("explanation_format", 6, str),
		),
		message("StatusResponse",
			field("status_code", 1, i32),
			field("status", 2, str),
			field("message", 3, str),
			messageField("model_info", 4, ".ModelInfo", false),
			messageField("description", 5, ".ModelDescription", false),
			messageField("inputs", 6, ".ModelInput", true),
			messageField("outputs", 7, ".ModelOutput", true),
			messageField("resources", 8, ".ModelResources", false),
			messageField("timeout", 9, ".ModelTimeout", false),
			messageField("features", 10, ".ModelFeatures", false),
		),
		bytesMapMessage("InputItem", "input", "InputEntry"),
		message("RunRequest",
			messageField("inputs", 1, ".InputItem", true),
			field("detect_drift", 2, boolT),
			field("explain", 3, boolT),
		),
		bytesMapMessage("OutputItem", "output", "OutputEntry", field("success", 2, boolT)),
		message("RunResponse",
			field("status_code", 1, i32),
			field("status", 2, str),
			field("message", 3, str),
			messageField("outputs", 4, ".OutputItem", true),
		),
		message("ShutdownRequest"),
		message("ShutdownResponse",
			field("status_code", 1, i32),
			field("status", 2, str),
			field("message", 3, str),
		),
	}

	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String("." + in),
			OutputType: proto.String("." + out),
		}
	}

	return &descriptorpb.FileDescriptorProto{
		Name:        proto.String(ProtoFile),
		Syntax:      proto.String("proto3"),
		MessageType: messages,
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String(ServiceName),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Status", "StatusRequest", "StatusResponse"),
				method("Run", "RunRequest", "RunResponse"),
				method("Shutdown", "ShutdownRequest", "ShutdownResponse"),
			},
		}},
	}
}

// Package a4test provides the dynamic message schemas used by the stream
// tests: a TestEvent content class and a TestMetaData metadata class, with
// the event type importing a second descriptor file so that announcement
// closures are exercised.
package a4test

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Class IDs declared by the test schemas.
const (
	EventClassID    = 1000
	MetaDataClassID = 1001
)

func label(l descriptorpb.FieldDescriptorProto_Label) *descriptorpb.FieldDescriptorProto_Label {
	return &l
}

func ftype(t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type {
	return &t
}

// BaseFile describes a4/io/a4testing_base.proto, a dependency of the event
// file.
func BaseFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("a4/io/a4testing_base.proto"),
		Package: proto.String("a4.io"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("TestVector"),
			Field: []*descriptorpb.FieldDescriptorProto{
				{Name: proto.String("x"), Number: proto.Int32(1), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_DOUBLE)},
				{Name: proto.String("y"), Number: proto.Int32(2), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_DOUBLE)},
				{Name: proto.String("z"), Number: proto.Int32(3), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_DOUBLE)},
			},
		}},
	}
}

// EventFile describes a4/io/a4testing.proto with the TestEvent and
// TestMetaData messages. Both carry a CLASS_ID field whose number is their
// class ID.
func EventFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("a4/io/a4testing.proto"),
		Package:    proto.String("a4.io"),
		Syntax:     proto.String("proto2"),
		Dependency: []string{"a4/io/a4testing_base.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("TestEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("event_number"), Number: proto.Int32(1), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_UINT32)},
					{Name: proto.String("tracks"), Number: proto.Int32(2), Label: label(descriptorpb.FieldDescriptorProto_LABEL_REPEATED), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_MESSAGE), TypeName: proto.String(".a4.io.TestVector")},
					{Name: proto.String("CLASS_ID"), Number: proto.Int32(EventClassID), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_UINT32)},
				},
			},
			{
				Name: proto.String("TestMetaData"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("meta_data"), Number: proto.Int32(1), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_UINT32)},
					{Name: proto.String("CLASS_ID"), Number: proto.Int32(MetaDataClassID), Label: label(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ftype(descriptorpb.FieldDescriptorProto_TYPE_UINT32)},
				},
			},
		},
	}
}

var (
	eventDesc    protoreflect.MessageDescriptor
	metaDataDesc protoreflect.MessageDescriptor
)

func init() {
	files := new(protoregistry.Files)
	for _, fdp := range []*descriptorpb.FileDescriptorProto{BaseFile(), EventFile()} {
		fd, err := protodesc.NewFile(fdp, files)
		if err != nil {
			panic(fmt.Sprintf("a4test: building %s: %v", fdp.GetName(), err))
		}
		if err := files.RegisterFile(fd); err != nil {
			panic(fmt.Sprintf("a4test: registering %s: %v", fdp.GetName(), err))
		}
	}
	d, err := files.FindDescriptorByName("a4.io.TestEvent")
	if err != nil {
		panic(err)
	}
	eventDesc = d.(protoreflect.MessageDescriptor)
	d, err = files.FindDescriptorByName("a4.io.TestMetaData")
	if err != nil {
		panic(err)
	}
	metaDataDesc = d.(protoreflect.MessageDescriptor)
}

// Event returns the TestEvent descriptor.
func Event() protoreflect.MessageDescriptor { return eventDesc }

// MetaData returns the TestMetaData descriptor.
func MetaData() protoreflect.MessageDescriptor { return metaDataDesc }

// NewEvent builds a TestEvent with the given event number.
func NewEvent(eventNumber uint32) proto.Message {
	m := dynamicpb.NewMessage(eventDesc)
	m.Set(eventDesc.Fields().ByName("event_number"), protoreflect.ValueOfUint32(eventNumber))
	return m
}

// NewMetaData builds a TestMetaData with the given value.
func NewMetaData(metaData uint32) proto.Message {
	m := dynamicpb.NewMessage(metaDataDesc)
	m.Set(metaDataDesc.Fields().ByName("meta_data"), protoreflect.ValueOfUint32(metaData))
	return m
}

// EventNumber reads the event_number field of a decoded TestEvent.
func EventNumber(msg proto.Message) uint32 {
	m := msg.ProtoReflect()
	return uint32(m.Get(m.Descriptor().Fields().ByName("event_number")).Uint())
}

// MetaDataValue reads the meta_data field of a decoded TestMetaData.
func MetaDataValue(msg proto.Message) uint32 {
	m := msg.ProtoReflect()
	return uint32(m.Get(m.Descriptor().Fields().ByName("meta_data")).Uint())
}

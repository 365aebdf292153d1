package a4io

import (
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// classIDFieldName is the schema-discovery convention: a message whose
// descriptor carries a field literally named CLASS_ID is addressable in a
// stream, and the field's number is its class ID.
const classIDFieldName = "CLASS_ID"

// Pool maps class IDs to message descriptors, so records can be decoded by
// their numeric type alone. It is fed from stream headers and from in-band
// Proto announcements; the dependencies of a file descriptor must have been
// added before the file itself, which the writer guarantees.
type Pool struct {
	files   *protoregistry.Files
	classes map[uint32]protoreflect.MessageDescriptor
}

func NewPool() *Pool {
	return &Pool{
		files:   new(protoregistry.Files),
		classes: make(map[uint32]protoreflect.MessageDescriptor),
	}
}

// AddFileDescriptor registers all messages of fdp that follow the CLASS_ID
// convention. Adding the same file twice is a no-op, so concatenated
// sub-streams may repeat their announcements freely.
func (p *Pool) AddFileDescriptor(fdp *descriptorpb.FileDescriptorProto) error {
	if fdp == nil {
		return xerrors.New("nil file descriptor")
	}
	if _, err := p.files.FindFileByPath(fdp.GetName()); err == nil {
		return nil
	}
	fd, err := protodesc.NewFile(fdp, p.files)
	if err != nil {
		return xerrors.Errorf("resolving file descriptor %s: %v", fdp.GetName(), err)
	}
	if err := p.files.RegisterFile(fd); err != nil {
		return xerrors.Errorf("registering file descriptor %s: %v", fdp.GetName(), err)
	}
	msgs := fd.Messages()
	for i := 0; i < msgs.Len(); i++ {
		p.registerMessages(msgs.Get(i))
	}
	return nil
}

func (p *Pool) registerMessages(md protoreflect.MessageDescriptor) {
	if id, ok := classIDOf(md); ok {
		p.classes[id] = md
	}
	nested := md.Messages()
	for i := 0; i < nested.Len(); i++ {
		p.registerMessages(nested.Get(i))
	}
}

// Decode parses payload as a message of the given class.
func (p *Pool) Decode(classID uint32, payload []byte) (proto.Message, error) {
	md, ok := p.classes[classID]
	if !ok {
		return nil, &UnknownClassIDError{ClassID: classID}
	}
	m := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(payload, m); err != nil {
		return nil, xerrors.Errorf("decoding %s: %v", md.FullName(), err)
	}
	return m, nil
}

// Descriptor returns the registered descriptor for a class ID, or nil.
func (p *Pool) Descriptor(classID uint32) protoreflect.MessageDescriptor {
	return p.classes[classID]
}

// Name resolves a class ID to a message name for display purposes.
func (p *Pool) Name(classID uint32) string {
	if md, ok := p.classes[classID]; ok {
		return string(md.Name())
	}
	return ""
}

// classIDOf applies the CLASS_ID convention to a message descriptor.
func classIDOf(md protoreflect.MessageDescriptor) (uint32, bool) {
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		if fd := fields.Get(i); string(fd.Name()) == classIDFieldName {
			return uint32(fd.Number()), true
		}
	}
	return 0, false
}

// descriptorClosure appends the transitive import closure of fd to out,
// dependencies before dependents, visiting each file at most once. seen is
// keyed by file path and shared across calls so that the closures of several
// root files do not repeat common dependencies.
func descriptorClosure(fd protoreflect.FileDescriptor, seen map[string]bool, out []*descriptorpb.FileDescriptorProto) []*descriptorpb.FileDescriptorProto {
	if seen[fd.Path()] {
		return out
	}
	seen[fd.Path()] = true
	imports := fd.Imports()
	for i := 0; i < imports.Len(); i++ {
		out = descriptorClosure(imports.Get(i).FileDescriptor, seen, out)
	}
	return append(out, protodesc.ToFileDescriptorProto(fd))
}

// classIDsIn lists the class IDs declared by a file descriptor proto,
// including nested message types.
func classIDsIn(fdp *descriptorpb.FileDescriptorProto) []uint32 {
	var ids []uint32
	var walk func(d *descriptorpb.DescriptorProto)
	walk = func(d *descriptorpb.DescriptorProto) {
		for _, f := range d.GetField() {
			if f.GetName() == classIDFieldName {
				ids = append(ids, uint32(f.GetNumber()))
			}
		}
		for _, n := range d.GetNestedType() {
			walk(n)
		}
	}
	for _, d := range fdp.GetMessageType() {
		walk(d)
	}
	return ids
}

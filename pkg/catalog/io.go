// pkg/catalog/io.go
package catalog

import (
	"sort"
	"sync"

	"insitu/pkg/selection"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Block is one writer's piece of a variable for the current step.
// PayloadOffset locates the block's bytes inside that writer's step buffer.
type Block struct {
	Writer        int
	Box           selection.Box
	PayloadOffset uint64
	PayloadLength uint64
}

type Variable struct {
	Name   string
	Type   ElementType
	Shape  []uint64
	Blocks []Block
}

type Attribute struct {
	Name  string
	Type  ElementType
	Value []byte
}

// IO is the registry of variables and attributes known for a stream.
type IO struct {
	Name string

	mu         sync.RWMutex
	variables  map[string]*Variable
	attributes map[string]*Attribute
}

func NewIO(name string) *IO {
	return &IO{
		Name:       name,
		variables:  make(map[string]*Variable),
		attributes: make(map[string]*Attribute),
	}
}

// DefineVariable registers a variable. Redefining one with the same type
// returns the existing definition with its shape updated.
func (io *IO) DefineVariable(name string, typ ElementType, shape []uint64) (*Variable, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "variable name must not be empty")
	}
	if typ == TypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "variable %q has unknown element type", name)
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	if v, ok := io.variables[name]; ok {
		if v.Type != typ {
			return nil, status.Errorf(codes.InvalidArgument, "variable %q already defined as %s, not %s", name, v.Type, typ)
		}
		v.Shape = append([]uint64(nil), shape...)
		return v, nil
	}
	v := &Variable{Name: name, Type: typ, Shape: append([]uint64(nil), shape...)}
	io.variables[name] = v
	return v, nil
}

// AddBlock appends a block to a defined variable.
func (io *IO) AddBlock(name string, b Block) error {
	if err := b.Box.Validate(); err != nil {
		return err
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	v, ok := io.variables[name]
	if !ok {
		return status.Errorf(codes.NotFound, "variable %q is not defined", name)
	}
	if len(v.Shape) != b.Box.Dims() {
		return status.Errorf(codes.InvalidArgument, "block %v does not match the %d dimensions of %q", b.Box, len(v.Shape), name)
	}
	if len(v.Shape) > 0 && !selection.Contains(selection.Box{Start: make([]uint64, len(v.Shape)), Count: v.Shape}, b.Box) {
		return status.Errorf(codes.InvalidArgument, "block %v lies outside the shape %v of %q", b.Box, v.Shape, name)
	}
	v.Blocks = append(v.Blocks, b)
	return nil
}

func (io *IO) DefineAttribute(name string, typ ElementType, value []byte) error {
	if name == "" {
		return status.Error(codes.InvalidArgument, "attribute name must not be empty")
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	io.attributes[name] = &Attribute{Name: name, Type: typ, Value: append([]byte(nil), value...)}
	return nil
}

// InquireVariable returns the variable or nil if it does not exist.
func (io *IO) InquireVariable(name string) *Variable {
	io.mu.RLock()
	defer io.mu.RUnlock()
	return io.variables[name]
}

// InquireVariableType returns the declared type of a variable.
func (io *IO) InquireVariableType(name string) (ElementType, bool) {
	io.mu.RLock()
	defer io.mu.RUnlock()
	v, ok := io.variables[name]
	if !ok {
		return TypeUnknown, false
	}
	return v.Type, true
}

func (io *IO) InquireAttribute(name string) *Attribute {
	io.mu.RLock()
	defer io.mu.RUnlock()
	return io.attributes[name]
}

// RemoveAllVariables drops every variable and its blocks. Attributes stay.
func (io *IO) RemoveAllVariables() {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.variables = make(map[string]*Variable)
}

func (io *IO) RemoveAllAttributes() {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.attributes = make(map[string]*Attribute)
}

// Variables returns every variable sorted by name.
func (io *IO) Variables() []*Variable {
	io.mu.RLock()
	defer io.mu.RUnlock()
	out := make([]*Variable, 0, len(io.variables))
	for _, v := range io.variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Attributes returns every attribute sorted by name.
func (io *IO) Attributes() []*Attribute {
	io.mu.RLock()
	defer io.mu.RUnlock()
	out := make([]*Attribute, 0, len(io.attributes))
	for _, a := range io.attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

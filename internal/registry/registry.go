// Package registry builds the addressable command tree of a device from its
// schema and converts between user text and typed wire values.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openbuttnakedgang/holter/internal/protocol"
)

var (
	ErrSchema       = errors.New("registry: invalid schema")
	ErrUnknownPath  = errors.New("registry: unknown path")
	ErrNotLeaf      = errors.New("registry: not a leaf")
	ErrAccessDenied = errors.New("registry: access denied")
)

const (
	annotationMarker = "@"
	annotationType   = "@type"
	annotationAccess = "@access"
)

// Access is the pair of rights a leaf carries.
type Access struct {
	Read  bool
	Write bool
}

var (
	ReadOnly  = Access{Read: true}
	WriteOnly = Access{Write: true}
	ReadWrite = Access{Read: true, Write: true}
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "RO"
	case WriteOnly:
		return "WO"
	case ReadWrite:
		return "RW"
	}
	return "--"
}

func parseAccess(s string) (Access, error) {
	switch s {
	case "RO":
		return ReadOnly, nil
	case "WO":
		return WriteOnly, nil
	case "RW":
		return ReadWrite, nil
	}
	return Access{}, fmt.Errorf("%w: access %q", ErrSchema, s)
}

// ID indexes a node in the registry arena.
type ID int

// NoID is the parent of root nodes.
const NoID ID = -1

// Node is a section or a leaf of the tree.
type Node struct {
	ID       ID
	Parent   ID
	Name     string
	Path     string
	Access   Access
	Children []ID

	Leaf bool
	Tag  protocol.Tag

	Folded bool
	Input  string
	Value  protocol.Value
}

// Registry is the command tree. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nodes  []Node
	roots  []ID
	byPath map[string]ID
}

// Build parses a JSON schema into a Registry.
func Build(schema []byte) (*Registry, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(schema, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	r := &Registry{byPath: map[string]ID{}}
	access := ReadOnly
	if raw, ok := root[annotationAccess]; ok {
		a, err := decodeAccess(raw)
		if err != nil {
			return nil, err
		}
		access = a
	}
	ids, err := r.children(root, NoID, "", access)
	if err != nil {
		return nil, err
	}
	r.roots = ids
	return r, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !strings.HasPrefix(k, annotationMarker) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) children(obj map[string]json.RawMessage, parent ID, prefix string, access Access) ([]ID, error) {
	var ids []ID
	for _, name := range sortedKeys(obj) {
		if name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("%w: bad key %q under %q", ErrSchema, name, prefix)
		}
		id, err := r.node(obj[name], parent, name, prefix+"/"+name, access)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Registry) add(n Node) ID {
	n.ID = ID(len(r.nodes))
	r.nodes = append(r.nodes, n)
	r.byPath[n.Path] = n.ID
	return n.ID
}

func (r *Registry) node(raw json.RawMessage, parent ID, name, path string, access Access) (ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var typ string
		if err := json.Unmarshal(raw, &typ); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
		}
		return r.leaf(parent, name, path, typ, access)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("%w: %s: expected type name or object", ErrSchema, path)
	}
	if a, ok := obj[annotationAccess]; ok {
		var err error
		if access, err = decodeAccess(a); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
	}

	if t, ok := obj[annotationType]; ok {
		if len(sortedKeys(obj)) > 0 {
			return 0, fmt.Errorf("%w: %s: leaf has children", ErrSchema, path)
		}
		var typ string
		if err := json.Unmarshal(t, &typ); err != nil {
			return 0, fmt.Errorf("%w: %s: @type must be a string", ErrSchema, path)
		}
		return r.leaf(parent, name, path, typ, access)
	}

	id := r.add(Node{Parent: parent, Name: name, Path: path, Access: access, Folded: true})
	kids, err := r.children(obj, id, path, access)
	if err != nil {
		return 0, err
	}
	r.nodes[id].Children = kids
	return id, nil
}

func (r *Registry) leaf(parent ID, name, path, typ string, access Access) (ID, error) {
	tag, err := protocol.ParseTag(typ)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}
	if tag == protocol.TagUnit {
		access = WriteOnly
	}
	return r.add(Node{Parent: parent, Name: name, Path: path, Access: access, Leaf: true, Tag: tag}), nil
}

func decodeAccess(raw json.RawMessage) (Access, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Access{}, fmt.Errorf("%w: @access must be a string", ErrSchema)
	}
	return parseAccess(s)
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Paths returns every node path in tree order.
func (r *Registry) Paths() []string {
	var out []string
	r.walk(func(n *Node, _ int) bool {
		out = append(out, n.Path)
		return true
	})
	return out
}

// Leaves returns a copy of every leaf in tree order.
func (r *Registry) Leaves() []Node {
	var out []Node
	r.walk(func(n *Node, _ int) bool {
		if n.Leaf {
			out = append(out, *n)
		}
		return true
	})
	return out
}

// Lookup returns a copy of the node at path.
func (r *Registry) Lookup(path string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return r.nodes[id], nil
}

func (r *Registry) walk(fn func(*Node, int) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var visit func(ids []ID, depth int)
	visit = func(ids []ID, depth int) {
		for _, id := range ids {
			n := &r.nodes[id]
			if fn(n, depth) && !n.Leaf {
				visit(n.Children, depth+1)
			}
		}
	}
	visit(r.roots, 0)
}

// Visible returns the nodes that are not hidden under a folded section,
// paired with their depth.
func (r *Registry) Visible() ([]Node, []int) {
	var nodes []Node
	var depths []int
	r.walk(func(n *Node, depth int) bool {
		nodes = append(nodes, *n)
		depths = append(depths, depth)
		return !n.Folded
	})
	return nodes, depths
}

func (r *Registry) mutate(path string, fn func(*Node) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return fn(&r.nodes[id])
}

// ToggleFold flips the fold state of the section at path.
func (r *Registry) ToggleFold(path string) error {
	return r.mutate(path, func(n *Node) error {
		if n.Leaf {
			return fmt.Errorf("%w: %s", ErrNotLeaf, path)
		}
		n.Folded = !n.Folded
		return nil
	})
}

// SetInput stores pending user text for the leaf at path.
func (r *Registry) SetInput(path, text string) error {
	return r.mutate(path, func(n *Node) error {
		if !n.Leaf {
			return fmt.Errorf("%w: %s", ErrNotLeaf, path)
		}
		n.Input = text
		return nil
	})
}

// SetValue records the latest device value for the leaf at path.
func (r *Registry) SetValue(path string, v protocol.Value) error {
	return r.mutate(path, func(n *Node) error {
		if !n.Leaf {
			return fmt.Errorf("%w: %s", ErrNotLeaf, path)
		}
		if v != nil && v.Tag() != n.Tag {
			return fmt.Errorf("%w: %s holds %s, got %s", ErrValueParse, path, n.Tag, v.Tag())
		}
		n.Value = v
		return nil
	})
}

// ReadRequest validates and builds a READ for the leaf at path.
func (r *Registry) ReadRequest(path string) (protocol.Message, error) {
	n, err := r.Lookup(path)
	if err != nil {
		return protocol.Message{}, err
	}
	if !n.Leaf {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNotLeaf, path)
	}
	if !n.Access.Read {
		return protocol.Message{}, fmt.Errorf("%w: %s is not readable", ErrAccessDenied, path)
	}
	return protocol.ReadRequest(path), nil
}

// WriteRequest coerces text to the leaf type and builds a WRITE.
func (r *Registry) WriteRequest(path, text string) (protocol.Message, error) {
	n, err := r.Lookup(path)
	if err != nil {
		return protocol.Message{}, err
	}
	if !n.Leaf {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNotLeaf, path)
	}
	if !n.Access.Write {
		return protocol.Message{}, fmt.Errorf("%w: %s is not writable", ErrAccessDenied, path)
	}
	v, err := ParseValue(text, n.Tag)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.WriteRequest(path, v), nil
}

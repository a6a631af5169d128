// Package tree holds the directory hierarchy of a channel filesystem.
//
// Directories live in an arena and are addressed by NodeID. A directory's
// parent is an index into the arena, not a pointer, so a subtree can be
// detached or cloned without chasing back-references.
package tree

import (
	"errors"
	"fmt"
	"strings"

	"chanfs/internal/chat"
)

// RootName is the name of the root directory.
const RootName = "root"

var (
	// ErrNameExists is returned when a sibling already uses a name.
	ErrNameExists = errors.New("name already exists")
	// ErrInvalidName is returned for names starting with '-' or containing '/'.
	ErrInvalidName = errors.New("invalid name")
	// ErrNotFound is returned when a named child or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownNode is returned for ids that do not address a live directory.
	ErrUnknownNode = errors.New("unknown directory node")
	// ErrRootImmutable is returned when removing or re-parenting the root.
	ErrRootImmutable = errors.New("root directory cannot be removed")
	// ErrIntoSelf is returned when copying a directory beneath itself.
	ErrIntoSelf = errors.New("cannot copy a directory into itself")
)

// NodeID addresses a directory in a Tree.
type NodeID int

// NoNode is the parent of the root.
const NoNode NodeID = -1

// FileRef is the tree-visible handle of a file: a name and the id of the
// message holding its descriptor.
type FileRef struct {
	Name      string
	MessageID chat.MessageID
}

type node struct {
	name     string
	parent   NodeID
	children []NodeID
	files    []FileRef
	live     bool
}

// Tree is a directory hierarchy. It is not safe for concurrent use.
type Tree struct {
	nodes []node
	root  NodeID
}

// New creates a tree holding an empty root directory.
func New() *Tree {
	t := &Tree{}
	t.root = t.alloc(RootName, NoNode)
	return t
}

func (t *Tree) alloc(name string, parent NodeID) NodeID {
	t.nodes = append(t.nodes, node{name: name, parent: parent, live: true})
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) get(id NodeID) (*node, error) {
	if id < 0 || int(id) >= len(t.nodes) || !t.nodes[id].live {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return &t.nodes[id], nil
}

// ValidateName checks the naming rules shared by directories and files.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "-") || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Root returns the id of the root directory.
func (t *Tree) Root() NodeID { return t.root }

// Name returns the name of directory id.
func (t *Tree) Name(id NodeID) string {
	n, err := t.get(id)
	if err != nil {
		return ""
	}
	return n.name
}

// Parent returns the parent of directory id, or NoNode for the root.
func (t *Tree) Parent(id NodeID) NodeID {
	n, err := t.get(id)
	if err != nil {
		return NoNode
	}
	return n.parent
}

// Children returns the subdirectories of id in insertion order.
func (t *Tree) Children(id NodeID) []NodeID {
	n, err := t.get(id)
	if err != nil {
		return nil
	}
	return append([]NodeID(nil), n.children...)
}

// Files returns the file refs of id in insertion order.
func (t *Tree) Files(id NodeID) []FileRef {
	n, err := t.get(id)
	if err != nil {
		return nil
	}
	return append([]FileRef(nil), n.files...)
}

// IsEmpty reports whether id has neither subdirectories nor files.
func (t *Tree) IsEmpty(id NodeID) bool {
	n, err := t.get(id)
	if err != nil {
		return true
	}
	return len(n.children) == 0 && len(n.files) == 0
}

// Child looks up the subdirectory of parent called name.
func (t *Tree) Child(parent NodeID, name string) (NodeID, bool) {
	n, err := t.get(parent)
	if err != nil {
		return NoNode, false
	}
	for _, c := range n.children {
		if t.nodes[c].name == name {
			return c, true
		}
	}
	return NoNode, false
}

// File looks up the file ref of parent called name.
func (t *Tree) File(parent NodeID, name string) (FileRef, bool) {
	n, err := t.get(parent)
	if err != nil {
		return FileRef{}, false
	}
	for _, f := range n.files {
		if f.Name == name {
			return f, true
		}
	}
	return FileRef{}, false
}

// taken reports whether a child directory or file of n uses name.
func (t *Tree) taken(n *node, name string) bool {
	for _, c := range n.children {
		if t.nodes[c].name == name {
			return true
		}
	}
	for _, f := range n.files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// AddDirectory creates an empty subdirectory of parent.
func (t *Tree) AddDirectory(parent NodeID, name string) (NodeID, error) {
	if err := ValidateName(name); err != nil {
		return NoNode, err
	}
	n, err := t.get(parent)
	if err != nil {
		return NoNode, err
	}
	if t.taken(n, name) {
		return NoNode, fmt.Errorf("%w: %q", ErrNameExists, name)
	}

	id := t.alloc(name, parent)
	// alloc may have grown the arena; index again.
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	return id, nil
}

// AddFile attaches a file ref to parent.
func (t *Tree) AddFile(parent NodeID, ref FileRef) error {
	if err := ValidateName(ref.Name); err != nil {
		return err
	}
	n, err := t.get(parent)
	if err != nil {
		return err
	}
	if t.taken(n, ref.Name) {
		return fmt.Errorf("%w: %q", ErrNameExists, ref.Name)
	}
	n.files = append(n.files, ref)
	return nil
}

// SetFileMessage repoints the file ref parent/name at a new descriptor.
func (t *Tree) SetFileMessage(parent NodeID, name string, id chat.MessageID) error {
	n, err := t.get(parent)
	if err != nil {
		return err
	}
	for i := range n.files {
		if n.files[i].Name == name {
			n.files[i].MessageID = id
			return nil
		}
	}
	return fmt.Errorf("file %q: %w", name, ErrNotFound)
}

// RemoveFile detaches the file ref parent/name.
func (t *Tree) RemoveFile(parent NodeID, name string) error {
	n, err := t.get(parent)
	if err != nil {
		return err
	}
	for i, f := range n.files {
		if f.Name == name {
			n.files = append(n.files[:i:i], n.files[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("file %q: %w", name, ErrNotFound)
}

// RemoveDirectory detaches id from its parent. Its descendants go with it.
func (t *Tree) RemoveDirectory(id NodeID) error {
	if id == t.root {
		return ErrRootImmutable
	}
	n, err := t.get(id)
	if err != nil {
		return err
	}

	p := &t.nodes[n.parent]
	for i, c := range p.children {
		if c == id {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			break
		}
	}
	t.release(id)
	return nil
}

func (t *Tree) release(id NodeID) {
	for _, c := range t.nodes[id].children {
		t.release(c)
	}
	t.nodes[id] = node{}
}

// CopyDirectory clones the subtree at src under dstParent as name. File
// refs in the clone point at the same descriptors as the originals.
func (t *Tree) CopyDirectory(src, dstParent NodeID, name string) (NodeID, error) {
	if _, err := t.get(src); err != nil {
		return NoNode, err
	}
	if t.IsAncestor(src, dstParent) {
		return NoNode, fmt.Errorf("copying %q: %w", t.Name(src), ErrIntoSelf)
	}
	id, err := t.AddDirectory(dstParent, name)
	if err != nil {
		return NoNode, err
	}
	t.cloneInto(src, id)
	return id, nil
}

func (t *Tree) cloneInto(src, dst NodeID) {
	t.nodes[dst].files = append([]FileRef(nil), t.nodes[src].files...)
	for _, c := range t.Children(src) {
		id := t.alloc(t.nodes[c].name, dst)
		t.nodes[dst].children = append(t.nodes[dst].children, id)
		t.cloneInto(c, id)
	}
}

// IsAncestor reports whether a is id or one of its ancestors.
func (t *Tree) IsAncestor(a, id NodeID) bool {
	for id != NoNode {
		if id == a {
			return true
		}
		id = t.Parent(id)
	}
	return false
}

// Walk calls fn for id and every live descendant, parents before children.
func (t *Tree) Walk(id NodeID, fn func(NodeID)) {
	if _, err := t.get(id); err != nil {
		return
	}
	fn(id)
	for _, c := range t.nodes[id].children {
		t.Walk(c, fn)
	}
}

// Path returns the absolute path of id, "/" for the root.
func (t *Tree) Path(id NodeID) string {
	var parts []string
	for id != t.root && id != NoNode {
		parts = append(parts, t.Name(id))
		id = t.Parent(id)
	}
	if len(parts) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(parts[i])
	}
	return b.String()
}

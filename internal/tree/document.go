package tree

import (
	"encoding/json"
	"fmt"

	"chanfs/internal/chat"
)

// Document is the persisted form of a tree.
type Document struct {
	Dir DirectoryObject `json:"dir"`
}

// DirectoryObject is the persisted form of one directory. Children and
// Files are always present, as empty lists when there are none.
type DirectoryObject struct {
	Name     string            `json:"name"`
	Children []DirectoryObject `json:"children"`
	Files    []FileRefObject   `json:"files"`
}

// FileRefObject is the persisted form of a FileRef.
type FileRefObject struct {
	MessageID int64  `json:"messageId"`
	Name      string `json:"name"`
}

// Serialize returns the flat form of the tree.
func (t *Tree) Serialize() Document {
	return Document{Dir: t.serializeDir(t.root)}
}

func (t *Tree) serializeDir(id NodeID) DirectoryObject {
	n := &t.nodes[id]
	obj := DirectoryObject{
		Name:     n.name,
		Children: make([]DirectoryObject, 0, len(n.children)),
		Files:    make([]FileRefObject, 0, len(n.files)),
	}
	for _, c := range n.children {
		obj.Children = append(obj.Children, t.serializeDir(c))
	}
	for _, f := range n.files {
		obj.Files = append(obj.Files, FileRefObject{MessageID: int64(f.MessageID), Name: f.Name})
	}
	return obj
}

// Deserialize builds a tree from its flat form. Names are taken as stored;
// the naming rules apply to mutations only.
func Deserialize(doc Document) *Tree {
	t := &Tree{}
	t.root = t.graft(NoNode, doc.Dir)
	return t
}

// graft appends obj and its descendants to the arena under parent.
func (t *Tree) graft(parent NodeID, obj DirectoryObject) NodeID {
	id := t.alloc(obj.Name, parent)
	if parent != NoNode {
		t.nodes[parent].children = append(t.nodes[parent].children, id)
	}
	for _, f := range obj.Files {
		t.nodes[id].files = append(t.nodes[id].files, FileRef{Name: f.Name, MessageID: chat.MessageID(f.MessageID)})
	}
	for _, c := range obj.Children {
		t.graft(id, c)
	}
	return id
}

// Marshal encodes the tree as a JSON document.
func (t *Tree) Marshal() ([]byte, error) {
	data, err := json.Marshal(t.Serialize())
	if err != nil {
		return nil, fmt.Errorf("encoding tree: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON document produced by Marshal.
func Unmarshal(data []byte) (*Tree, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	if doc.Dir.Name == "" {
		return nil, fmt.Errorf("decoding tree: document has no root directory")
	}
	return Deserialize(doc), nil
}

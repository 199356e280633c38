package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// Node is one entry of a directory tree.
type Node struct {
	Name     string
	Record   provider.Record
	Children []*Node
}

// Tree lists source level by level and folds the entries into a tree. It is
// read-only and not recorded.
func (f *Facade) Tree(ctx context.Context, source string) (*Node, error) {
	start := time.Now()
	src, err := f.remotePath(source)
	if err != nil {
		return nil, err
	}
	name := src
	if name == "" {
		name = f.service + ":"
	}
	root := &Node{Name: name, Record: provider.Record{FileName: name, Path: src, Type: provider.TypeDir}}
	err = f.grow(ctx, root, map[string]bool{})
	metrics.RecordOperation(OpTree, string(f.kind), time.Since(start), err == nil)
	if err != nil {
		return nil, apperr.Wrap(OpTree, f.service, src, err)
	}
	return root, nil
}

func (f *Facade) grow(ctx context.Context, n *Node, seen map[string]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.TrimSuffix(n.Record.Path, "/")
	seen[key] = true

	entries, err := f.backend.List(ctx, n.Record.Path, false, false)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileName < entries[j].FileName })
	for _, rec := range entries {
		// a file source lists itself
		if strings.TrimSuffix(rec.Path, "/") == key {
			continue
		}
		child := &Node{Name: rec.FileName, Record: rec}
		n.Children = append(n.Children, child)
		if rec.IsDir() && !seen[strings.TrimSuffix(rec.Path, "/")] {
			if err := f.grow(ctx, child, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// Render writes the tree in the usual box-drawing layout.
func (n *Node) Render(w io.Writer) error {
	if _, err := fmt.Fprintln(w, n.Name); err != nil {
		return err
	}
	return n.renderChildren(w, "")
}

func (n *Node) renderChildren(w io.Writer, prefix string) error {
	for i, c := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		name := c.Name
		if c.Record.IsDir() {
			name += "/"
		}
		if _, err := fmt.Fprintln(w, prefix+branch+name); err != nil {
			return err
		}
		if err := c.renderChildren(w, prefix+next); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of files and directories below n.
func (n *Node) Count() (files, dirs int) {
	for _, c := range n.Children {
		if c.Record.IsDir() {
			dirs++
		} else {
			files++
		}
		f, d := c.Count()
		files += f
		dirs += d
	}
	return files, dirs
}

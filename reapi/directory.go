package reapi

import (
	"fmt"

	cascache "github.com/wolfeidau/cas-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

// Directory is a single level of a directory tree. Children are referenced
// by digest; subdirectories are themselves Directory messages stored in the CAS.
type Directory struct {
	Files       []FileNode
	Directories []DirectoryNode
	Symlinks    []SymlinkNode
}

// FileNode is a file entry of a Directory.
type FileNode struct {
	Name         string
	Digest       cascache.Digest
	IsExecutable bool
}

// DirectoryNode is a subdirectory entry of a Directory.
type DirectoryNode struct {
	Name   string
	Digest cascache.Digest
}

// SymlinkNode is a symbolic link entry of a Directory.
type SymlinkNode struct {
	Name   string
	Target string
}

const (
	directoryFiles       protowire.Number = 1
	directoryDirectories protowire.Number = 2
	directorySymlinks    protowire.Number = 3

	fileNodeName         protowire.Number = 1
	fileNodeDigest       protowire.Number = 2
	fileNodeIsExecutable protowire.Number = 4

	dirNodeName   protowire.Number = 1
	dirNodeDigest protowire.Number = 2

	symlinkName   protowire.Number = 1
	symlinkTarget protowire.Number = 2
)

// Marshal encodes the directory in wire format.
func (d *Directory) Marshal() []byte {
	var b []byte
	for _, f := range d.Files {
		var m []byte
		m = appendString(m, fileNodeName, f.Name)
		m = appendDigest(m, fileNodeDigest, f.Digest)
		m = appendBool(m, fileNodeIsExecutable, f.IsExecutable)
		b = appendMessage(b, directoryFiles, m)
	}
	for _, sub := range d.Directories {
		var m []byte
		m = appendString(m, dirNodeName, sub.Name)
		m = appendDigest(m, dirNodeDigest, sub.Digest)
		b = appendMessage(b, directoryDirectories, m)
	}
	for _, s := range d.Symlinks {
		var m []byte
		m = appendString(m, symlinkName, s.Name)
		m = appendString(m, symlinkTarget, s.Target)
		b = appendMessage(b, directorySymlinks, m)
	}
	return b
}

// UnmarshalDirectory decodes a Directory message.
func UnmarshalDirectory(b []byte) (*Directory, error) {
	d := &Directory{}
	err := eachField(b, func(f field) error {
		switch f.num {
		case directoryFiles:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			n, err := unmarshalFileNode(f.bytes)
			if err != nil {
				return fmt.Errorf("file %d: %w", len(d.Files), err)
			}
			d.Files = append(d.Files, n)
		case directoryDirectories:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			n, err := unmarshalDirectoryNode(f.bytes)
			if err != nil {
				return fmt.Errorf("directory %d: %w", len(d.Directories), err)
			}
			d.Directories = append(d.Directories, n)
		case directorySymlinks:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			n, err := unmarshalSymlinkNode(f.bytes)
			if err != nil {
				return fmt.Errorf("symlink %d: %w", len(d.Symlinks), err)
			}
			d.Symlinks = append(d.Symlinks, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func unmarshalFileNode(b []byte) (FileNode, error) {
	var n FileNode
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case fileNodeName:
			n.Name, err = f.asString()
		case fileNodeDigest:
			n.Digest, err = f.asDigest()
		case fileNodeIsExecutable:
			n.IsExecutable, err = f.asBool()
		}
		return err
	})
	return n, err
}

func unmarshalDirectoryNode(b []byte) (DirectoryNode, error) {
	var n DirectoryNode
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case dirNodeName:
			n.Name, err = f.asString()
		case dirNodeDigest:
			n.Digest, err = f.asDigest()
		}
		return err
	})
	return n, err
}

func unmarshalSymlinkNode(b []byte) (SymlinkNode, error) {
	var n SymlinkNode
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case symlinkName:
			n.Name, err = f.asString()
		case symlinkTarget:
			n.Target, err = f.asString()
		}
		return err
	})
	return n, err
}

package reapi

import (
	"fmt"

	cascache "github.com/wolfeidau/cas-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

// ActionResult is the outcome of executing an action, as stored in the action cache.
type ActionResult struct {
	OutputFiles       []OutputFile
	OutputDirectories []OutputDirectory
	ExitCode          int32
	StdoutRaw         []byte
	StdoutDigest      cascache.Digest
	StderrRaw         []byte
	StderrDigest      cascache.Digest
}

// OutputFile is a file produced by an action. Small files may be inlined in Contents.
type OutputFile struct {
	Path         string
	Digest       cascache.Digest
	IsExecutable bool
	Contents     []byte
}

// OutputDirectory is a directory produced by an action, referenced by the
// digest of its Tree.
type OutputDirectory struct {
	Path       string
	TreeDigest cascache.Digest
}

const (
	resultOutputFiles       protowire.Number = 2
	resultOutputDirectories protowire.Number = 3
	resultExitCode          protowire.Number = 4
	resultStdoutRaw         protowire.Number = 5
	resultStdoutDigest      protowire.Number = 6
	resultStderrRaw         protowire.Number = 7
	resultStderrDigest      protowire.Number = 8

	outputFilePath         protowire.Number = 1
	outputFileDigest       protowire.Number = 2
	outputFileIsExecutable protowire.Number = 4
	outputFileContents     protowire.Number = 5

	outputDirPath       protowire.Number = 1
	outputDirTreeDigest protowire.Number = 3
)

// Digests returns every CAS digest the result refers to.
func (r *ActionResult) Digests() []cascache.Digest {
	var out []cascache.Digest
	for _, f := range r.OutputFiles {
		if !f.Digest.IsZero() {
			out = append(out, f.Digest)
		}
	}
	for _, d := range r.OutputDirectories {
		if !d.TreeDigest.IsZero() {
			out = append(out, d.TreeDigest)
		}
	}
	if !r.StdoutDigest.IsZero() {
		out = append(out, r.StdoutDigest)
	}
	if !r.StderrDigest.IsZero() {
		out = append(out, r.StderrDigest)
	}
	return out
}

// Marshal encodes the result in wire format.
func (r *ActionResult) Marshal() []byte {
	var b []byte
	for _, f := range r.OutputFiles {
		var m []byte
		m = appendString(m, outputFilePath, f.Path)
		m = appendDigest(m, outputFileDigest, f.Digest)
		m = appendBool(m, outputFileIsExecutable, f.IsExecutable)
		m = appendBytes(m, outputFileContents, f.Contents)
		b = appendMessage(b, resultOutputFiles, m)
	}
	for _, d := range r.OutputDirectories {
		var m []byte
		m = appendString(m, outputDirPath, d.Path)
		m = appendDigest(m, outputDirTreeDigest, d.TreeDigest)
		b = appendMessage(b, resultOutputDirectories, m)
	}
	// int32 fields are sign extended to 64 bits on the wire
	b = appendVarint(b, resultExitCode, uint64(int64(r.ExitCode)))
	b = appendBytes(b, resultStdoutRaw, r.StdoutRaw)
	b = appendDigest(b, resultStdoutDigest, r.StdoutDigest)
	b = appendBytes(b, resultStderrRaw, r.StderrRaw)
	b = appendDigest(b, resultStderrDigest, r.StderrDigest)
	return b
}

// UnmarshalActionResult decodes an ActionResult message.
func UnmarshalActionResult(b []byte) (*ActionResult, error) {
	r := &ActionResult{}
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case resultOutputFiles:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var of OutputFile
			of, err = unmarshalOutputFile(f.bytes)
			if err != nil {
				return fmt.Errorf("output file %d: %w", len(r.OutputFiles), err)
			}
			r.OutputFiles = append(r.OutputFiles, of)
		case resultOutputDirectories:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var od OutputDirectory
			od, err = unmarshalOutputDirectory(f.bytes)
			if err != nil {
				return fmt.Errorf("output directory %d: %w", len(r.OutputDirectories), err)
			}
			r.OutputDirectories = append(r.OutputDirectories, od)
		case resultExitCode:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			r.ExitCode = int32(f.varint)
		case resultStdoutRaw:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			r.StdoutRaw = append([]byte(nil), f.bytes...)
		case resultStdoutDigest:
			r.StdoutDigest, err = f.asDigest()
		case resultStderrRaw:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			r.StderrRaw = append([]byte(nil), f.bytes...)
		case resultStderrDigest:
			r.StderrDigest, err = f.asDigest()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalOutputFile(b []byte) (OutputFile, error) {
	var of OutputFile
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case outputFilePath:
			of.Path, err = f.asString()
		case outputFileDigest:
			of.Digest, err = f.asDigest()
		case outputFileIsExecutable:
			of.IsExecutable, err = f.asBool()
		case outputFileContents:
			if err = f.expect(protowire.BytesType); err == nil {
				of.Contents = append([]byte(nil), f.bytes...)
			}
		}
		return err
	})
	return of, err
}

func unmarshalOutputDirectory(b []byte) (OutputDirectory, error) {
	var od OutputDirectory
	err := eachField(b, func(f field) error {
		var err error
		switch f.num {
		case outputDirPath:
			od.Path, err = f.asString()
		case outputDirTreeDigest:
			od.TreeDigest, err = f.asDigest()
		}
		return err
	})
	return od, err
}

package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"rollback.dev/internal/sim/rollback"
)

const Version = 1

type Header struct {
	Version  int            `json:"version"`
	Frame    rollback.Frame `json:"frame"`
	Checksum uint64         `json:"checksum"`
	Reason   string         `json:"reason,omitempty"`
}

// DumpV1 is a stored world snapshot, written for offline desync analysis.
type DumpV1 struct {
	Header Header `json:"header"`

	FPS        int `json:"fps"`
	NumPlayers int `json:"num_players"`

	Snapshot rollback.WorldSnapshot `json:"snapshot"`
}

// NewDump wraps snap for frame. The header checksum is the snapshot's own.
func NewDump(frame rollback.Frame, snap *rollback.WorldSnapshot, reason string) DumpV1 {
	return DumpV1{
		Header: Header{
			Version:  Version,
			Frame:    frame,
			Checksum: snap.Checksum,
			Reason:   reason,
		},
		Snapshot: *snap,
	}
}

// Path is where a dump of frame lives under dir.
func Path(dir string, frame rollback.Frame) string {
	return filepath.Join(dir, "dumps", fmt.Sprintf("frame-%010d.snap.zst", frame))
}

// WriteDump stores d as a JSON header line followed by a gob body, zstd
// compressed.
func WriteDump(path string, d DumpV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, err := json.Marshal(d.Header)
	if err != nil {
		enc.Close()
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&d); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func openDump(path string) (*bufio.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	closeFn := func() {
		dec.Close()
		_ = f.Close()
	}
	return bufio.NewReaderSize(dec, 64*1024), closeFn, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	br, closeFn, err := openDump(path)
	if err != nil {
		return h, err
	}
	defer closeFn()

	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadDump(path string) (DumpV1, error) {
	var d DumpV1
	br, closeFn, err := openDump(path)
	if err != nil {
		return d, err
	}
	defer closeFn()

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return d, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&d); err != nil {
		return d, fmt.Errorf("gob decode: %w", err)
	}
	if d.Header.Version != Version {
		return d, fmt.Errorf("unsupported dump version %d", d.Header.Version)
	}
	return d, nil
}

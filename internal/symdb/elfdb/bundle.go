package elfdb

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// BundleMagic opens every uncompressed clang offload bundle.
const BundleMagic = "__CLANG_OFFLOAD_BUNDLE__"

// compressedMagic opens a compressed offload bundle.
const compressedMagic = "CCOB"

// FatbinSection holds the offload bundles embedded in a HIP host binary.
const FatbinSection = ".hip_fatbin"

var (
	ErrUnsupported     = errors.New("unsupported code object format")
	ErrCompressed      = errors.New("compressed offload bundles are not supported")
	ErrTruncatedBundle = errors.New("truncated offload bundle")
)

type BundleEntry struct {
	ID   string
	Data []byte
}

// IsDevice reports whether the entry holds an AMDGPU code object.
func (e BundleEntry) IsDevice() bool {
	return strings.Contains(e.ID, "amdgcn-amd-amdhsa")
}

// ParseBundle decodes the entry table of the offload bundle at the start of
// data. Entry offsets are relative to the start of the bundle.
func ParseBundle(data []byte) ([]BundleEntry, error) {
	if bytes.HasPrefix(data, []byte(compressedMagic)) {
		return nil, ErrCompressed
	}
	if !bytes.HasPrefix(data, []byte(BundleMagic)) {
		return nil, ErrUnsupported
	}
	r := bytes.NewReader(data[len(BundleMagic):])

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrTruncatedBundle
	}
	// Each entry header is at least three words.
	if count > uint64(r.Len())/24 {
		return nil, ErrTruncatedBundle
	}

	entries := make([]BundleEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var hdr struct {
			Offset uint64
			Size   uint64
			IDLen  uint64
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, ErrTruncatedBundle
		}
		if hdr.IDLen > uint64(r.Len()) {
			return nil, ErrTruncatedBundle
		}
		id := make([]byte, hdr.IDLen)
		if _, err := r.Read(id); err != nil && hdr.IDLen > 0 {
			return nil, ErrTruncatedBundle
		}
		if hdr.Offset > uint64(len(data)) || hdr.Size > uint64(len(data))-hdr.Offset {
			return nil, fmt.Errorf("entry %q: %w", id, ErrTruncatedBundle)
		}
		entries = append(entries, BundleEntry{
			ID:   string(id),
			Data: data[hdr.Offset : hdr.Offset+hdr.Size],
		})
	}
	return entries, nil
}

// Extract returns the AMDGPU code objects held in data, which may be a code
// object, an offload bundle or a host binary with an embedded fat binary.
// When target is not empty only bundle entries naming it are kept.
func Extract(data []byte, target string) ([][]byte, error) {
	if bytes.HasPrefix(data, []byte(BundleMagic)) || bytes.HasPrefix(data, []byte(compressedMagic)) {
		return deviceEntries(data, target)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	defer f.Close()

	if f.Machine == elf.EM_AMDGPU {
		return [][]byte{data}, nil
	}

	sec := f.Section(FatbinSection)
	if sec == nil {
		return nil, fmt.Errorf("%w: no %s section", ErrUnsupported, FatbinSection)
	}
	fatbin, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FatbinSection, err)
	}

	var out [][]byte
	for off := 0; off < len(fatbin); {
		i := bytes.Index(fatbin[off:], []byte(BundleMagic))
		if i < 0 {
			break
		}
		objs, err := deviceEntries(fatbin[off+i:], target)
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
		off += i + len(BundleMagic)
	}
	return out, nil
}

func deviceEntries(bundle []byte, target string) ([][]byte, error) {
	entries, err := ParseBundle(bundle)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, e := range entries {
		if !e.IsDevice() || len(e.Data) == 0 {
			continue
		}
		if target != "" && !strings.Contains(e.ID, target) {
			continue
		}
		out = append(out, e.Data)
	}
	return out, nil
}

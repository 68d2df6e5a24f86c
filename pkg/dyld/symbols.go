package dyld

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// A Symbol is the closest preceding eligible symbol for a looked up address.
type Symbol struct {
	Name    string `json:"name"`
	Address uint64 `json:"address"`
}

// A Lookup is the result of resolving an unslid address to the image that
// owns it. Symbol is nil when the image was identified but neither symbol
// source had an eligible entry; callers then report the offset from
// LoadAddress instead.
type Lookup struct {
	Address     uint64  `json:"address"`
	Image       string  `json:"image"`
	LoadAddress uint64  `json:"load_address"`
	Symbol      *Symbol `json:"symbol,omitempty"`
}

// GetSymbolForVMAddress resolves an unslid address to its owning image and
// the nearest preceding symbol, searching both the image's own symbol table
// and the cache wide local symbols chunk.
func (f *File) GetSymbolForVMAddress(address uint64) (*Lookup, error) {
	entry := f.findRangeEntry(address)
	if entry == nil {
		return nil, ErrAddressNotInCache
	}
	image := f.Images[entry.ImageIndex]

	dylibOffset, err := f.GetOffset(image.Info.Address)
	if err != nil {
		return nil, errors.Wrapf(ErrAddressNotInCache, "image %s load address %#x not in any mapping", image.Name, image.Info.Address)
	}

	best, err := f.searchImageSymtab(dylibOffset, address)
	if err != nil {
		return nil, err
	}

	if localEntry, ok := f.findLocalSymbolsEntry(dylibOffset); ok {
		localSym, err := f.searchLocalSyms(localEntry, address)
		if err != nil {
			return nil, err
		}
		// A local symbol only replaces the symtab result when it is strictly
		// closer to the target; on an equal value the symtab symbol wins.
		if localSym != nil && (best == nil || localSym.Address > best.Address) {
			best = localSym
		}
	}

	return &Lookup{
		Address:     address,
		Image:       image.Name,
		LoadAddress: image.Info.Address,
		Symbol:      best,
	}, nil
}

// searchImageSymtab walks the dylib's own mach-o load commands for LC_SYMTAB
// and the __LINKEDIT segment, remaps the recorded symbol/string table offsets
// into the cache's file offset space and scans for the closest preceding
// section-defined symbol. A dylib whose header cannot be walked contributes
// no symbol; only a read failure on a validated region is an error.
func (f *File) searchImageSymtab(dylibOffset, target uint64) (*Symbol, error) {
	if dylibOffset+uint64(types.FileHeaderSize64) > uint64(f.size) {
		return nil, nil
	}

	sr := io.NewSectionReader(f.r, 0, f.size)
	sr.Seek(int64(dylibOffset), io.SeekStart)

	var mh types.FileHeader
	if err := binary.Read(sr, f.ByteOrder, &mh); err != nil {
		return nil, err
	}
	if mh.Magic != types.Magic64 {
		log.Debugf("dylib at offset %#x is not a 64-bit mach-o", dylibOffset)
		return nil, nil
	}
	if uint64(mh.SizeCommands) > uint64(f.size)-dylibOffset-uint64(types.FileHeaderSize64) {
		return nil, nil
	}

	cr := io.NewSectionReader(f.r, int64(dylibOffset)+int64(types.FileHeaderSize64), int64(mh.SizeCommands))

	var symtab *types.SymtabCmd
	var linkedit *types.Segment64
	for i := uint32(0); i < mh.NCommands; i++ {
		pos, _ := cr.Seek(0, io.SeekCurrent)
		var lc struct {
			Cmd types.LoadCmd
			Len uint32
		}
		if err := binary.Read(cr, f.ByteOrder, &lc); err != nil {
			break // ran past SizeCommands
		}
		if lc.Len < 8 || pos+int64(lc.Len) > int64(mh.SizeCommands) {
			break
		}
		switch lc.Cmd {
		case types.LC_SYMTAB:
			cr.Seek(pos, io.SeekStart)
			var cmd types.SymtabCmd
			if err := binary.Read(cr, f.ByteOrder, &cmd); err != nil {
				return nil, err
			}
			symtab = &cmd
		case types.LC_SEGMENT_64:
			cr.Seek(pos, io.SeekStart)
			var seg types.Segment64
			if err := binary.Read(cr, f.ByteOrder, &seg); err != nil {
				return nil, err
			}
			if strings.Trim(string(seg.Name[:]), "\x00") == "__LINKEDIT" {
				linkedit = &seg
			}
		}
		cr.Seek(pos+int64(lc.Len), io.SeekStart)
	}

	if symtab == nil || linkedit == nil {
		return nil, nil
	}

	// The LC_SYMTAB offsets are relative to the dylib's own __LINKEDIT file
	// offset; the cache keeps one shared __LINKEDIT region, so translate the
	// segment's address through the mapping table and rebase.
	linkeditCacheOff, err := f.GetOffset(linkedit.Addr)
	if err != nil {
		log.Debugf("__LINKEDIT address %#x not in any mapping", linkedit.Addr)
		return nil, nil
	}

	nlistSize := uint64(binary.Size(types.Nlist64{}))
	symOff := linkeditCacheOff + uint64(symtab.Symoff) - linkedit.Offset
	strOff := linkeditCacheOff + uint64(symtab.Stroff) - linkedit.Offset
	if symOff > uint64(f.size) || uint64(symtab.Nsyms)*nlistSize > uint64(f.size)-symOff {
		return nil, nil
	}
	if strOff > uint64(f.size) || uint64(symtab.Strsize) > uint64(f.size)-strOff {
		return nil, nil
	}

	sr.Seek(int64(symOff), io.SeekStart)

	var best types.Nlist64
	var found bool
	for i := uint32(0); i < symtab.Nsyms; i++ {
		var nlist types.Nlist64
		if err := binary.Read(sr, f.ByteOrder, &nlist); err != nil {
			return nil, err
		}
		if !nlistSectionDefined(nlist) || nlist.Value > target {
			continue
		}
		if nlist.Name >= symtab.Strsize {
			continue
		}
		if !found || nlist.Value > best.Value {
			best = nlist
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	name, err := f.getCStringInRegion(strOff+uint64(best.Name), uint64(symtab.Strsize)-uint64(best.Name))
	if err != nil {
		return nil, err
	}

	return &Symbol{Name: name, Address: best.Value}, nil
}

// searchLocalSyms scans one dylib's slice of the shared local symbols nlist
// array for the closest preceding section-defined symbol. The slice bounds
// were validated against the chunk when the cache was opened.
func (f *File) searchLocalSyms(entry CacheLocalSymbolsEntry, target uint64) (*Symbol, error) {
	lsi := f.LocalSymInfo
	nlistSize := uint64(binary.Size(types.Nlist64{}))

	sr := io.NewSectionReader(f.r, 0, f.size)
	sr.Seek(int64(lsi.NListFileOffset+uint64(entry.NlistStartIndex)*nlistSize), io.SeekStart)

	var best types.Nlist64
	var found bool
	for i := uint32(0); i < entry.NlistCount; i++ {
		var nlist types.Nlist64
		if err := binary.Read(sr, f.ByteOrder, &nlist); err != nil {
			return nil, err
		}
		if !nlistSectionDefined(nlist) || nlist.Value > target {
			continue
		}
		if nlist.Name >= lsi.StringsSize {
			continue
		}
		if !found || nlist.Value > best.Value {
			best = nlist
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	name, err := f.getCStringInRegion(lsi.StringsFileOffset+uint64(best.Name), uint64(lsi.StringsSize)-uint64(best.Name))
	if err != nil {
		return nil, err
	}

	return &Symbol{Name: name, Address: best.Value}, nil
}

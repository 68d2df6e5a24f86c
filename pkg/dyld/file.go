package dyld

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/dsc-a2s/internal/utils"
)

type cacheMappings []*CacheMapping
type cacheImages []*CacheImage

type localSymbolInfo struct {
	CacheLocalSymbolsInfo
	NListFileOffset   uint64
	StringsFileOffset uint64

	entries []CacheLocalSymbolsEntry
}

// A File represents an open dyld shared cache file.
type File struct {
	CacheHeader
	ByteOrder binary.ByteOrder

	Mappings cacheMappings
	Images   cacheImages

	AcceleratorInfo CacheAcceleratorInfo
	LocalSymInfo    *localSymbolInfo

	rangeTable []CacheRangeEntry

	size   int64
	r      io.ReaderAt
	closer io.Closer
}

// Open opens the named file using os.Open and prepares it for use as a dyld shared cache.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	ff, err := NewFile(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File.
// If the File was created using NewFile directly instead of Open,
// Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a dyld shared cache in an underlying
// reader of the given size. The cache is expected to start at position 0.
// All tables the lookup pipeline depends on are located and bounds checked
// here; the returned File never hands out an unvalidated region.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	f := new(File)
	f.r = r
	f.size = size
	f.ByteOrder = binary.LittleEndian

	sr := io.NewSectionReader(r, 0, size)

	if size < int64(binary.Size(CacheHeader{})) {
		return nil, &FormatError{0, "file too small for dyld shared cache header", size}
	}

	// Read and verify dyld magic.
	var ident [16]byte
	if _, err := r.ReadAt(ident[0:], 0); err != nil {
		return nil, err
	}
	if !utils.StrSliceContains(magic, strings.Trim(string(ident[:16]), "\x00")) {
		return nil, &FormatError{0, "invalid magic number", strings.Trim(string(ident[:16]), "\x00")}
	}

	// Read entire file header.
	if err := binary.Read(sr, f.ByteOrder, &f.CacheHeader); err != nil {
		return nil, err
	}

	if err := f.parseMappings(sr); err != nil {
		return nil, err
	}

	if err := f.parseImages(sr); err != nil {
		return nil, err
	}

	if err := f.parseAcceleratorInfo(sr); err != nil {
		return nil, err
	}

	if err := f.parseLocalSymbols(sr); err != nil {
		if err != ErrNoLocals {
			return nil, err
		}
		log.Debug("cache has no local symbols info; symbol names will be best effort")
	}

	return f, nil
}

// parseMappings reads the mapping table and verifies that every mapping's
// file region stays inside the cache file.
func (f *File) parseMappings(sr *io.SectionReader) error {
	const mappingInfoSize = 32

	if err := f.checkTableBounds(uint64(f.MappingOffset), uint64(f.MappingCount), mappingInfoSize, "mapping"); err != nil {
		return err
	}

	sr.Seek(int64(f.MappingOffset), io.SeekStart)

	for i := uint32(0); i != f.MappingCount; i++ {
		cmInfo := CacheMappingInfo{}
		if err := binary.Read(sr, f.ByteOrder, &cmInfo); err != nil {
			return err
		}
		cm := &CacheMapping{CacheMappingInfo: cmInfo}
		if cmInfo.InitProt.Execute() {
			cm.Name = "__TEXT"
		} else if cmInfo.InitProt.Write() {
			cm.Name = "__DATA"
		} else if cmInfo.InitProt.Read() {
			cm.Name = "__LINKEDIT"
		}
		if cmInfo.FileOffset > uint64(f.size) || cmInfo.Size > uint64(f.size)-cmInfo.FileOffset {
			return &FormatError{int64(f.MappingOffset), fmt.Sprintf("mapping %d has invalid file range", i), cmInfo.FileOffset}
		}
		f.Mappings = append(f.Mappings, cm)
	}

	return nil
}

// parseImages reads the image table along with each image's path string.
func (f *File) parseImages(sr *io.SectionReader) error {
	const imageInfoSize = 32

	if err := f.checkTableBounds(uint64(f.ImagesOffset), uint64(f.ImagesCount), imageInfoSize, "image"); err != nil {
		return err
	}

	sr.Seek(int64(f.ImagesOffset), io.SeekStart)

	for i := uint32(0); i != f.ImagesCount; i++ {
		iinfo := CacheImageInfo{}
		if err := binary.Read(sr, f.ByteOrder, &iinfo); err != nil {
			return err
		}
		f.Images = append(f.Images, &CacheImage{
			Index: i,
			Info:  iinfo,
		})
	}
	for idx, image := range f.Images {
		name, err := f.GetCStringAtOffset(uint64(image.Info.PathFileOffset))
		if err != nil {
			return &FormatError{int64(image.Info.PathFileOffset), fmt.Sprintf("bad path string for image %d", idx), err}
		}
		f.Images[idx].Name = name
	}

	return nil
}

// parseAcceleratorInfo locates and validates the accelerator tables. Caches
// that predate them (or declare an unknown version) are not supported; the
// range table is the only way this package answers containment queries.
func (f *File) parseAcceleratorInfo(sr *io.SectionReader) error {
	const rangeEntrySize = 16

	if f.MappingOffset < minAccelHeaderSize {
		return ErrNoAccelerateInfo
	}
	if f.AccelerateInfoAddr == 0 || f.AccelerateInfoSize == 0 {
		return ErrNoAccelerateInfo
	}

	accelInfoPtr, err := f.GetOffset(f.AccelerateInfoAddr)
	if err != nil {
		log.Debugf("accelerate info address %#x not covered by any mapping", f.AccelerateInfoAddr)
		return ErrNoAccelerateInfo
	}
	if accelInfoPtr+uint64(binary.Size(CacheAcceleratorInfo{})) > uint64(f.size) {
		return ErrNoAccelerateInfo
	}

	sr.Seek(int64(accelInfoPtr), io.SeekStart)
	if err := binary.Read(sr, f.ByteOrder, &f.AcceleratorInfo); err != nil {
		return err
	}

	if f.AcceleratorInfo.Version != acceleratorVersion {
		log.Debugf("unsupported accelerate info version %d", f.AcceleratorInfo.Version)
		return ErrNoAccelerateInfo
	}
	if f.AcceleratorInfo.RangeTableCount == 0 {
		return ErrNoAccelerateInfo
	}
	rangeTableEnd := accelInfoPtr + uint64(f.AcceleratorInfo.RangeTableOffset) +
		uint64(f.AcceleratorInfo.RangeTableCount)*rangeEntrySize
	if rangeTableEnd > uint64(f.size) {
		return ErrNoAccelerateInfo
	}

	sr.Seek(int64(accelInfoPtr+uint64(f.AcceleratorInfo.RangeTableOffset)), io.SeekStart)
	f.rangeTable = make([]CacheRangeEntry, f.AcceleratorInfo.RangeTableCount)
	if err := binary.Read(sr, f.ByteOrder, &f.rangeTable); err != nil {
		return err
	}
	for i, entry := range f.rangeTable {
		if entry.ImageIndex >= f.ImagesCount {
			return &FormatError{int64(accelInfoPtr + uint64(f.AcceleratorInfo.RangeTableOffset)),
				fmt.Sprintf("range entry %d has out of range image index", i), entry.ImageIndex}
		}
	}

	return nil
}

// parseLocalSymbols reads the local symbols chunk header and the per dylib
// entry array. Returns ErrNoLocals when the cache simply has none; a chunk
// whose sub-regions fall outside its declared size is a format error.
func (f *File) parseLocalSymbols(sr *io.SectionReader) error {
	const (
		localEntrySize = 12
		nlistSize      = 16
	)

	if f.LocalSymbolsOffset == 0 || f.LocalSymbolsSize == 0 {
		return ErrNoLocals
	}

	if f.LocalSymbolsOffset > uint64(f.size) || f.LocalSymbolsSize > uint64(f.size)-f.LocalSymbolsOffset {
		return &FormatError{int64(f.LocalSymbolsOffset), "local symbols chunk exceeds cache file size", f.LocalSymbolsSize}
	}
	if uint64(binary.Size(CacheLocalSymbolsInfo{})) > f.LocalSymbolsSize {
		return &FormatError{int64(f.LocalSymbolsOffset), "local symbols chunk too small for info header", f.LocalSymbolsSize}
	}

	lsi := &localSymbolInfo{}
	sr.Seek(int64(f.LocalSymbolsOffset), io.SeekStart)
	if err := binary.Read(sr, f.ByteOrder, &lsi.CacheLocalSymbolsInfo); err != nil {
		return err
	}

	nlistEnd := uint64(lsi.NlistOffset) + uint64(lsi.NlistCount)*nlistSize
	stringsEnd := uint64(lsi.StringsOffset) + uint64(lsi.StringsSize)
	entriesEnd := uint64(lsi.EntriesOffset) + uint64(lsi.EntriesCount)*localEntrySize
	if nlistEnd > f.LocalSymbolsSize || stringsEnd > f.LocalSymbolsSize || entriesEnd > f.LocalSymbolsSize {
		return &FormatError{int64(f.LocalSymbolsOffset), "local symbols sub-region outside declared chunk size", nil}
	}

	lsi.NListFileOffset = f.LocalSymbolsOffset + uint64(lsi.NlistOffset)
	lsi.StringsFileOffset = f.LocalSymbolsOffset + uint64(lsi.StringsOffset)

	sr.Seek(int64(f.LocalSymbolsOffset+uint64(lsi.EntriesOffset)), io.SeekStart)
	lsi.entries = make([]CacheLocalSymbolsEntry, lsi.EntriesCount)
	if err := binary.Read(sr, f.ByteOrder, &lsi.entries); err != nil {
		return err
	}
	for i, entry := range lsi.entries {
		if uint64(entry.NlistStartIndex)+uint64(entry.NlistCount) > uint64(lsi.NlistCount) {
			return &FormatError{int64(f.LocalSymbolsOffset + uint64(lsi.EntriesOffset)),
				fmt.Sprintf("local symbols entry %d overruns the nlist array", i), entry.NlistStartIndex}
		}
	}

	f.LocalSymInfo = lsi

	return nil
}

// checkTableBounds verifies an offset+count table region fits inside the
// cache file without the arithmetic wrapping around.
func (f *File) checkTableBounds(offset, count, entrySize uint64, name string) error {
	if offset > uint64(f.size) || count*entrySize > uint64(f.size)-offset {
		return &FormatError{int64(offset), fmt.Sprintf("invalid %s table offset/count", name), count}
	}
	return nil
}

// Is64bit returns if the cache is 64bit or not
func (f *File) Is64bit() bool {
	return strings.Contains(string(f.Magic[:16]), "64")
}

// GetOffset returns the file offset for a given unslid virtual address
func (f *File) GetOffset(address uint64) (uint64, error) {
	for _, mapping := range f.Mappings {
		if mapping.Address <= address && address < mapping.Address+mapping.Size {
			return (address - mapping.Address) + mapping.FileOffset, nil
		}
	}
	return 0, ErrMappingNotFound
}

// GetVMAddress returns the unslid virtual address for a given file offset
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, mapping := range f.Mappings {
		if mapping.FileOffset <= offset && offset < mapping.FileOffset+mapping.Size {
			return (offset - mapping.FileOffset) + mapping.Address, nil
		}
	}
	return 0, fmt.Errorf("offset not within any mappings file offset range")
}

// GetCStringAtOffset returns the NUL terminated string at a given file offset.
// The string must terminate inside the cache file.
func (f *File) GetCStringAtOffset(offset uint64) (string, error) {
	return f.getCStringInRegion(offset, uint64(f.size))
}

func (f *File) getCStringInRegion(offset, maxLen uint64) (string, error) {
	if offset >= uint64(f.size) {
		return "", fmt.Errorf("offset %#x is past the end of the cache file", offset)
	}
	if maxLen > uint64(f.size)-offset {
		maxLen = uint64(f.size) - offset
	}
	r := bufio.NewReader(io.NewSectionReader(f.r, int64(offset), int64(maxLen)))
	s, err := r.ReadString('\x00')
	if err != nil {
		return "", fmt.Errorf("string at offset %#x is not NUL terminated", offset)
	}
	return strings.Trim(s, "\x00"), nil
}

// findRangeEntry binary searches the sorted range table for the entry whose
// half-open [StartAddress, StartAddress+Size) interval contains address.
func (f *File) findRangeEntry(address uint64) *CacheRangeEntry {
	lo, hi := 0, len(f.rangeTable)
	for lo < hi {
		mid := lo + (hi-lo)/2
		entry := &f.rangeTable[mid]
		switch {
		case address < entry.StartAddress:
			hi = mid
		case address >= entry.StartAddress+uint64(entry.Size):
			lo = mid + 1
		default:
			return entry
		}
	}
	return nil
}

// GetImageContainingVMAddr returns the image that owns a given unslid address
func (f *File) GetImageContainingVMAddr(address uint64) (*CacheImage, error) {
	entry := f.findRangeEntry(address)
	if entry == nil {
		return nil, ErrAddressNotInCache
	}
	return f.Images[entry.ImageIndex], nil
}

// Image returns the image with the given name, or nil if not found
func (f *File) Image(name string) *CacheImage {
	for _, i := range f.Images {
		if strings.EqualFold(i.Name, name) {
			return i
		}
	}
	base := "/" + name
	for _, i := range f.Images {
		if strings.HasSuffix(i.Name, base) {
			return i
		}
	}
	return nil
}

// findLocalSymbolsEntry returns the local symbols entry whose DylibOffset
// matches the given cache file offset of a dylib's mach header. The entry
// array does not follow image order, so this is a linear scan.
func (f *File) findLocalSymbolsEntry(dylibOffset uint64) (CacheLocalSymbolsEntry, bool) {
	if f.LocalSymInfo == nil {
		return CacheLocalSymbolsEntry{}, false
	}
	for _, entry := range f.LocalSymInfo.entries {
		if uint64(entry.DylibOffset) == dylibOffset {
			return entry, true
		}
	}
	return CacheLocalSymbolsEntry{}, false
}

// nlistSectionDefined reports whether a symbol table entry is one the
// resolver may return: not a stabs debugging record and defined in a section.
func nlistSectionDefined(n types.Nlist64) bool {
	if n.Type.IsDebugSym() {
		return false
	}
	return n.Type.IsDefinedInSection()
}

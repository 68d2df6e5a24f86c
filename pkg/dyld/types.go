package dyld

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Known good magic
var magic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

// ErrNoLocals is the error for a shared cache that has no LocalSymbolsOffset
var ErrNoLocals = errors.New("dyld shared cache does NOT contain local symbols info")

// ErrNoAccelerateInfo is the error for a shared cache built before the
// accelerator tables existed (pre iOS 9 / macOS 10.11). Lookups require the
// range table, so these caches are rejected outright.
var ErrNoAccelerateInfo = errors.New("dyld shared cache does NOT contain accelerate info (cache format is too old)")

// ErrAddressNotInCache is the error for an address that no range entry covers
var ErrAddressNotInCache = errors.New("address not contained in any dylib")

// ErrMappingNotFound is the error for an address outside every cache mapping
// (code signature blobs, local symbol chunks etc. are not mapped)
var ErrMappingNotFound = errors.New("address not within any mappings address range")

// minAccelHeaderSize is the minimum CacheHeader.MappingOffset for headers
// that carry the AccelerateInfoAddr/Size fields.
const minAccelHeaderSize = 0x78

// acceleratorVersion is the only supported accelerator info format version.
const acceleratorVersion = 1

type CacheHeader struct {
	Magic               [16]byte   // e.g. "dyld_v1   arm64"
	MappingOffset       uint32     // file offset to first dyld_cache_mapping_info
	MappingCount        uint32     // number of dyld_cache_mapping_info entries
	ImagesOffset        uint32     // file offset to first dyld_cache_image_info
	ImagesCount         uint32     // number of dyld_cache_image_info entries
	DyldBaseAddress     uint64     // base address of dyld when cache was built
	CodeSignatureOffset uint64     // file offset of code signature blob
	CodeSignatureSize   uint64     // size of code signature blob (zero means to end of file)
	SlideInfoOffset     uint64     // file offset of kernel slid info
	SlideInfoSize       uint64     // size of kernel slid info
	LocalSymbolsOffset  uint64     // file offset of where local symbols are stored
	LocalSymbolsSize    uint64     // size of local symbols information
	UUID                types.UUID // unique value for each shared cache file
	CacheType           uint64     // 0 for development, 1 for production
	BranchPoolsOffset   uint32     // file offset to table of uint64_t pool addresses
	BranchPoolsCount    uint32     // number of uint64_t entries
	AccelerateInfoAddr  uint64     // (unslid) address of optimization info
	AccelerateInfoSize  uint64     // size of optimization info
	ImagesTextOffset    uint64     // file offset to first dyld_cache_image_text_info
	ImagesTextCount     uint64     // number of dyld_cache_image_text_info entries
}

type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

type CacheMapping struct {
	Name string
	CacheMappingInfo
}

type CacheImageInfo struct {
	Address        uint64 // unslid address of start of __TEXT
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32 // file offset of path string
	Pad            uint32
}

type CacheAcceleratorInfo struct {
	Version            uint32 // currently 1
	ImageExtrasCount   uint32 // does not include aliases
	ImagesExtrasOffset uint32 // offset into this chunk of first dyld_cache_image_info_extra
	BottomUpListOffset uint32 // offset into this chunk to start of 16-bit array of sorted image indexes
	DylibTrieOffset    uint32 // offset into this chunk to start of trie containing all dylib paths
	DylibTrieSize      uint32 // size of trie containing all dylib paths
	InitializersOffset uint32 // offset into this chunk to start of initializers list
	InitializersCount  uint32 // size of initializers list
	DofSectionsOffset  uint32 // offset into this chunk to start of DOF sections list
	DofSectionsCount   uint32 // size of DOF sections list
	ReExportListOffset uint32 // offset into this chunk to start of 16-bit array of re-exports
	ReExportCount      uint32 // size of re-exports
	DepListOffset      uint32 // offset into this chunk to start of 16-bit array of dependencies
	DepListCount       uint32 // size of dependencies
	RangeTableOffset   uint32 // offset into this chunk to start of range table
	RangeTableCount    uint32 // size of range table
	DyldSectionAddr    uint64 // address of libdyld's __dyld section in unslid cache
}

type CacheRangeEntry struct {
	StartAddress uint64 // unslid address of start of region
	Size         uint32
	ImageIndex   uint32
}

type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

// CacheImage represents a dyld dylib image.
type CacheImage struct {
	Name  string
	Index uint32
	Info  CacheImageInfo
}

// FormatError is returned by some operations if the data does
// not have the correct format for a shared cache file.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

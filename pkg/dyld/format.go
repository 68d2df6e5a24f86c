package dyld

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

func (dch CacheHeader) String() string {
	return fmt.Sprintf(
		"Magic               = %s\n"+
			"MappingOffset       = %08X\n"+
			"MappingCount        = %d\n"+
			"ImagesOffset        = %08X\n"+
			"ImagesCount         = %d\n"+
			"DyldBaseAddress     = %08X\n"+
			"CodeSignatureOffset = %08X\n"+
			"CodeSignatureSize   = %08X\n"+
			"LocalSymbolsOffset  = %08X\n"+
			"LocalSymbolsSize    = %08X\n"+
			"UUID                = %s\n"+
			"AccelerateInfoAddr  = %08X\n"+
			"AccelerateInfoSize  = %08X\n",
		bytes.Trim(dch.Magic[:], "\x00"),
		dch.MappingOffset,
		dch.MappingCount,
		dch.ImagesOffset,
		dch.ImagesCount,
		dch.DyldBaseAddress,
		dch.CodeSignatureOffset,
		dch.CodeSignatureSize,
		dch.LocalSymbolsOffset,
		dch.LocalSymbolsSize,
		dch.UUID.String(),
		dch.AccelerateInfoAddr,
		dch.AccelerateInfoSize,
	)
}

func (m CacheMappingInfo) String() string {
	return fmt.Sprintf(
		"Address    = %016X\n"+
			"Size       = %s\n"+
			"FileOffset = %X\n"+
			"MaxProt    = %s\n"+
			"InitProt   = %s\n",
		m.Address,
		humanize.Bytes(m.Size),
		m.FileOffset,
		m.MaxProt.String(),
		m.InitProt.String(),
	)
}

func (mappings cacheMappings) String() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "Mappings")
	fmt.Fprintln(&buf, "========")
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEG\tINITPROT\tMAXPROT\tSIZE\tADDRESS\tFILE OFFSET")
	for _, mapping := range mappings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%08X -> %08X\t%08X -> %08X\n",
			mapping.Name,
			mapping.InitProt.String(),
			mapping.MaxProt.String(),
			humanize.Bytes(mapping.Size),
			mapping.Address, mapping.Address+mapping.Size,
			mapping.FileOffset, mapping.FileOffset+mapping.Size,
		)
	}
	w.Flush()
	return buf.String()
}

func (images cacheImages) String() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "Images")
	fmt.Fprintln(&buf, "======")
	for idx, image := range images {
		fmt.Fprintf(&buf, "%4d:\t%08x\t%s\n", idx+1, image.Info.Address, image.Name)
	}
	return buf.String()
}

// String renders the atos style one-liner: `symbol (in dylib) + 0xoffset`,
// or `(in dylib) + 0xoffset` from the image load address when no symbol
// was found. The C symbol naming underscore is stripped for display.
func (l *Lookup) String() string {
	if l.Symbol != nil {
		return fmt.Sprintf("%s (in %s) + %#x",
			strings.TrimPrefix(l.Symbol.Name, "_"),
			filepath.Base(l.Image),
			l.Address-l.Symbol.Address)
	}
	return fmt.Sprintf("(in %s) + %#x", filepath.Base(l.Image), l.Address-l.LoadAddress)
}

// Verbose renders the multi-field form with the full image path.
func (l *Lookup) Verbose() string {
	if l.Symbol != nil {
		return fmt.Sprintf(
			"Image:          %s\n"+
				"Symbol:         %s\n"+
				"Symbol address: %#x\n"+
				"Offset:         +%#x\n",
			l.Image,
			strings.TrimPrefix(l.Symbol.Name, "_"),
			l.Symbol.Address,
			l.Address-l.Symbol.Address)
	}
	return fmt.Sprintf(
		"Image:          %s\n"+
			"Symbol:         (not found)\n"+
			"Dylib base:     %#x\n"+
			"Offset:         +%#x\n",
		l.Image,
		l.LoadAddress,
		l.Address-l.LoadAddress)
}

package fat32

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/bitswalk/kimage/src/common/errors"
)

const (
	lfnCharsPerEntry = 13
	maxLongName      = 255

	caseLowerBase = 0x08
	caseLowerExt  = 0x10
)

// ErrInvalidName is returned for names FAT cannot store
var ErrInvalidName = errors.New(errors.DomainImage, errors.CodeInvalid, "Invalid FAT file name")

// isShortChar reports whether c may appear in an upper-cased 8.3 name
func isShortChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c >= 0x80:
		return false
	}
	return strings.IndexByte("$%'-_@~`!(){}^#&", c) >= 0
}

// validateLongName checks a single path component
func validateLongName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName.WithMessagef("invalid name %q", name)
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return ErrInvalidName.WithMessagef("name %q ends with a dot or space", name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return ErrInvalidName.WithMessagef("name %q contains %q", name, r)
		}
	}
	if len(utf16.Encode([]rune(name))) > maxLongName {
		return ErrInvalidName.WithMessagef("name %q is longer than %d characters", name, maxLongName)
	}
	return nil
}

// splitName splits a name at its last dot. A leading dot is part of the base.
func splitName(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// uniformCase reports whether s has no mixed letter case, and whether its
// letters are lower case
func uniformCase(s string) (ok, lower bool) {
	hasLower := strings.ToUpper(s) != s
	hasUpper := strings.ToLower(s) != s
	return !(hasLower && hasUpper), hasLower
}

// plainShortName returns the 8.3 form of name when it can be stored without
// a long name entry, together with the NT case flags.
func plainShortName(name string) (short [11]byte, ntCase byte, ok bool) {
	base, ext := splitName(name)
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 || strings.Count(name, ".") > 1 {
		return short, 0, false
	}
	okBase, lowerBase := uniformCase(base)
	okExt, lowerExt := uniformCase(ext)
	if !okBase || !okExt {
		return short, 0, false
	}
	ub, ue := strings.ToUpper(base), strings.ToUpper(ext)
	for i := 0; i < len(ub); i++ {
		if !isShortChar(ub[i]) {
			return short, 0, false
		}
	}
	for i := 0; i < len(ue); i++ {
		if !isShortChar(ue[i]) {
			return short, 0, false
		}
	}
	copy(short[:], padRight(ub, 8)+padRight(ue, 3))
	if lowerBase {
		ntCase |= caseLowerBase
	}
	if lowerExt {
		ntCase |= caseLowerExt
	}
	return short, ntCase, true
}

// shortBasis derives the upper-cased 8.3 basis used for numeric-tail names
func shortBasis(name string) (base, ext string) {
	b, e := splitName(name)
	clean := func(s string, max int) string {
		var sb strings.Builder
		for _, r := range strings.ToUpper(s) {
			if sb.Len() == max {
				break
			}
			switch {
			case r == ' ' || r == '.':
				continue
			case r < 0x80 && isShortChar(byte(r)):
				sb.WriteRune(r)
			default:
				sb.WriteByte('_')
			}
		}
		return sb.String()
	}
	return clean(b, 8), clean(e, 3)
}

// generateShortName picks a unique BASIS~N name for a long name
func generateShortName(name string, taken map[[11]byte]bool) ([11]byte, error) {
	base, ext := shortBasis(name)
	if base == "" {
		base = "_"
	}
	for n := 1; n <= 999999; n++ {
		tail := "~" + strconv.Itoa(n)
		b := base
		if len(b)+len(tail) > 8 {
			b = b[:8-len(tail)]
		}
		var short [11]byte
		copy(short[:], padRight(b+tail, 8)+padRight(ext, 3))
		if !taken[short] {
			return short, nil
		}
	}
	return [11]byte{}, ErrInvalidName.WithMessagef("no free short name for %q", name)
}

// shortChecksum is the checksum stored in every long name entry
func shortChecksum(short [11]byte) byte {
	var sum byte
	for _, c := range short {
		sum = ((sum & 1) << 7) + (sum >> 1) + c
	}
	return sum
}

// displayShortName renders an 8.3 name as text, honouring the NT case flags
func displayShortName(short [11]byte, ntCase byte) string {
	base := strings.TrimRight(string(short[:8]), " ")
	ext := strings.TrimRight(string(short[8:]), " ")
	if base != "" && base[0] == 0x05 {
		base = "\xe5" + base[1:]
	}
	if ntCase&caseLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntCase&caseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// longNameEntries encodes name as VFAT entries, in on-disk order
func longNameEntries(name string, checksum byte) [][dirEntrySize]byte {
	units := utf16.Encode([]rune(name))
	count := (len(units) + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	entries := make([][dirEntrySize]byte, count)

	for seq := 1; seq <= count; seq++ {
		var chunk [lfnCharsPerEntry]uint16
		for i := range chunk {
			pos := (seq-1)*lfnCharsPerEntry + i
			switch {
			case pos < len(units):
				chunk[i] = units[pos]
			case pos == len(units):
				chunk[i] = 0x0000
			default:
				chunk[i] = 0xFFFF
			}
		}

		var e [dirEntrySize]byte
		e[0] = byte(seq)
		if seq == count {
			e[0] |= 0x40
		}
		e[11] = attrLongName
		e[13] = checksum
		putUnits(e[1:11], chunk[0:5])
		putUnits(e[14:26], chunk[5:11])
		putUnits(e[28:32], chunk[11:13])
		entries[count-seq] = e
	}
	return entries
}

func putUnits(dst []byte, units []uint16) {
	for i, u := range units {
		dst[2*i] = byte(u)
		dst[2*i+1] = byte(u >> 8)
	}
}

func getUnits(src []byte) []uint16 {
	units := make([]uint16, len(src)/2)
	for i := range units {
		units[i] = uint16(src[2*i]) | uint16(src[2*i+1])<<8
	}
	return units
}

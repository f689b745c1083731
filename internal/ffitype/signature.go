package ffitype

import (
	"fmt"
	"strings"
)

// ParseSignature parses a method descriptor such as "(IJ)Z" or
// "(Lpkg/Name;I)V" into argument tags and a return tag. Unlike ArgType it
// rejects unknown tags.
func ParseSignature(sig string) ([]Tag, Tag, error) {
	if !strings.HasPrefix(sig, "(") {
		return nil, 0, fmt.Errorf("signature %q: missing '('", sig)
	}
	end := strings.IndexByte(sig, ')')
	if end < 0 {
		return nil, 0, fmt.Errorf("signature %q: missing ')'", sig)
	}

	var args []Tag
	params := sig[1:end]
	for i := 0; i < len(params); i++ {
		tag, next, err := parseTag(params, i)
		if err != nil {
			return nil, 0, fmt.Errorf("signature %q: %w", sig, err)
		}
		if tag == Void {
			return nil, 0, fmt.Errorf("signature %q: void argument at %d", sig, len(args))
		}
		args = append(args, tag)
		i = next
	}

	rest := sig[end+1:]
	if rest == "" {
		return nil, 0, fmt.Errorf("signature %q: missing return type", sig)
	}
	ret, next, err := parseTag(rest, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("signature %q: %w", sig, err)
	}
	if next != len(rest)-1 {
		return nil, 0, fmt.Errorf("signature %q: trailing characters after return type", sig)
	}
	return args, ret, nil
}

// parseTag returns the tag at s[i] and the index of its last character.
func parseTag(s string, i int) (Tag, int, error) {
	tag := Tag(s[i])
	if tag == Reference {
		semi := strings.IndexByte(s[i:], ';')
		if semi < 0 {
			return 0, 0, fmt.Errorf("unterminated reference at %d", i)
		}
		return Reference, i + semi, nil
	}
	if !tag.Valid() {
		return 0, 0, fmt.Errorf("unknown type tag %q at %d", s[i], i)
	}
	return tag, i, nil
}

// FormatSignature is the inverse of ParseSignature. References are written
// in their short form "L;".
func FormatSignature(args []Tag, ret Tag) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, a := range args {
		sb.WriteByte(byte(a))
		if a == Reference {
			sb.WriteByte(';')
		}
	}
	sb.WriteByte(')')
	sb.WriteByte(byte(ret))
	if ret == Reference {
		sb.WriteByte(';')
	}
	return sb.String()
}

// Package bpath canonicalizes paths before they reach the inode layer's
// path resolver. It collapses "." and ".." components lexically wherever
// possible, so fs.Namei only has to split on "/" and look up each
// component; a ".." that would walk above "/" is dropped here. Lexical
// ".." collapse can be wrong when the tree holds symlinks; this kernel
// has none, so it is always correct once the path is absolute.
package bpath

import "kern/ustr"

// Canonicalize rewrites p (already made absolute by the caller, e.g. via
// Cwd_t.Fullpath) into a path with no "." components and with ".."
// components collapsed against the preceding component. It never escapes
// above "/".
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	out := make([]ustr.Ustr, 0, 8)
	rest := p
	for {
		var comp ustr.Ustr
		var ok bool
		comp, rest, ok = rest.Split()
		if !ok {
			break
		}
		switch {
		case comp.Isdot():
			// drop
		case comp.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, comp)
		}
	}
	ret := ustr.MkUstrRoot()
	for i, c := range out {
		if i == 0 {
			ret = append(ustr.Ustr{}, c...)
			ret = append(ustr.Ustr{'/'}, ret...)
		} else {
			ret = ret.Extend(c)
		}
	}
	if len(out) == 0 {
		return ustr.MkUstrRoot()
	}
	return ret
}

package fs

import (
	"kern/defs"
	"kern/lru"
	"kern/ustr"
)

// Namei resolves an absolute, canonicalized path (the caller runs
// bpath.Canonicalize first, so this never sees a literal "." component
// and any ".." is already collapsed against its preceding component)
// to a locked inode handle.
func (fs *Fs_t) Namei(path ustr.Ustr) (lru.Guard[inodeKey_t, *Inode_t], defs.Err_t) {
	g, err := fs.Iget(RootIno)
	if err != 0 {
		return g, err
	}

	rest := path
	for {
		var comp ustr.Ustr
		var ok bool
		comp, rest, ok = rest.Split()
		if !ok {
			return g, 0
		}

		dir := g.Value()
		if dir.Type != I_DIR {
			g.Done()
			return lru.Guard[inodeKey_t, *Inode_t]{}, -defs.NotADirectory
		}
		next, _, err := fs.Dirlookup(dir, comp)
		g.Done()
		if err != 0 {
			return lru.Guard[inodeKey_t, *Inode_t]{}, err
		}
		g = next
	}
}

// NameiParent resolves all but the last component of path, returning a
// locked handle to the parent directory plus the final component's
// name. Used by creat/mkdir/unlink, which need the parent locked to
// link or unlink an entry atomically with respect to concurrent lookups
// of the same name.
func (fs *Fs_t) NameiParent(path ustr.Ustr) (lru.Guard[inodeKey_t, *Inode_t], ustr.Ustr, defs.Err_t) {
	g, err := fs.Iget(RootIno)
	if err != 0 {
		return g, nil, err
	}

	rest := path
	comp, rest, ok := rest.Split()
	if !ok {
		g.Done()
		return lru.Guard[inodeKey_t, *Inode_t]{}, nil, -defs.FsEntryNotFound
	}

	for {
		next, nrest, nok := rest.Split()
		if !nok {
			return g, comp, 0
		}

		dir := g.Value()
		if dir.Type != I_DIR {
			g.Done()
			return lru.Guard[inodeKey_t, *Inode_t]{}, nil, -defs.NotADirectory
		}
		child, _, err := fs.Dirlookup(dir, comp)
		g.Done()
		if err != 0 {
			return lru.Guard[inodeKey_t, *Inode_t]{}, nil, err
		}
		g = child
		comp, rest = next, nrest
	}
}

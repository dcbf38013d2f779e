package fs

import (
	"kern/mem"
	"kern/util"
)

// Format lays a fresh filesystem down on bc's disk: superblock, empty
// log, inode table with the root directory allocated, and an
// allocation bitmap with every metadata block already marked in use.
// It writes through the cache directly — the log doesn't exist until
// Format is done creating it — and returns a detached in-memory copy
// of the superblock, the same form LoadSuper returns.
//
// The stand-alone image builder that preformats disk images offline is
// out of scope for this module; Format covers the bring-up and test
// path of initializing a blank backing store in place.
func Format(bc *BufCache_t, total, ninodes, nlog int) *Superblock_t {
	if nlog-1 < MaxOpBlocks {
		panic("mkfs: log too small for a single operation")
	}
	logstart := 2
	inodestart := logstart + nlog
	ninodeblocks := (ninodes + IPB - 1) / IPB
	bmapstart := inodestart + ninodeblocks
	nbitmap := (total + BPB - 1) / BPB
	datastart := bmapstart + nbitmap
	if datastart >= total {
		panic("mkfs: disk too small for its own metadata")
	}

	// superblock
	g, err := bc.Get(1)
	if err != 0 {
		panic("mkfs: cannot get superblock")
	}
	sb := &Superblock_t{Data: g.Value().Data}
	*sb.Data = mem.Bytepg_t{}
	sb.SetMagic(superMagic)
	sb.SetSize(total)
	sb.SetNblocks(total - datastart)
	sb.SetNinodes(ninodes)
	sb.SetNlog(nlog)
	sb.SetLogstart(logstart)
	sb.SetInodestart(inodestart)
	sb.SetBmapstart(bmapstart)
	bc.Write(g)
	g.Done()

	// empty log header
	g, err = bc.Get(logstart)
	if err != 0 {
		panic("mkfs: cannot get log header")
	}
	*g.Value().Data = mem.Bytepg_t{}
	bc.Write(g)
	g.Done()

	// bitmap: every block below datastart belongs to the layout itself
	for bn := bmapstart; bn < datastart; bn++ {
		g, err = bc.Get(bn)
		if err != 0 {
			panic("mkfs: cannot get bitmap block")
		}
		d := g.Value().Data
		*d = mem.Bytepg_t{}
		base := (bn - bmapstart) * BPB
		for b := 0; b < BPB; b++ {
			if base+b >= datastart {
				break
			}
			d[b/8] |= 1 << uint(b%8)
		}
		bc.Write(g)
		g.Done()
	}

	// inode table, with the root directory in slot 1
	for bn := inodestart; bn < inodestart+ninodeblocks; bn++ {
		g, err = bc.Get(bn)
		if err != 0 {
			panic("mkfs: cannot get inode block")
		}
		d := g.Value().Data
		*d = mem.Bytepg_t{}
		if bn == inodestart {
			off := inodeOff(RootIno)
			util.Writen(d[:], 2, off+diType, int(I_DIR))
			util.Writen(d[:], 2, off+diNlink, 1)
		}
		bc.Write(g)
		g.Done()
	}

	return detachSuper(sb)
}

// LoadSuper reads the superblock off bc's disk and returns a detached
// in-memory copy, or ok=false if the magic number doesn't match (an
// unformatted or foreign image).
func LoadSuper(bc *BufCache_t) (*Superblock_t, bool) {
	g, err := bc.Get(1)
	if err != 0 {
		return nil, false
	}
	sb := &Superblock_t{Data: g.Value().Data}
	ret := detachSuper(sb)
	g.Done()
	if !ret.Valid() {
		return nil, false
	}
	return ret, true
}

// detachSuper copies sb's backing page so the returned superblock stays
// usable after the cache buffer it was read through is recycled.
func detachSuper(sb *Superblock_t) *Superblock_t {
	pg := &mem.Bytepg_t{}
	*pg = *sb.Data
	return &Superblock_t{Data: pg}
}

package orchestrator

import "sync"

// Dedup holds the session's saved filenames and content hashes, each behind its own lock.
type Dedup struct {
	namesMu   sync.Mutex
	filenames map[string]struct{}

	hashesMu sync.Mutex
	hashes   map[string]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{
		filenames: make(map[string]struct{}),
		hashes:    make(map[string]struct{}),
	}
}

// ReserveHash records digest and returns true, or returns false if it was already present.
func (d *Dedup) ReserveHash(digest string) bool {
	d.hashesMu.Lock()
	defer d.hashesMu.Unlock()
	if _, ok := d.hashes[digest]; ok {
		return false
	}
	d.hashes[digest] = struct{}{}
	return true
}

func (d *Dedup) ReleaseHash(digest string) {
	d.hashesMu.Lock()
	defer d.hashesMu.Unlock()
	delete(d.hashes, digest)
}

func (d *Dedup) HasHash(digest string) bool {
	d.hashesMu.Lock()
	defer d.hashesMu.Unlock()
	_, ok := d.hashes[digest]
	return ok
}

// SeedHashes adds digests known from earlier sessions.
func (d *Dedup) SeedHashes(digests []string) {
	d.hashesMu.Lock()
	defer d.hashesMu.Unlock()
	for _, h := range digests {
		d.hashes[h] = struct{}{}
	}
}

func (d *Dedup) HashCount() int {
	d.hashesMu.Lock()
	defer d.hashesMu.Unlock()
	return len(d.hashes)
}

func (d *Dedup) AddFilename(name string) {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	d.filenames[name] = struct{}{}
}

func (d *Dedup) HasFilename(name string) bool {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	_, ok := d.filenames[name]
	return ok
}

func (d *Dedup) FilenameCount() int {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	return len(d.filenames)
}

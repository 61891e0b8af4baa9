package storage

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// Pager possède le fichier unique sous-jacent (ou le buffer en mémoire) et
// distribue des pages de taille fixe aux couches au-dessus : le Header à la
// page 0, les deux régions du WAL, et la région snapshot. Il n'interprète
// jamais le contenu des pages — ça, c'est le travail des couches
// WAL/snapshot/graph.
type Pager struct {
	mu sync.RWMutex

	file     BlockFile
	osFile   *os.File // non-nil only for real file-backed pagers
	readOnly bool

	pageSize   uint32
	totalPages uint32

	mapping mmap.MMap // nil for in-memory pagers
	lock    *fileLock // nil for in-memory pagers
}

// OpenFile ouvre ou crée un pager adossé à un fichier sur path.
func OpenFile(path string, pageSize uint32, readOnly, createIfMissing bool) (*Pager, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	if !readOnly && createIfMissing {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	var lk *fileLock
	if !readOnly {
		lk, err = lockFile(path)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: lock %s: %w", path, err)
		}
	}

	p := &Pager{
		file:     f,
		osFile:   f,
		readOnly: readOnly,
		pageSize: pageSize,
		lock:     lk,
	}
	if err := p.remap(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// OpenMemory crée un pager adossé à un buffer en mémoire extensible, utilisé
// pour les bases :memory: et les tests. Pas de vrai mmap ici ; ReadPage et
// WritePage opèrent directement sur le MemFile.
func OpenMemory(pageSize uint32) *Pager {
	return &Pager{
		file:     NewMemFile(),
		pageSize: pageSize,
	}
}

// remap (ré)établit la vue mmap sur toute l'étendue actuelle du fichier.
// Appelé à l'ouverture et chaque fois que le fichier grandit au-delà de la
// région mappée.
func (p *Pager) remap() error {
	if p.osFile == nil {
		return nil // en mémoire : rien à mapper
	}
	if p.mapping != nil {
		if err := p.mapping.Unmap(); err != nil {
			return fmt.Errorf("storage: remap: %w", err)
		}
		p.mapping = nil
	}
	fi, err := p.osFile.Stat()
	if err != nil {
		return fmt.Errorf("storage: remap: %w", err)
	}
	if fi.Size() == 0 {
		p.totalPages = 0
		return nil
	}
	mode := mmap.RDWR
	if p.readOnly {
		mode = mmap.RDONLY
	}
	m, err := mmap.Map(p.osFile, mode, 0)
	if err != nil {
		return fmt.Errorf("storage: remap: %w", err)
	}
	p.mapping = m
	p.totalPages = uint32(len(m)) / p.pageSize
	return nil
}

// PageSize retourne la taille de page configurée, en octets.
func (p *Pager) PageSize() uint32 { return p.pageSize }

// TotalPages retourne la taille actuelle du fichier, en pages.
func (p *Pager) TotalPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalPages
}

// ReadPage retourne une copie des octets d'une page.
func (p *Pager) ReadPage(pageID uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(pageID)
}

func (p *Pager) readPageLocked(pageID uint32) ([]byte, error) {
	if pageID >= p.totalPages {
		return nil, fmt.Errorf("storage: read page %d out of range (total %d)", pageID, p.totalPages)
	}
	out := make([]byte, p.pageSize)
	if p.mapping != nil {
		off := uint64(pageID) * uint64(p.pageSize)
		copy(out, p.mapping[off:off+uint64(p.pageSize)])
		return out, nil
	}
	_, err := p.file.ReadAt(out, int64(pageID)*int64(p.pageSize))
	if err != nil {
		return nil, fmt.Errorf("storage: read page: %w", err)
	}
	return out, nil
}

// MmapRange retourne une vue en lecture seule sans copie, couvrant count
// pages à partir de startPage. Pour un pager fichier, c'est une slice du
// mmap vivant ; pour un pager mémoire, une copie, faute de mapping réel.
func (p *Pager) MmapRange(startPage, count uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if startPage+count > p.totalPages {
		return nil, fmt.Errorf("storage: mmap range [%d,%d) out of bounds (total %d)", startPage, startPage+count, p.totalPages)
	}
	start := uint64(startPage) * uint64(p.pageSize)
	end := start + uint64(count)*uint64(p.pageSize)
	if p.mapping != nil {
		return p.mapping[start:end], nil
	}
	mf, ok := p.file.(*MemFile)
	if !ok {
		return nil, fmt.Errorf("storage: mmap range unsupported on this backing store")
	}
	full := mf.Bytes()
	if end > uint64(len(full)) {
		return nil, fmt.Errorf("storage: mmap range exceeds buffer")
	}
	return full[start:end], nil
}

// WritePage écrit une page. L'appelant est responsable d'avoir d'abord
// journalisé l'écriture dans le WAL sous les modes de durabilité qui
// l'exigent ; le Pager lui-même ne fait ni framing ni checksum du contenu.
func (p *Pager) WritePage(pageID uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(pageID, data)
}

func (p *Pager) writePageLocked(pageID uint32, data []byte) error {
	if p.readOnly {
		return fmt.Errorf("storage: write page: database is read-only")
	}
	if uint32(len(data)) != p.pageSize {
		return fmt.Errorf("storage: write page: data is %d bytes, want %d", len(data), p.pageSize)
	}
	if pageID >= p.totalPages {
		return fmt.Errorf("storage: write page %d out of range (total %d)", pageID, p.totalPages)
	}
	if p.mapping != nil {
		off := uint64(pageID) * uint64(p.pageSize)
		copy(p.mapping[off:off+uint64(p.pageSize)], data)
		return nil
	}
	if _, err := p.file.WriteAt(data, int64(pageID)*int64(p.pageSize)); err != nil {
		return fmt.Errorf("storage: write page: %w", err)
	}
	return nil
}

// AllocatePages étend la base de n pages et retourne l'ID de la première
// page neuve. KiteDB ne réutilise jamais de page libérée en cours de
// fichier — les checkpoints réécrivent la région snapshot de façon
// compacte à la place — donc l'allocation n'est qu'un pointeur croissant
// au-dessus de Grow.
func (p *Pager) AllocatePages(n uint32) (uint32, error) {
	return p.Grow(n)
}

// FreePages ne fait que de la comptabilité : note que [start,start+count)
// n'est plus référencé par le snapshot actif, pour qu'un futur vacuum
// puisse récupérer l'espace. Ne réduit pas le fichier, n'invalide aucune
// page en cache.
func (p *Pager) FreePages(start, count uint32) {
	// La récupération se fait en bloc à la prochaine phase Build du
	// checkpoint, qui écrit une région snapshot neuve et compactée ; pas
	// de free-list à tenir entre deux checkpoints.
	_ = start
	_ = count
}

// Grow étend le support de stockage de n pages, remplies de zéros,
// remappant si nécessaire. Retourne l'ID de la première page allouée.
func (p *Pager) Grow(n uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return 0, fmt.Errorf("storage: grow: database is read-only")
	}
	start := p.totalPages
	newSize := int64(p.totalPages+n) * int64(p.pageSize)
	if err := p.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("storage: grow: %w", err)
	}
	if p.osFile != nil {
		if err := p.remap(); err != nil {
			return 0, err
		}
	} else {
		p.totalPages += n
	}
	return start, nil
}

// Sync flushe les pages modifiées et, pour un pager fichier, fsync le
// descripteur sous-jacent — la frontière de durabilité des commits
// SyncFull.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mapping != nil {
		if err := p.mapping.Flush(); err != nil {
			return fmt.Errorf("storage: sync: %w", err)
		}
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("storage: sync: %w", err)
	}
	return nil
}

// Close libère le mmap, le verrou de fichier et le descripteur sous-jacent.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.mapping != nil {
		if err := p.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.mapping = nil
	}
	if p.lock != nil {
		if err := p.lock.unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("storage: close: %w", firstErr)
	}
	return nil
}

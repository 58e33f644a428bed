package p4rt

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/psaab/p4rt/pkg/dpif"
)

// Backer is the one engine shared by every switch of a datapath type.
type Backer struct {
	Type   string
	Engine dpif.Engine

	refs int // guarded by Backers.mu

	mu    sync.RWMutex
	ofp   map[uint32]uint32 // engine port -> control-plane port
	owner map[uint32]*Switch

	progMu  sync.Mutex
	program *Program
}

// InsertPort records that engine port odp is control-plane port ofp of sw.
func (b *Backer) InsertPort(odp, ofp uint32, sw *Switch) {
	b.mu.Lock()
	b.ofp[odp] = ofp
	b.owner[odp] = sw
	b.mu.Unlock()
}

// RemovePort forgets engine port odp.
func (b *Backer) RemovePort(odp uint32) {
	b.mu.Lock()
	delete(b.ofp, odp)
	delete(b.owner, odp)
	b.mu.Unlock()
}

// LookupOFPort returns the control-plane port and switch of engine port odp.
func (b *Backer) LookupOFPort(odp uint32) (uint32, *Switch, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ofp, ok := b.ofp[odp]
	return ofp, b.owner[odp], ok
}

// Ports returns the number of indexed ports.
func (b *Backer) Ports() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ofp)
}

// Program returns the active program, or nil.
func (b *Backer) Program() *Program {
	b.progMu.Lock()
	defer b.progMu.Unlock()
	return b.program
}

// Backers is the table of backers keyed by datapath type.
type Backers struct {
	scope string
	dpifs *dpif.Registry
	log   *slog.Logger

	mu     sync.Mutex
	byType map[string]*Backer
}

// NewBackers returns an empty table. Engines are named "<scope>-<type>".
func NewBackers(scope string, dpifs *dpif.Registry, logger *slog.Logger) *Backers {
	return &Backers{
		scope:  scope,
		dpifs:  dpifs,
		log:    logger,
		byType: make(map[string]*Backer),
	}
}

// EngineName returns the engine name used for typ.
func (bs *Backers) EngineName(typ string) string {
	return fmt.Sprintf("%s-%s", bs.scope, typ)
}

// Acquire returns the backer of typ, opening its engine on first use.
func (bs *Backers) Acquire(typ string) (*Backer, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if b, ok := bs.byType[typ]; ok {
		b.refs++
		return b, nil
	}
	e, err := bs.dpifs.CreateAndOpen(typ, bs.EngineName(typ))
	if err != nil {
		return nil, fmt.Errorf("open backer %s: %w", typ, err)
	}
	b := &Backer{
		Type:   typ,
		Engine: e,
		refs:   1,
		ofp:    make(map[uint32]uint32),
		owner:  make(map[uint32]*Switch),
	}
	bs.byType[typ] = b
	bs.log.Info("opened backer", "type", typ, "engine", e.Name())
	return b, nil
}

// Release drops one reference. The last release closes the engine, deleting
// it first when deleteEngine is set. Releasing more often than acquiring is
// a caller bug.
func (bs *Backers) Release(b *Backer, deleteEngine bool) error {
	bs.mu.Lock()
	b.refs--
	if b.refs > 0 {
		bs.mu.Unlock()
		return nil
	}
	delete(bs.byType, b.Type)
	bs.mu.Unlock()

	if deleteEngine {
		if err := b.Engine.Destroy(); err != nil {
			bs.log.Warn("failed to destroy engine", "type", b.Type, "err", err)
		}
	}
	err := b.Engine.Close()
	b.mu.Lock()
	clear(b.ofp)
	clear(b.owner)
	b.mu.Unlock()
	bs.log.Info("closed backer", "type", b.Type, "deleted", deleteEngine)
	return err
}

// Lookup returns the backer of typ without taking a reference.
func (bs *Backers) Lookup(typ string) (*Backer, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byType[typ]
	return b, ok
}

// Refs returns the reference count of the backer of typ, 0 if none.
func (bs *Backers) Refs(typ string) int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.byType[typ]; ok {
		return b.refs
	}
	return 0
}

// Types returns the types that currently have a backer, sorted.
func (bs *Backers) Types() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	types := make([]string, 0, len(bs.byType))
	for t := range bs.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

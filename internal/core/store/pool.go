// Package store implements the persistent object memory manager: typed
// mutable containers whose in-memory representation is their on-media
// representation, a reference-counted object graph rooted at a single
// durable root handle, undo-log transactions, and a crash-recovery
// garbage sweep.
package store

import (
	"encoding/binary"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fenilsonani/pmemobj/internal/pmem"
)

const (
	// Object header prefixing every allocated object:
	// ob_refcnt u64, ob_type u32, pad u32.
	objHeaderSize = 16
	obRefcntOff   = 0
	obTypeOff     = 8

	// Allocator type numbers. Dict keys-objects, tuple item arrays, and
	// set entry tables carry their own tags; object bodies and list item
	// arrays use the default application number.
	typeNumObject     = 33
	typeNumDictKeys   = 40
	typeNumTupleItems = 50
	typeNumSetTable   = 60

	// Root block layout within the pool's fixed root area.
	rootTypeTableOff  = 0
	rootObjectOff     = 16
	rootSingletonsOff = 32
	rootCleanOff      = 48

	smallIntMin = -5
	smallIntMax = 256

	// Strings and byte strings up to this length are interned within a
	// session.
	internMaxLen = 64

	primCacheSize = 4096
)

// dummyOID is the tombstone marker used inside dict and set tables. It
// is never produced by allocation and contributes to no refcount.
var dummyOID = pmem.OID{PoolID: 0, Off: 10}

type internKey struct {
	kind byte
	s    string
}

// Pool is an open persistent object pool: the memory manager plus the
// user-visible root handle.
type Pool struct {
	pm    *pmem.Pool
	log   *zap.Logger
	path  string
	debug bool

	typeTable  *PersistentList
	typeNames  []string
	typeCodes  map[string]uint32
	singletons *PersistentList

	resCache  map[pmem.OID]Object
	primCache *lru.Cache[pmem.OID, any]
	interned  map[internKey]pmem.OID

	noneOID   pmem.OID
	falseOID  pmem.OID
	trueOID   pmem.OID
	smallInts [smallIntMax - smallIntMin + 1]pmem.OID

	closed bool
}

// Option configures Create and Open.
type Option func(*config)

type config struct {
	poolSize uint64
	mode     os.FileMode
	debug    bool
	logger   *zap.Logger
}

// WithPoolSize sets the pool file size for Create.
func WithPoolSize(n uint64) Option {
	return func(c *config) { c.poolSize = n }
}

// WithMode sets the pool file permission bits for Create.
func WithMode(m os.FileMode) Option {
	return func(c *config) { c.mode = m }
}

// WithDebug enables extra invariant checks and debug logging.
func WithDebug() Option {
	return func(c *config) { c.debug = true }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

func buildConfig(opts []Option) (*config, error) {
	c := &config{}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		if c.debug {
			l, err := zap.NewDevelopment()
			if err != nil {
				return nil, fmt.Errorf("failed to build debug logger: %w", err)
			}
			c.logger = l
		} else {
			c.logger = zap.NewNop()
		}
	}
	return c, nil
}

func newPool(pm *pmem.Pool, path string, c *config) *Pool {
	cache, _ := lru.New[pmem.OID, any](primCacheSize)
	return &Pool{
		pm:        pm,
		log:       c.logger,
		path:      path,
		debug:     c.debug,
		typeCodes: make(map[string]uint32),
		resCache:  make(map[pmem.OID]Object),
		primCache: cache,
		interned:  make(map[internKey]pmem.OID),
	}
}

// Create creates a pool file and initializes the object layer: the type
// table, the eagerly allocated primitive singletons, and a null root.
func Create(path string, opts ...Option) (*Pool, error) {
	c, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	pm, err := pmem.Create(path, pmem.Options{
		PoolSize: c.poolSize,
		Mode:     c.mode,
		Logger:   c.logger,
	})
	if err != nil {
		return nil, translate(err)
	}
	p := newPool(pm, path, c)
	if err := p.pm.Run(p.bootstrap); err != nil {
		pm.Close()
		os.Remove(path)
		return nil, translate(err)
	}
	p.log.Debug("pool initialized", zap.String("path", path),
		zap.Int("type_codes", len(p.typeNames)))
	return p, nil
}

// bootstrap allocates the type table and singleton set of a fresh pool.
func (p *Pool) bootstrap() error {
	// Builtin type codes are seeded volatile-first so that persisting
	// the name strings below can already resolve their own type code.
	for i, name := range builtinClasses {
		p.typeCodes[name] = uint32(i)
		p.typeNames = append(p.typeNames, name)
	}

	tt, err := p.newList()
	if err != nil {
		return err
	}
	p.typeTable = tt
	if err := p.setRootSlot(rootTypeTableOff, tt.oid); err != nil {
		return err
	}
	for _, name := range builtinClasses {
		if err := tt.append(name); err != nil {
			return err
		}
	}

	sl, err := p.newList()
	if err != nil {
		return err
	}
	p.singletons = sl
	if err := p.setRootSlot(rootSingletonsOff, sl.oid); err != nil {
		return err
	}
	if err := sl.append(nil); err != nil {
		return err
	}
	if err := sl.append(false); err != nil {
		return err
	}
	if err := sl.append(true); err != nil {
		return err
	}
	for i := smallIntMin; i <= smallIntMax; i++ {
		if err := sl.append(int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// setRootSlot stores an OID into a root block slot and increfs it. Used
// only during bootstrap when the previous slot value is null.
func (p *Pool) setRootSlot(off uint64, oid pmem.OID) error {
	if err := p.pm.SnapshotRoot(off, pmem.OIDSize); err != nil {
		return translate(err)
	}
	pmem.PutOID(p.pm.RootBytes()[off:], oid)
	return p.incref(oid)
}

// Open maps an existing pool. If the clean-shutdown flag is unset a
// crash is suspected and the mark-and-sweep recovery runs before the
// pool is returned.
func Open(path string, opts ...Option) (*Pool, error) {
	c, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	pm, err := pmem.Open(path, pmem.Options{Logger: c.logger})
	if err != nil {
		return nil, translate(err)
	}
	p := newPool(pm, path, c)
	if err := p.load(); err != nil {
		pm.Close()
		return nil, err
	}

	clean := p.pm.RootBytes()[rootCleanOff] == 1
	if clean {
		err = p.pm.Run(func() error { return p.setCleanFlag(0) })
		if err != nil {
			pm.Close()
			return nil, translate(err)
		}
	} else {
		p.log.Info("unclean shutdown detected, running recovery sweep",
			zap.String("path", path))
		freed, gcErr := p.GC()
		if gcErr != nil {
			pm.Close()
			return nil, fmt.Errorf("recovery sweep failed: %w", gcErr)
		}
		p.log.Info("recovery sweep complete", zap.Int("freed_blocks", freed))
	}
	return p, nil
}

// load reads the type table and singleton set from the root block. The
// type table is decoded by layout rather than through resurrect, since
// resolving type codes requires the table itself.
func (p *Pool) load() error {
	root := p.pm.RootBytes()
	ttOID := pmem.GetOID(root[rootTypeTableOff:])
	if ttOID.IsNull() {
		return fmt.Errorf("pool has no type table: %w", ErrCorruption)
	}
	names, err := p.readStringList(ttOID)
	if err != nil {
		return fmt.Errorf("failed to read type table: %w", err)
	}
	if len(names) < len(builtinClasses) {
		return fmt.Errorf("type table truncated: %w", ErrCorruption)
	}
	for i, want := range builtinClasses {
		if names[i] != want {
			return fmt.Errorf("type table slot %d holds %q, want %q: %w",
				i, names[i], want, ErrCorruption)
		}
	}
	for i, name := range names {
		if i > 0 && !isBuiltinClass(name) {
			if _, ok := lookupClass(name); !ok {
				return fmt.Errorf("pool references unregistered class %q: %w",
					name, ErrCorruption)
			}
		}
		p.typeCodes[name] = uint32(i)
	}
	p.typeNames = names
	p.typeTable = &PersistentList{pool: p, oid: ttOID}

	slOID := pmem.GetOID(root[rootSingletonsOff:])
	if slOID.IsNull() {
		return fmt.Errorf("pool has no singleton table: %w", ErrCorruption)
	}
	p.singletons = &PersistentList{pool: p, oid: slOID}
	oids, err := p.readOIDList(slOID)
	if err != nil {
		return fmt.Errorf("failed to read singleton table: %w", err)
	}
	want := 3 + smallIntMax - smallIntMin + 1
	if len(oids) != want {
		return fmt.Errorf("singleton table holds %d entries, want %d: %w",
			len(oids), want, ErrCorruption)
	}
	p.noneOID, p.falseOID, p.trueOID = oids[0], oids[1], oids[2]
	copy(p.smallInts[:], oids[3:])
	return nil
}

// readOIDList reads the raw item OIDs of a persistent list by layout.
func (p *Pool) readOIDList(listOID pmem.OID) ([]pmem.OID, error) {
	body := p.pm.Direct(listOID)
	if len(body) < listBodySize {
		return nil, fmt.Errorf("list block too small: %w", ErrCorruption)
	}
	size := binary.LittleEndian.Uint64(body[listSizeOff:])
	if size == 0 {
		return nil, nil
	}
	itemsOID := pmem.GetOID(body[listItemsOff:])
	if itemsOID.IsNull() {
		return nil, fmt.Errorf("list has items but no item array: %w", ErrCorruption)
	}
	items := p.pm.Direct(itemsOID)
	if uint64(len(items)) < size*pmem.OIDSize {
		return nil, fmt.Errorf("list item array too small: %w", ErrCorruption)
	}
	out := make([]pmem.OID, size)
	for i := uint64(0); i < size; i++ {
		out[i] = pmem.GetOID(items[i*pmem.OIDSize:])
	}
	return out, nil
}

func (p *Pool) readStringList(listOID pmem.OID) ([]string, error) {
	oids, err := p.readOIDList(listOID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(oids))
	for i, oid := range oids {
		v, err := decodePrimitive(p.pm.Direct(oid), classStr)
		if err != nil {
			return nil, err
		}
		out[i] = v.(string)
	}
	return out, nil
}

// Transaction runs fn inside a transaction, committing on normal return
// and aborting when an error propagates out. Nested calls join the
// enclosing transaction; an abort rewinds to the outermost begin.
func (p *Pool) Transaction(fn func() error) error {
	if p.closed {
		return fmt.Errorf("pool is closed: %w", ErrUsage)
	}
	outermost := !p.pm.InTransaction()
	err := p.pm.Run(fn)
	if err != nil && outermost {
		p.rollbackVolatile()
	}
	return translate(err)
}

// rollbackVolatile discards volatile state that may describe undone
// persistent bytes after an abort.
func (p *Pool) rollbackVolatile() {
	p.resCache = make(map[pmem.OID]Object)
	p.primCache.Purge()
	p.interned = make(map[internKey]pmem.OID)
	p.typeCodes = make(map[string]uint32)
	p.typeNames = nil
	if names, err := p.readStringList(p.typeTable.oid); err == nil {
		p.typeNames = names
		for i, name := range names {
			p.typeCodes[name] = uint32(i)
		}
	} else {
		p.log.Error("failed to reload type table after abort", zap.Error(err))
	}
}

// Root resurrects the user-visible root object, or nil when unset.
func (p *Pool) Root() (any, error) {
	if p.closed {
		return nil, fmt.Errorf("pool is closed: %w", ErrUsage)
	}
	return p.resurrect(pmem.GetOID(p.pm.RootBytes()[rootObjectOff:]))
}

// SetRoot persists v and installs it as the durable root, dropping the
// reference to the previous root.
func (p *Pool) SetRoot(v any) error {
	return p.Transaction(func() error {
		oid, err := p.persist(v)
		if err != nil {
			return err
		}
		root := p.pm.RootBytes()
		old := pmem.GetOID(root[rootObjectOff:])
		if oid == old {
			return nil
		}
		if !oid.IsNull() {
			if err := p.incref(oid); err != nil {
				return err
			}
		}
		if err := p.pm.SnapshotRoot(rootObjectOff, pmem.OIDSize); err != nil {
			return err
		}
		pmem.PutOID(root[rootObjectOff:], oid)
		return p.xdecref(old)
	})
}

func (p *Pool) setCleanFlag(b byte) error {
	if err := p.pm.SnapshotRoot(rootCleanOff, 1); err != nil {
		return err
	}
	p.pm.RootBytes()[rootCleanOff] = b
	return nil
}

// Close marks the shutdown clean and unmaps the pool. Closing twice is a
// usage error.
func (p *Pool) Close() error {
	if p.closed {
		return fmt.Errorf("pool closed twice: %w", ErrUsage)
	}
	err := p.pm.Run(func() error { return p.setCleanFlag(1) })
	if err != nil {
		return translate(err)
	}
	p.closed = true
	return translate(p.pm.Close())
}

// CloseDirty unmaps the pool without marking the shutdown clean,
// simulating a crash. The next Open runs the recovery sweep.
func (p *Pool) CloseDirty() error {
	if p.closed {
		return fmt.Errorf("pool closed twice: %w", ErrUsage)
	}
	p.closed = true
	return translate(p.pm.CloseDirty())
}

// Path returns the pool file path.
func (p *Pool) Path() string {
	return p.path
}

// Stats reports pool geometry and allocator usage.
func (p *Pool) Stats() pmem.Stats {
	return p.pm.Stats()
}

package peer

import (
	"container/list"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

const (
	DefaultCap       = 512
	DefaultTTL       = 30 * time.Minute
	DefaultLoadLimit = 512
)

type Options struct {
	Cap       int
	TTL       time.Duration
	LoadLimit int
	Logger    *zap.Logger
}

// Store is a TTL-and-capacity bounded peer table with append-only JSONL
// persistence. Entries are kept in recency order; stale entries are
// pruned lazily on access and the oldest are evicted when the table is
// full.
type Store struct {
	mu    sync.Mutex
	path  string
	cap   int
	ttl   time.Duration
	log   *zap.Logger
	hot   map[string]*list.Element
	order *list.List
}

type entry struct {
	key       string
	info      Info
	expiresAt time.Time
}

type diskPeer struct {
	NodeID     string            `json:"node_id"`
	SigningPub string            `json:"signing_pub"`
	Addr       string            `json:"addr,omitempty"`
	Caps       wire.Capabilities `json:"caps"`
	Trust      float64           `json:"trust"`
}

func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = capacity
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &Store{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		log:   log,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
	if err := s.loadLast(loadLimit); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert inserts or refreshes a peer. The node id must match the
// signing key; records that fail the check are rejected, never stored.
func (s *Store) Upsert(p Info, persist bool) error {
	if isZeroNodeID(p.NodeID) {
		return fmt.Errorf("missing node_id")
	}
	if len(p.SigningPub) == 0 {
		return fmt.Errorf("missing signing key")
	}
	if DeriveNodeID(p.SigningPub) != p.NodeID {
		s.log.Warn("peer upsert rejected",
			zap.String("node_id", hex.EncodeToString(p.NodeID[:8])),
			zap.String("addr", p.Addr))
		return wire.ErrInvalidNodeID
	}
	pub := make([]byte, len(p.SigningPub))
	copy(pub, p.SigningPub)
	p.SigningPub = pub
	if p.TrustScore <= 0 {
		p.TrustScore = DefaultTrust
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	s.mu.Lock()
	s.pruneLocked()
	now := time.Now()
	key := keyFor(p.NodeID)
	if el, ok := s.hot[key]; ok {
		ent := el.Value.(*entry)
		if p.Addr == "" {
			p.Addr = ent.info.Addr
		}
		// Keep the learned trust score across refreshes.
		if p.TrustScore == DefaultTrust {
			p.TrustScore = ent.info.TrustScore
		}
		ent.info = p
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(el)
	} else {
		if s.cap > 0 && len(s.hot) >= s.cap {
			s.evictLocked(len(s.hot) - s.cap + 1)
		}
		ent := &entry{key: key, info: p, expiresAt: now.Add(s.ttl)}
		s.hot[key] = s.order.PushFront(ent)
	}
	s.mu.Unlock()

	if !persist {
		return nil
	}
	return appendJSONL(s.path, diskPeer{
		NodeID:     hex.EncodeToString(p.NodeID[:]),
		SigningPub: hex.EncodeToString(p.SigningPub),
		Addr:       p.Addr,
		Caps:       p.Capabilities,
		Trust:      p.TrustScore,
	})
}

func (s *Store) Get(id [32]byte) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	el, ok := s.hot[keyFor(id)]
	if !ok {
		return Info{}, false
	}
	return copyInfo(el.Value.(*entry).info), true
}

func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]Info, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, copyInfo(el.Value.(*entry).info))
	}
	return out
}

// FindBySkill returns peers advertising the given capability tag,
// most recently seen first.
func (s *Store) FindBySkill(skill string) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	var out []Info
	for el := s.order.Front(); el != nil; el = el.Next() {
		info := el.Value.(*entry).info
		if info.HasSkill(skill) {
			out = append(out, copyInfo(info))
		}
	}
	return out
}

// SetCapabilities replaces the advertised capabilities of a known peer.
func (s *Store) SetCapabilities(id [32]byte, caps wire.Capabilities) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[keyFor(id)]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	ent.info.Capabilities = caps
	ent.info.LastSeen = time.Now()
	ent.expiresAt = time.Now().Add(s.ttl)
	s.order.MoveToFront(el)
	return true
}

// AdjustTrust nudges a peer's trust score by delta, clamped to [0,1].
func (s *Store) AdjustTrust(id [32]byte, delta float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[keyFor(id)]
	if !ok {
		return 0, false
	}
	ent := el.Value.(*entry)
	t := ent.info.TrustScore + delta
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	ent.info.TrustScore = t
	return t, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.hot)
}

func (s *Store) pruneLocked() {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(s.hot, ent.key)
		s.order.Remove(el)
		el = prev
	}
}

func (s *Store) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(s.hot, ent.key)
		s.order.Remove(el)
		n--
	}
}

func (s *Store) loadLast(limit int) error {
	records, err := readLastN(s.path, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		pub, err := hex.DecodeString(rec.SigningPub)
		if err != nil || len(pub) == 0 {
			continue
		}
		idBytes, err := hex.DecodeString(rec.NodeID)
		if err != nil || len(idBytes) != 32 {
			continue
		}
		var id [32]byte
		copy(id[:], idBytes)
		_ = s.Upsert(Info{
			NodeID:       id,
			SigningPub:   pub,
			Addr:         rec.Addr,
			Capabilities: rec.Caps,
			TrustScore:   rec.Trust,
		}, false)
	}
	return nil
}

func keyFor(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func copyInfo(in Info) Info {
	out := in
	out.SigningPub = append([]byte(nil), in.SigningPub...)
	if in.Capabilities.Skills != nil {
		out.Capabilities.Skills = append([]string(nil), in.Capabilities.Skills...)
	}
	return out
}

func isZeroNodeID(id [32]byte) bool {
	var zero [32]byte
	return id == zero
}

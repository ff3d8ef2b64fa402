package leaderboard

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"engagekit/core"
)

// An indexable skip list ordered by (score desc, achieved-at asc, user asc).
// Each forward pointer carries its span, so rank lookups and offset reads are
// O(log n) as well as updates.

const maxLevel = 16
const pFactor = 0.25

type node struct {
	e    Entry
	next [maxLevel]*node
	span [maxLevel]int
}

type SkipList struct {
	mu     sync.RWMutex
	head   *node
	lvl    int
	length int
	byUser map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	seed1 := binary.BigEndian.Uint64(seed[:8])
	seed2 := binary.BigEndian.Uint64(seed[8:])

	return &SkipList{
		head:   &node{},
		lvl:    1,
		byUser: map[core.UserID]*node{},
		rng:    rand.New(rand.NewPCG(seed1, seed2)),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

func less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.AchievedAt.Equal(b.AchievedAt) {
		return a.AchievedAt.Before(b.AchievedAt)
	}
	return a.User < b.User
}

// Set places user at score, reached at time at. Setting the current score
// again keeps the original achieved-at time.
func (s *SkipList) Set(user core.UserID, score int64, at time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(user, score, at)
}

// Add moves user by delta in one step. A user not yet on the board starts at 0.
func (s *SkipList) Add(user core.UserID, delta int64, at time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if n, ok := s.byUser[user]; ok {
		cur = n.e.Score
	}
	score, err := core.AddSafe(cur, delta)
	if err != nil {
		return Entry{}, err
	}
	return s.setLocked(user, score, at), nil
}

func (s *SkipList) setLocked(user core.UserID, score int64, at time.Time) Entry {
	if old, ok := s.byUser[user]; ok {
		if old.e.Score == score {
			return old.e
		}
		s.removeLocked(old.e)
	}
	e := Entry{User: user, Score: score, AchievedAt: at.UTC()}
	s.insertLocked(e)
	return e
}

func (s *SkipList) insertLocked(e Entry) {
	var update [maxLevel]*node
	var rank [maxLevel]int
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		if i < s.lvl-1 {
			rank[i] = rank[i+1]
		}
		for cur.next[i] != nil && less(cur.next[i].e, e) {
			rank[i] += cur.span[i]
			cur = cur.next[i]
		}
		update[i] = cur
	}
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			rank[i] = 0
			update[i] = s.head
			update[i].span[i] = s.length
		}
		s.lvl = lvl
	}
	n := &node{e: e}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
		n.span[i] = update[i].span[i] - (rank[0] - rank[i])
		update[i].span[i] = rank[0] - rank[i] + 1
	}
	for i := lvl; i < s.lvl; i++ {
		update[i].span[i]++
	}
	s.byUser[e.User] = n
	s.length++
}

func (s *SkipList) removeLocked(e Entry) {
	var update [maxLevel]*node
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && less(cur.next[i].e, e) {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	target := update[0].next[0]
	if target == nil || target.e.User != e.User {
		return
	}
	for i := 0; i < s.lvl; i++ {
		if update[i].next[i] == target {
			update[i].span[i] += target.span[i] - 1
			update[i].next[i] = target.next[i]
		} else {
			update[i].span[i]--
		}
	}
	delete(s.byUser, e.User)
	s.length--
	for s.lvl > 1 && s.head.next[s.lvl-1] == nil {
		s.lvl--
	}
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byUser[user]; ok {
		s.removeLocked(n.e)
	}
}

// Rank is the 1-based position of user, or false when absent.
func (s *SkipList) Rank(user core.UserID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return 0, false
	}
	return s.rankLocked(n.e), true
}

func (s *SkipList) rankLocked(e Entry) int {
	rank := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && !less(e, cur.next[i].e) {
			rank += cur.span[i]
			cur = cur.next[i]
		}
		if cur != s.head && cur.e.User == e.User {
			return rank
		}
	}
	return 0
}

func (s *SkipList) TopN(n int) []Entry {
	return s.Range(0, n)
}

// Range returns up to limit entries starting at the 0-based offset.
func (s *SkipList) Range(offset, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || offset < 0 || offset >= s.length {
		return nil
	}
	cur := s.head
	traversed := 0
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && traversed+cur.span[i] <= offset {
			traversed += cur.span[i]
			cur = cur.next[i]
		}
	}
	out := make([]Entry, 0, min(limit, s.length-offset))
	for cur = cur.next[0]; cur != nil && len(out) < limit; cur = cur.next[0] {
		out = append(out, cur.e)
	}
	return out
}

// Walk visits entries in rank order until fn returns false.
func (s *SkipList) Walk(fn func(rank int, e Entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rank := 0
	for cur := s.head.next[0]; cur != nil; cur = cur.next[0] {
		rank++
		if !fn(rank, cur.e) {
			return
		}
	}
}

func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.byUser[user]; ok {
		return n.e, true
	}
	return Entry{}, false
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Reset empties the board.
func (s *SkipList) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = &node{}
	s.lvl = 1
	s.length = 0
	s.byUser = map[core.UserID]*node{}
}

var _ Board = (*SkipList)(nil)

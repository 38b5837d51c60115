package orderindex

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/coinlordd/pear-limit-engine/models"
)

const btreeDegree = 32

// entry orders the tree by trigger ratio, ties broken by id.
type entry struct {
	score float64
	id    string
}

func lessEntry(a, b entry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.id < b.id
}

type book struct {
	below  *btree.BTreeG[entry]
	above  *btree.BTreeG[entry]
	orders map[string]models.LimitOrder
}

func newBook() *book {
	return &book{
		below:  btree.NewG[entry](btreeDegree, lessEntry),
		above:  btree.NewG[entry](btreeDegree, lessEntry),
		orders: make(map[string]models.LimitOrder),
	}
}

func (b *book) tree(d models.Direction) *btree.BTreeG[entry] {
	if d == models.AboveMeansTrigger {
		return b.above
	}
	return b.below
}

func (b *book) collect(ids []string) []models.LimitOrder {
	out := make([]models.LimitOrder, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Memory is an in-process Index. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	books map[string]*book
}

func NewMemory() *Memory {
	return &Memory{books: make(map[string]*book)}
}

func (m *Memory) Insert(_ context.Context, order models.LimitOrder) error {
	if err := order.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[order.PairID]
	if !ok {
		b = newBook()
		m.books[order.PairID] = b
	}
	if old, ok := b.orders[order.ID]; ok {
		b.tree(old.Direction).Delete(entry{score: old.TriggerRatio, id: old.ID})
	}
	b.tree(order.Direction).ReplaceOrInsert(entry{score: order.TriggerRatio, id: order.ID})
	b.orders[order.ID] = order
	return nil
}

func (m *Memory) MatchAt(_ context.Context, pairID string, ratio float64) ([]models.LimitOrder, error) {
	if err := checkRatio(ratio); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[pairID]
	if !ok {
		return nil, nil
	}
	var ids []string
	// (ratio, +inf): an empty id sorts before every id at the same score.
	b.below.AscendGreaterOrEqual(entry{score: ratio}, func(e entry) bool {
		if e.score > ratio {
			ids = append(ids, e.id)
		}
		return true
	})
	// (-inf, ratio)
	b.above.AscendLessThan(entry{score: ratio}, func(e entry) bool {
		ids = append(ids, e.id)
		return true
	})
	return b.collect(ids), nil
}

func (m *Memory) List(_ context.Context, pairID string) ([]models.LimitOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[pairID]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(b.orders))
	visit := func(e entry) bool {
		ids = append(ids, e.id)
		return true
	}
	b.below.Ascend(visit)
	b.above.Ascend(visit)
	return b.collect(ids), nil
}

func (m *Memory) TopK(_ context.Context, pairID string, edge models.Edge, k int) ([]models.LimitOrder, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[pairID]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, k)
	visit := func(e entry) bool {
		ids = append(ids, e.id)
		return len(ids) < k
	}
	if edge == models.Highest {
		b.above.Descend(visit)
	} else {
		b.below.Ascend(visit)
	}
	return b.collect(ids), nil
}

func (m *Memory) Remove(_ context.Context, pairID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[pairID]
	if !ok {
		return nil
	}
	old, ok := b.orders[id]
	if !ok {
		return nil
	}
	b.tree(old.Direction).Delete(entry{score: old.TriggerRatio, id: id})
	delete(b.orders, id)
	if len(b.orders) == 0 {
		delete(m.books, pairID)
	}
	return nil
}

package workitem

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Counts holds live (non-deleted) item counts per kind and state.
type Counts map[Kind]map[State]int64

func (c Counts) Add(kind Kind, state State, n int64) {
	if c[kind] == nil {
		c[kind] = make(map[State]int64)
	}

	c[kind][state] += n
}

func (c Counts) Get(kind Kind, state State) int64 {
	return c[kind][state]
}

// Failure is an operator view of one terminally failed item.
type Failure struct {
	Kind      Kind
	ID        uuid.UUID
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// SortFailures orders newest first, then by id.
func SortFailures(f []Failure) {
	sort.Slice(f, func(i, j int) bool {
		if !f[i].UpdatedAt.Equal(f[j].UpdatedAt) {
			return f[i].UpdatedAt.After(f[j].UpdatedAt)
		}

		return f[i].ID.String() < f[j].ID.String()
	})
}

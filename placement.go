package activebee

import (
	"fmt"
	"sort"
	"sync"
)

// Placement resolves the logical location of a hive to the endpoint of its
// transport.
type Placement interface {
	Resolve(location string) (endpoint string, err error)
}

// PlacementFunc adapts a function to Placement.
type PlacementFunc func(location string) (string, error)

// Resolve calls f(location).
func (f PlacementFunc) Resolve(location string) (string, error) {
	return f(location)
}

// DirectPlacement treats locations as endpoints.
var DirectPlacement Placement = PlacementFunc(func(loc string) (string,
	error) {

	return loc, nil
})

// StaticPlacement is a table of locations. Locations missing from the table
// are used as endpoints unless the placement is strict.
type StaticPlacement struct {
	mu     sync.RWMutex
	table  map[string]string
	strict bool
}

// NewStaticPlacement creates a placement from a location to endpoint table.
func NewStaticPlacement(table map[string]string, strict bool) *StaticPlacement {
	p := &StaticPlacement{
		table:  make(map[string]string, len(table)),
		strict: strict,
	}
	for l, e := range table {
		p.table[l] = e
	}
	return p
}

// Resolve implements Placement.
func (p *StaticPlacement) Resolve(location string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if e, ok := p.table[location]; ok {
		return e, nil
	}
	if p.strict {
		return "", fmt.Errorf("activebee: unknown location %q", location)
	}
	return location, nil
}

// Set maps location to endpoint.
func (p *StaticPlacement) Set(location, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[location] = endpoint
}

// Locations returns the sorted locations in the table.
func (p *StaticPlacement) Locations() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ls := make([]string, 0, len(p.table))
	for l := range p.table {
		ls = append(ls, l)
	}
	sort.Strings(ls)
	return ls
}

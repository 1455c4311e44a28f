package registry

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"
)

// ErrNoEndpoint is returned when there is nothing to pick from.
var ErrNoEndpoint = errors.New("registry: no endpoint available")

// Strategy chooses one endpoint among the healthy instances of a service.
type Strategy int

const (
	// PickRandom spreads connections evenly.
	PickRandom Strategy = iota + 1
	// PickHash sends the same key to the same endpoint while the set is stable.
	PickHash
)

func (s Strategy) String() string {
	switch s {
	case PickRandom:
		return "random"
	case PickHash:
		return "hash"
	default:
		return "unknown"
	}
}

// Pick selects an endpoint. key is only used by PickHash.
func Pick(eps []Endpoint, s Strategy, key string) (Endpoint, error) {
	if len(eps) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}
	switch s {
	case PickRandom:
		return eps[rand.IntN(len(eps))], nil
	case PickHash:
		// order-independent: Consul returns entries in no fixed order
		sorted := slices.Clone(eps)
		slices.SortFunc(sorted, func(a, b Endpoint) int { return strings.Compare(a.Addr, b.Addr) })
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		return sorted[h.Sum64()%uint64(len(sorted))], nil
	default:
		return Endpoint{}, errors.New("registry: unknown pick strategy")
	}
}

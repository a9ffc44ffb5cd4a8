package vmops

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
)

// Strategy picks a placement target among datastores that can hold a VM.
type Strategy string

const (
	StrategyRandom    Strategy = "random"
	StrategyMostSpace Strategy = "most-space"
)

// ParseStrategy validates a strategy name; empty means random.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyRandom, nil
	case StrategyRandom, StrategyMostSpace:
		return Strategy(s), nil
	}
	return "", errors.Errorf("unknown placement strategy %q, must be %q or %q", s, StrategyRandom, StrategyMostSpace)
}

// place chooses a datastore whose free space exceeds need and debits the
// winner by that amount, so later placements in the same run do not pile
// onto the same datastore. No remote call is made.
func place(candidates []*vim.Datastore, need int64, strategy Strategy, intn func(int) int) (*vim.Datastore, error) {
	var possible []*vim.Datastore
	for _, ds := range candidates {
		if ds.FreeBytes > need {
			possible = append(possible, ds)
		}
	}
	if len(possible) == 0 {
		return nil, errors.New("no datastore with enough free space, are they all full?")
	}
	sort.Slice(possible, func(i, j int) bool { return possible[i].FreeBytes > possible[j].FreeBytes })
	var target *vim.Datastore
	switch strategy {
	case StrategyMostSpace:
		target = possible[0]
	case StrategyRandom:
		target = possible[intn(len(possible))]
	default:
		return nil, errors.Errorf("unknown placement strategy %q", strategy)
	}
	target.FreeBytes -= need
	return target, nil
}

// placeFor applies an instance's placement choice against the shared
// datastore cache under the Ops lock.
func (o *Ops) placeFor(base *baseImage, strategy Strategy) (*vim.Datastore, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return place(base.datastores, base.size, strategy, o.intn)
}

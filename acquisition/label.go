package acquisition

import (
	"fmt"
	"sync/atomic"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// LabelCell holds the currently active operator label. Writes are last-write-
// wins and neither Get nor Set ever blocks, so the keyboard handler cannot
// stall the recorder ticks.
type LabelCell struct {
	v      atomic.Uint32
	writes atomic.Uint64
}

func NewLabelCell(initial eeg.Label) *LabelCell {
	c := &LabelCell{}
	c.v.Store(uint32(initial))
	return c
}

func (c *LabelCell) Get() eeg.Label { return eeg.Label(c.v.Load()) }

func (c *LabelCell) Set(l eeg.Label) {
	c.v.Store(uint32(l))
	c.writes.Add(1)
}

// Writes counts Set calls.
func (c *LabelCell) Writes() uint64 { return c.writes.Load() }

// Keymap translates key names into labels. One key ends the session.
type Keymap struct {
	keys map[string]eeg.Label
	stop string
}

func NewKeymap(keys map[string]string, stop string) (*Keymap, error) {
	k := &Keymap{keys: make(map[string]eeg.Label, len(keys)), stop: stop}
	for key, name := range keys {
		l, err := eeg.ParseLabel(name)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		if key == stop {
			return nil, fmt.Errorf("key %q is both a label and the stop key", key)
		}
		k.keys[key] = l
	}
	return k, nil
}

func (k *Keymap) Lookup(key string) (eeg.Label, bool) {
	l, ok := k.keys[key]
	return l, ok
}

func (k *Keymap) IsStop(key string) bool { return key == k.stop }

// Help lists "key: label" pairs in label order.
func (k *Keymap) Help() []string {
	var out []string
	for _, l := range eeg.Labels() {
		for key, kl := range k.keys {
			if kl == l {
				out = append(out, fmt.Sprintf("%s: %s", key, l))
			}
		}
	}
	return out
}

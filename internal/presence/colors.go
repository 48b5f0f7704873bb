package presence

import (
	"fmt"
	"math/rand"
	"sync"
)

var defaultPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// Colors assigns display colors to remote client ids for one connection
// session. Ids that announce their own color keep it.
type Colors struct {
	mu       sync.Mutex
	palette  []string
	assigned map[string]string
	next     int
}

func NewColors() *Colors {
	return &Colors{palette: defaultPalette, assigned: map[string]string{}}
}

func (c *Colors) For(clientID string, announced string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if announced != "" {
		c.assigned[clientID] = announced
		return announced
	}
	if color, ok := c.assigned[clientID]; ok {
		return color
	}
	color := c.palette[c.next%len(c.palette)]
	c.next++
	c.assigned[clientID] = color
	return color
}

func (c *Colors) Forget(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assigned, clientID)
}

func (c *Colors) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}

// RandomColor returns a #rrggbb color for a local user without a preference.
func RandomColor(rng *rand.Rand) string {
	var v int
	if rng == nil {
		v = rand.Intn(1 << 24)
	} else {
		v = rng.Intn(1 << 24)
	}
	return fmt.Sprintf("#%06x", v)
}

package fleet

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// commandIDs issues process-unique command ids of the form
// cmd_<unix-millis>_<seed>_<counter>. The counter alone guarantees
// uniqueness within a process; the random seed separates processes.
type commandIDs struct {
	seed    string
	counter atomic.Uint64
	now     func() time.Time
}

func newCommandIDs() *commandIDs {
	return &commandIDs{
		seed: strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		now:  time.Now,
	}
}

// Next returns a fresh command id.
func (g *commandIDs) Next() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("cmd_%d_%s_%d", g.now().UnixMilli(), g.seed, n)
}

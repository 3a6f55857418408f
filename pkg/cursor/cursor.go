// Package cursor mints opaque continuation tokens for feed sessions. A token
// carries no position; the feed only checks whether one was sent.
package cursor

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"

	"github.com/sony/sonyflake"
)

type Generator struct {
	mu sync.Mutex
	sf *sonyflake.Sonyflake
}

func New() (*Generator, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		// no private IPv4 to derive a machine id from (containers, CI)
		sf = sonyflake.NewSonyflake(sonyflake.Settings{MachineID: hostMachineID})
	}
	if sf == nil {
		return nil, fmt.Errorf("cursor: sonyflake init failed")
	}
	return &Generator{sf: sf}, nil
}

// Next returns a fresh token, unique within the deployment.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	id, err := g.sf.NextID()
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 36), nil
}

func hostMachineID() (uint16, error) {
	name, err := os.Hostname()
	if err != nil {
		return 0, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return uint16(h.Sum32()), nil
}

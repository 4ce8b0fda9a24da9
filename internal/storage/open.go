package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	logx "groupkeeper/pkg/logx"
)

// ErrUnknownDriver is returned by Open for an unregistered driver name.
var ErrUnknownDriver = errors.New("unknown storage driver")

type opener func(cfg Config, log logx.Logger) (Store, error)

// openers maps every accepted driver name, aliases included, to its opener.
var openers = map[string]opener{
	"":        openMemory,
	"memory":  openMemory,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

func openMemory(Config, logx.Logger) (Store, error) { return NewMemory(), nil }

// Open builds the store named by cfg.Driver. An empty driver selects the
// in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := openers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownDriver, name, strings.Join(Drivers(), ", "))
	}
	s, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driverLabel(name), err)
	}
	return s, nil
}

// Drivers lists the accepted driver names in sorted order.
func Drivers() []string {
	out := make([]string, 0, len(openers))
	for k := range openers {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func driverLabel(name string) string {
	if name == "" {
		return "memory"
	}
	return name
}

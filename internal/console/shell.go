// Package console is a line-oriented keyword shell served over any
// io.ReadWriter, typically a serial port.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultRepeatInterval = 100 * time.Millisecond

// Handler runs a keyword. args excludes the keyword itself.
type Handler func(w io.Writer, args []string) error

// Keyword is one shell command. A repeating keyword keeps running every
// repeat interval until the next input line arrives.
type Keyword struct {
	Name   string
	Help   string
	Run    Handler
	Repeat bool
}

type Shell struct {
	mu       sync.RWMutex
	keywords map[string]Keyword

	repeatEvery time.Duration
}

// New returns a shell with the built-in help keyword registered.
func New(repeatEvery time.Duration) *Shell {
	if repeatEvery <= 0 {
		repeatEvery = defaultRepeatInterval
	}
	s := &Shell{keywords: map[string]Keyword{}, repeatEvery: repeatEvery}
	s.keywords["help"] = Keyword{Name: "help", Help: "list keywords", Run: s.help}
	return s
}

func (s *Shell) Register(k Keyword) error {
	if k.Name == "" || strings.ContainsAny(k.Name, " \t") {
		return fmt.Errorf("console: invalid keyword %q", k.Name)
	}
	if k.Run == nil {
		return fmt.Errorf("console: keyword %s has no handler", k.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.keywords[k.Name]; dup {
		return fmt.Errorf("console: keyword %s already registered", k.Name)
	}
	s.keywords[k.Name] = k
	return nil
}

func (s *Shell) help(w io.Writer, _ []string) error {
	s.mu.RLock()
	ks := make([]Keyword, 0, len(s.keywords))
	for _, k := range s.keywords {
		ks = append(ks, k)
	}
	s.mu.RUnlock()
	sort.Slice(ks, func(i, j int) bool { return ks[i].Name < ks[j].Name })
	for _, k := range ks {
		if _, err := fmt.Fprintf(w, "%-16s %s\r\n", k.Name, k.Help); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs one input line. It returns the keyword when it should repeat.
func (s *Shell) Exec(w io.Writer, line string) (*Keyword, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil, nil
	}
	s.mu.RLock()
	k, ok := s.keywords[fields[0]]
	s.mu.RUnlock()
	if !ok {
		_, err := fmt.Fprintf(w, "Unknown command: %s\r\n", fields[0])
		return nil, nil, err
	}
	args := fields[1:]
	if err := k.Run(w, args); err != nil {
		return nil, nil, fmt.Errorf("console: %s: %w", k.Name, err)
	}
	if k.Repeat {
		return &k, args, nil
	}
	return nil, nil, nil
}

// Serve reads lines from rw until EOF or ctx is done. Handler errors are
// reported to the peer and do not end the session; write errors do.
func (s *Shell) Serve(ctx context.Context, rw io.ReadWriter) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(rw)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var (
		active *Keyword
		args   []string
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	stop := func() {
		active = nil
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if active != nil {
				// Any input ends a repeating keyword.
				stop()
				continue
			}
			k, a, err := s.Exec(rw, line)
			if err != nil {
				if _, werr := fmt.Fprintf(rw, "ERROR: %v\r\n", err); werr != nil {
					return werr
				}
				continue
			}
			if k != nil {
				active, args = k, a
				ticker = time.NewTicker(s.repeatEvery)
				tickC = ticker.C
			}

		case <-tickC:
			if err := active.Run(rw, args); err != nil {
				name := active.Name
				stop()
				if _, werr := fmt.Fprintf(rw, "ERROR: console: %s: %v\r\n", name, err); werr != nil {
					return werr
				}
			}
		}
	}
}

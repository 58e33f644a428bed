package cli

import (
	"strings"
	"sync"
	"time"

	"github.com/psaab/p4rt/pkg/cmdtree"
)

// cacheTTL bounds how long completion reuses fetched switch and type names.
const cacheTTL = 2 * time.Second

// apiSource serves completion values from the API, cached briefly so that
// repeated tabs do not hit the daemon.
type apiSource struct {
	client *Client

	mu       sync.Mutex
	fetched  time.Time
	switches []string
	types    []string
}

func (s *apiSource) refresh() {
	if time.Since(s.fetched) < cacheTTL {
		return
	}
	s.fetched = time.Now()
	s.switches = s.switches[:0]
	if sws, err := s.client.Switches(); err == nil {
		for _, sw := range sws {
			s.switches = append(s.switches, sw.Name)
		}
	}
	if types, err := s.client.Types(); err == nil {
		s.types = types
	}
}

func (s *apiSource) SwitchNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return append([]string(nil), s.switches...)
}

func (s *apiSource) TypeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return append([]string(nil), s.types...)
}

func (c *CLI) source() cmdtree.Source { return c.src }

// completer implements readline.AutoCompleter over the command tree.
type completer struct {
	cli *CLI
}

// Do returns the completions for the word under the cursor. A single
// candidate completes fully; several complete to their common prefix.
func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.Complete(cmdtree.Tree, words, partial, cp.cli.source())
	var names []string
	for _, c := range candidates {
		// placeholders describe an argument, they are not typed
		if strings.HasPrefix(c.Name, "<") {
			continue
		}
		names = append(names, c.Name)
	}
	if len(names) == 0 {
		return nil, 0
	}
	if len(names) == 1 {
		return [][]rune{[]rune(names[0][len(partial):] + " ")}, len(partial)
	}
	prefix := cmdtree.CommonPrefix(names)
	if len(prefix) > len(partial) {
		return [][]rune{[]rune(prefix[len(partial):])}, len(partial)
	}
	out := make([][]rune, 0, len(names))
	for _, n := range names {
		out = append(out, []rune(n[len(partial):]))
	}
	return out, len(partial)
}

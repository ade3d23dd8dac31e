// Package dependency implements Depends-On discovery and strongly-connected-
// component cycle detection over the running cross-change dependency graph
// accumulated while enqueuing a change ahead of its dependents.
package dependency

import (
	"regexp"
	"strings"

	faster "github.com/go-faster/errors"

	"github.com/ridgeback/gatekeeper/pkg/change"
)

// dependsOnPattern matches a "Depends-On: <url>" commit message trailer,
// case-insensitively, one per line.
var dependsOnPattern = regexp.MustCompile(`(?im)^Depends-On:\s*(\S+)\s*$`)

// ExtractDependsOnURLs scans message for Depends-On headers and returns the
// referenced URLs in first-seen order with duplicates removed. A URL
// appearing more than once resolves first-seen-wins.
func ExtractDependsOnURLs(message string) []string {
	matches := dependsOnPattern.FindAllStringSubmatch(message, -1)
	seen := make(map[string]bool, len(matches))
	var urls []string
	for _, m := range matches {
		url := strings.TrimSpace(m[1])
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

// URLResolver resolves a Depends-On URL to the change it references. This
// is the source connector's getChangeByURL, scoped narrowly to what the
// resolver needs.
type URLResolver func(url string) (*change.Change, error)

// UpdateCommitDependencies resolves ch's Depends-On headers via resolve,
// drops already-merged dependencies, and returns the deduplicated needed
// keys. The caller writes this back onto the Change only if it differs
// from the previous value, keeping cache keys stable.
func UpdateCommitDependencies(ch *change.Change, resolve URLResolver) ([]change.Key, error) {
	urls := ExtractDependsOnURLs(ch.Message)
	seen := make(map[change.Key]bool)
	var needs []change.Key
	var errs []error

	for _, url := range urls {
		dep, err := resolve(url)
		if err != nil {
			errs = append(errs, faster.Wrapf(err, "resolve Depends-On url %q", url))
			continue
		}
		if dep == nil || dep.IsMerged {
			continue
		}
		if seen[dep.Key] {
			continue
		}
		seen[dep.Key] = true
		needs = append(needs, dep.Key)
	}

	if len(errs) > 0 {
		return needs, faster.Wrap(joinErrors(errs), "resolve commit dependencies")
	}
	return needs, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return faster.New(strings.Join(msgs, "; "))
}

// SameValues reports whether a and b contain the same keys regardless of
// order, used to decide whether a needs-list write-back is necessary.
func SameValues(a, b []change.Key) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[change.Key]int, len(a))
	for _, k := range a {
		counts[k]++
	}
	for _, k := range b {
		counts[k]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// Graph accumulates needs-edges between change keys while enqueuing a
// cycle ahead of its dependents.
type Graph struct {
	edges map[change.Key][]change.Key
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[change.Key][]change.Key)}
}

// AddEdge records that from needs to.
func (g *Graph) AddEdge(from, to change.Key) {
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// CycleFor returns the strongly-connected component containing key, or nil
// if key is not part of any cycle (a component of size < 2 is not a
// cycle). A change is a member of at most one SCC.
func (g *Graph) CycleFor(key change.Key) []change.Key {
	nodes := g.allNodes()
	nodeStrs := make([]string, len(nodes))
	index := make(map[string]change.Key, len(nodes))
	for i, n := range nodes {
		s := n.String()
		nodeStrs[i] = s
		index[s] = n
	}

	components := tarjan(nodeStrs, func(v string) []string {
		from := index[v]
		out := make([]string, len(g.edges[from]))
		for i, to := range g.edges[from] {
			out[i] = to.String()
		}
		return out
	})

	target := key.String()
	for _, comp := range components {
		for _, v := range comp {
			if v == target {
				keys := make([]change.Key, len(comp))
				for i, v2 := range comp {
					keys[i] = index[v2]
				}
				return keys
			}
		}
	}
	return nil
}

func (g *Graph) allNodes() []change.Key {
	seen := make(map[change.Key]bool)
	var nodes []change.Key
	for from, tos := range g.edges {
		if !seen[from] {
			seen[from] = true
			nodes = append(nodes, from)
		}
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				nodes = append(nodes, to)
			}
		}
	}
	return nodes
}

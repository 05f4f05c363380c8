// Package certvalidator provides X.509 certificate path validation.
// This file contains policy tree processing for RFC 5280 path validation.
package certvalidator

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// AnyPolicy is the special OID indicating acceptance of any policy.
const AnyPolicy = "2.5.29.32.0"

// NodeID identifies a node inside a PolicyTree.
type NodeID int

// NoNode is the NodeID of a missing node.
const NoNode NodeID = -1

// PolicyNode is one node of the valid policy tree. Parent and children are
// stored as ids into the owning tree.
type PolicyNode struct {
	Depth            int
	ValidPolicy      string
	ExpectedPolicies mapset.Set[string]
	Qualifiers       [][]byte
	Critical         bool

	parent   NodeID
	children []NodeID
	removed  bool
}

// PolicyTree is the valid_policy_tree of RFC 5280 6.1.2. Nodes live in a
// flat arena; levels[d] lists the live nodes at depth d.
type PolicyTree struct {
	nodes  []PolicyNode
	levels [][]NodeID
	root   NodeID
}

// NewPolicyTree creates the initial tree for a path of n certificates: a
// single anyPolicy root at depth 0.
func NewPolicyTree(n int) *PolicyTree {
	t := &PolicyTree{
		levels: make([][]NodeID, n+1),
		root:   NoNode,
	}
	t.root = t.insert(NoNode, 0, AnyPolicy, mapset.NewThreadUnsafeSet(AnyPolicy), nil, false)
	return t
}

// IsEmpty reports whether the tree has been reduced to nothing.
func (t *PolicyTree) IsEmpty() bool {
	return t == nil || t.root == NoNode
}

// Root returns the root node id, or NoNode for an empty tree.
func (t *PolicyTree) Root() NodeID {
	if t == nil {
		return NoNode
	}
	return t.root
}

// Node returns a copy of the node with the given id.
func (t *PolicyTree) Node(id NodeID) (PolicyNode, bool) {
	if t == nil || id < 0 || int(id) >= len(t.nodes) || t.nodes[id].removed {
		return PolicyNode{}, false
	}
	return t.nodes[id], true
}

// Parent returns the parent of a node, NoNode for the root.
func (t *PolicyTree) Parent(id NodeID) NodeID {
	if n, ok := t.Node(id); ok {
		return n.parent
	}
	return NoNode
}

// Children returns the children of a node.
func (t *PolicyTree) Children(id NodeID) []NodeID {
	if n, ok := t.Node(id); ok {
		return append([]NodeID(nil), n.children...)
	}
	return nil
}

// NodesAtDepth returns the live nodes at depth d.
func (t *PolicyTree) NodesAtDepth(d int) []NodeID {
	if t == nil || d < 0 || d >= len(t.levels) {
		return nil
	}
	return append([]NodeID(nil), t.levels[d]...)
}

// MaxDepth returns the deepest level holding a live node, or -1.
func (t *PolicyTree) MaxDepth() int {
	if t.IsEmpty() {
		return -1
	}
	for d := len(t.levels) - 1; d >= 0; d-- {
		if len(t.levels[d]) > 0 {
			return d
		}
	}
	return -1
}

// Size returns the number of live nodes.
func (t *PolicyTree) Size() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, level := range t.levels {
		n += len(level)
	}
	return n
}

// AddChild attaches a new node below parent and returns its id.
func (t *PolicyTree) AddChild(parent NodeID, oid string, expected mapset.Set[string], qualifiers [][]byte, critical bool) NodeID {
	p, ok := t.Node(parent)
	if !ok {
		return NoNode
	}
	return t.insert(parent, p.Depth+1, oid, expected, qualifiers, critical)
}

func (t *PolicyTree) insert(parent NodeID, depth int, oid string, expected mapset.Set[string], qualifiers [][]byte, critical bool) NodeID {
	if expected == nil {
		expected = mapset.NewThreadUnsafeSet[string]()
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, PolicyNode{
		Depth:            depth,
		ValidPolicy:      oid,
		ExpectedPolicies: expected,
		Qualifiers:       qualifiers,
		Critical:         critical,
		parent:           parent,
	})
	for len(t.levels) <= depth {
		t.levels = append(t.levels, nil)
	}
	t.levels[depth] = append(t.levels[depth], id)
	if parent != NoNode {
		t.nodes[parent].children = append(t.nodes[parent].children, id)
	}
	return id
}

// PruneIfChildless removes a node that has no children and reports whether
// it did so. The parent is left in place even if it becomes childless;
// callers re-scan shallower depths with PruneChildless. Removing the root
// empties the tree.
func (t *PolicyTree) PruneIfChildless(id NodeID) bool {
	n, ok := t.Node(id)
	if !ok || len(n.children) > 0 {
		return false
	}
	t.detach(id)
	return true
}

// PruneChildless removes every childless node from depth fromDepth up to
// the root, deepest level first.
func (t *PolicyTree) PruneChildless(fromDepth int) {
	if t.IsEmpty() {
		return
	}
	if fromDepth >= len(t.levels) {
		fromDepth = len(t.levels) - 1
	}
	for d := fromDepth; d >= 0; d-- {
		for _, id := range t.NodesAtDepth(d) {
			t.PruneIfChildless(id)
		}
	}
}

// RemoveSubtree deletes a node together with all of its descendants.
func (t *PolicyTree) RemoveSubtree(id NodeID) {
	n, ok := t.Node(id)
	if !ok {
		return
	}
	for _, child := range n.children {
		t.RemoveSubtree(child)
	}
	t.detach(id)
}

func (t *PolicyTree) detach(id NodeID) {
	n := &t.nodes[id]
	if n.parent != NoNode {
		t.nodes[n.parent].children = removeID(t.nodes[n.parent].children, id)
	}
	t.levels[n.Depth] = removeID(t.levels[n.Depth], id)
	n.removed = true
	n.children = nil
	if id == t.root {
		t.root = NoNode
		for d := range t.levels {
			t.levels[d] = nil
		}
	}
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// ValidPolicies returns the valid policies of the nodes at depth d,
// excluding anyPolicy.
func (t *PolicyTree) ValidPolicies(d int) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for _, id := range t.NodesAtDepth(d) {
		if p := t.nodes[id].ValidPolicy; p != AnyPolicy {
			out.Add(p)
		}
	}
	return out
}

// String renders the tree one node per line, indented by depth.
func (t *PolicyTree) String() string {
	if t.IsEmpty() {
		return "<empty>"
	}
	var b strings.Builder
	var walk func(id NodeID)
	walk = func(id NodeID) {
		n := t.nodes[id]
		expected := n.ExpectedPolicies.ToSlice()
		sort.Strings(expected)
		fmt.Fprintf(&b, "%s%s {%s}", strings.Repeat("  ", n.Depth), n.ValidPolicy, strings.Join(expected, ","))
		if n.Critical {
			b.WriteString(" critical")
		}
		b.WriteByte('\n')
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return b.String()
}

// processCertificatePolicies applies RFC 5280 6.1.3 (d) for the certificate
// at depth i.
func (t *PolicyTree) processCertificatePolicies(i int, policies []CertificatePolicy, anyPolicyAllowed, critical bool) {
	var certAnyPolicy *CertificatePolicy

	// (d)(1)
	for k := range policies {
		policy := &policies[k]
		if policy.PolicyIdentifier == AnyPolicy {
			certAnyPolicy = policy
			continue
		}

		matched := false
		for _, parent := range t.NodesAtDepth(i - 1) {
			if t.nodes[parent].ExpectedPolicies.Contains(policy.PolicyIdentifier) {
				t.AddChild(parent, policy.PolicyIdentifier, mapset.NewThreadUnsafeSet(policy.PolicyIdentifier), policy.Qualifiers, critical)
				matched = true
			}
		}
		if matched {
			continue
		}
		for _, parent := range t.NodesAtDepth(i - 1) {
			if t.nodes[parent].ValidPolicy == AnyPolicy {
				t.AddChild(parent, policy.PolicyIdentifier, mapset.NewThreadUnsafeSet(policy.PolicyIdentifier), policy.Qualifiers, critical)
			}
		}
	}

	// (d)(2)
	if certAnyPolicy != nil && anyPolicyAllowed {
		for _, parent := range t.NodesAtDepth(i - 1) {
			existing := mapset.NewThreadUnsafeSet[string]()
			for _, c := range t.nodes[parent].children {
				existing.Add(t.nodes[c].ValidPolicy)
			}
			expected := t.nodes[parent].ExpectedPolicies.ToSlice()
			sort.Strings(expected)
			for _, p := range expected {
				if existing.Contains(p) {
					continue
				}
				t.AddChild(parent, p, mapset.NewThreadUnsafeSet(p), certAnyPolicy.Qualifiers, critical)
			}
		}
	}

	// (d)(3)
	t.PruneChildless(i - 1)
}

// applyPolicyMappings applies RFC 5280 6.1.4 (b) at depth i. Mappings are
// grouped by issuer domain policy in order of first appearance.
func (t *PolicyTree) applyPolicyMappings(i int, mappings []PolicyMapping, mappingAllowed bool) {
	var order []string
	mapped := make(map[string]mapset.Set[string])
	for _, m := range mappings {
		if _, ok := mapped[m.IssuerDomainPolicy]; !ok {
			order = append(order, m.IssuerDomainPolicy)
			mapped[m.IssuerDomainPolicy] = mapset.NewThreadUnsafeSet[string]()
		}
		mapped[m.IssuerDomainPolicy].Add(m.SubjectDomainPolicy)
	}

	for _, idp := range order {
		if t.IsEmpty() {
			return
		}
		if !mappingAllowed {
			for _, id := range t.NodesAtDepth(i) {
				if t.nodes[id].ValidPolicy == idp {
					t.RemoveSubtree(id)
				}
			}
			t.PruneChildless(i - 1)
			continue
		}

		matched := false
		anyNode := NoNode
		for _, id := range t.NodesAtDepth(i) {
			switch t.nodes[id].ValidPolicy {
			case idp:
				t.nodes[id].ExpectedPolicies = mapped[idp].Clone()
				matched = true
			case AnyPolicy:
				anyNode = id
			}
		}
		if !matched && anyNode != NoNode {
			wildcard := t.nodes[anyNode]
			t.AddChild(wildcard.parent, idp, mapped[idp].Clone(), wildcard.Qualifiers, wildcard.Critical)
		}
	}
}

// intersectWith applies RFC 5280 6.1.5 (g)(iii) for a path of length n
// against an explicit set of user-initial policies.
func (t *PolicyTree) intersectWith(n int, userPolicies mapset.Set[string]) {
	if t.IsEmpty() {
		return
	}

	// (1) the nodes whose parent is anyPolicy
	var domain []NodeID
	var collect func(id NodeID)
	collect = func(id NodeID) {
		for _, c := range t.nodes[id].children {
			domain = append(domain, c)
			if t.nodes[c].ValidPolicy == AnyPolicy {
				collect(c)
			}
		}
	}
	collect(t.root)

	// (2) drop the ones outside the user set
	present := mapset.NewThreadUnsafeSet[string]()
	for _, id := range domain {
		node := t.nodes[id]
		if node.removed {
			continue
		}
		if node.ValidPolicy != AnyPolicy && !userPolicies.Contains(node.ValidPolicy) {
			t.RemoveSubtree(id)
			continue
		}
		present.Add(node.ValidPolicy)
	}

	// (3) replace a leaf anyPolicy node by the missing user policies
	for _, id := range t.NodesAtDepth(n) {
		node := t.nodes[id]
		if node.ValidPolicy != AnyPolicy {
			continue
		}
		wanted := userPolicies.ToSlice()
		sort.Strings(wanted)
		for _, p := range wanted {
			if !present.Contains(p) {
				t.AddChild(node.parent, p, mapset.NewThreadUnsafeSet(p), node.Qualifiers, node.Critical)
			}
		}
		t.RemoveSubtree(id)
	}

	// (4)
	t.PruneChildless(n - 1)
}

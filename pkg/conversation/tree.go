package conversation

import (
	"sort"
)

// The functions in this file are pure views over a snapshot of one
// conversation's messages. They must stay total over arbitrary, possibly
// inconsistent input: an orphaned parent pointer terminates traversal early
// instead of failing, and every walk is bounded by the size of the snapshot so
// malformed child links cannot loop forever.

func buildIndex(messages []*Message) map[MessageID]*Message {
	index := make(map[MessageID]*Message, len(messages))
	for _, msg := range messages {
		index[msg.ID] = msg
	}
	return index
}

// latestMessage returns the message with the maximum timestamp; on equal
// timestamps the most recently created (later in the snapshot) wins.
func latestMessage(messages []*Message) *Message {
	var latest *Message
	for _, msg := range messages {
		if latest == nil || !msg.Timestamp.Before(latest.Timestamp) {
			latest = msg
		}
	}
	return latest
}

// PathToLeaf returns the chronological root-to-leaf path ending at leafID.
// When leafID is not present in the snapshot it falls back to the most
// recently created message. The root node is skipped unless includeRoot is
// set. An empty snapshot yields an empty path.
func PathToLeaf(messages []*Message, leafID MessageID, includeRoot bool) Thread {
	index := buildIndex(messages)

	start, ok := index[leafID]
	if !ok {
		start = latestMessage(messages)
	}
	if start == nil {
		return nil
	}

	path := make(Thread, 0, len(messages))
	for node, steps := start, 0; node != nil && steps <= len(messages); steps++ {
		if !node.IsRoot() || includeRoot {
			path = append(path, node)
		}
		if node.ParentID == nil {
			break
		}
		node = index[*node.ParentID]
	}

	sort.SliceStable(path, func(i, j int) bool {
		return path[i].Timestamp.Before(path[j].Timestamp)
	})

	return path
}

// ResolveLeaf follows the most recent branch (the last child) down from
// startID until it reaches a node with no children and returns that node's
// id. startID is returned unchanged when it has no children or is absent from
// the snapshot.
func ResolveLeaf(messages []*Message, startID MessageID) MessageID {
	index := buildIndex(messages)

	node, ok := index[startID]
	if !ok {
		return startID
	}

	seen := make(map[MessageID]bool, len(messages))
	for node.HasChildren() && !seen[node.ID] {
		seen[node.ID] = true
		next, ok := index[node.ChildIDs[len(node.ChildIDs)-1]]
		if !ok {
			break
		}
		node = next
	}

	return node.ID
}

// CollectDescendants returns every message id reachable from rootID through
// child links, breadth first, not including rootID itself. It is used to
// compute cascading-delete sets.
func CollectDescendants(messages []*Message, rootID MessageID) []MessageID {
	index := buildIndex(messages)

	root, ok := index[rootID]
	if !ok {
		return nil
	}

	var descendants []MessageID
	seen := map[MessageID]bool{rootID: true}
	queue := append([]MessageID{}, root.ChildIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		descendants = append(descendants, id)
		if node, ok := index[id]; ok {
			queue = append(queue, node.ChildIDs...)
		}
	}

	return descendants
}

// SiblingSet describes the branches available at one position in the tree.
// LeafIDs holds each sibling branch resolved to its current tip via
// ResolveLeaf, so navigating to a sibling always lands on that branch's leaf.
// Index is the 0-based position of the message within its parent's raw child
// list.
type SiblingSet struct {
	LeafIDs []MessageID
	Index   int
}

// TotalSiblings is the number of branches at this position, including the
// message's own branch.
func (s SiblingSet) TotalSiblings() int {
	return len(s.LeafIDs)
}

// SiblingsOf returns the sibling branches of messageID. A message with no
// parent (or an orphaned parent pointer) has only its own branch: a
// single-element set at index 0.
func SiblingsOf(messages []*Message, messageID MessageID) SiblingSet {
	index := buildIndex(messages)

	node, ok := index[messageID]
	if !ok || node.ParentID == nil {
		return SiblingSet{LeafIDs: []MessageID{messageID}, Index: 0}
	}

	parent, ok := index[*node.ParentID]
	if !ok {
		return SiblingSet{LeafIDs: []MessageID{messageID}, Index: 0}
	}

	leafIDs := make([]MessageID, 0, len(parent.ChildIDs))
	position := 0
	for i, childID := range parent.ChildIDs {
		if childID == messageID {
			position = i
		}
		leafIDs = append(leafIDs, ResolveLeaf(messages, childID))
	}

	return SiblingSet{LeafIDs: leafIDs, Index: position}
}

// DisplayedMessage pairs a message on the current path with the sibling
// metadata the UI needs for previous/next branch affordances.
type DisplayedMessage struct {
	Message  *Message
	Siblings SiblingSet
}

// DisplayPath returns the displayed (non-root) messages on the path to leafID
// together with per-message sibling positions.
func DisplayPath(messages []*Message, leafID MessageID) []DisplayedMessage {
	path := PathToLeaf(messages, leafID, true)

	displayed := make([]DisplayedMessage, 0, len(path))
	for _, msg := range path {
		if msg.IsRoot() {
			continue
		}
		displayed = append(displayed, DisplayedMessage{
			Message:  msg,
			Siblings: SiblingsOf(messages, msg.ID),
		})
	}

	return displayed
}

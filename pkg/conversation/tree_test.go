package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLinearTree creates root -> user -> assistant and returns the snapshot
// in creation order.
func buildLinearTree(t *testing.T) (ConversationID, []*Message) {
	t.Helper()

	convID := NewConversationID()
	base := time.Now()

	root := NewRootMessage(convID)
	root.Timestamp = base

	user := NewUserMessage(convID, "hello", WithParentID(root.ID), WithTimestamp(base.Add(time.Second)))
	root.ChildIDs = append(root.ChildIDs, user.ID)

	assistant := NewAssistantMessage(convID, "hi there", WithParentID(user.ID), WithTimestamp(base.Add(2*time.Second)))
	user.ChildIDs = append(user.ChildIDs, assistant.ID)

	return convID, []*Message{root, user, assistant}
}

func addBranch(parent *Message, child *Message) {
	parent.ChildIDs = append(parent.ChildIDs, child.ID)
}

func TestPathToLeafLinear(t *testing.T) {
	_, msgs := buildLinearTree(t)
	leaf := msgs[2]

	path := PathToLeaf(msgs, leaf.ID, false)
	require.Len(t, path, 2)
	assert.Equal(t, RoleUser, path[0].Role)
	assert.Equal(t, leaf.ID, path[1].ID)

	withRoot := PathToLeaf(msgs, leaf.ID, true)
	require.Len(t, withRoot, 3)
	assert.True(t, withRoot[0].IsRoot())
}

func TestPathToLeafAscendingTimestamps(t *testing.T) {
	_, msgs := buildLinearTree(t)

	path := PathToLeaf(msgs, msgs[2].ID, true)
	for i := 1; i < len(path); i++ {
		assert.False(t, path[i].Timestamp.Before(path[i-1].Timestamp))
	}
}

func TestPathToLeafMissingLeafFallsBackToLatest(t *testing.T) {
	_, msgs := buildLinearTree(t)

	path := PathToLeaf(msgs, NewMessageID(), false)
	require.NotEmpty(t, path)
	assert.Equal(t, msgs[2].ID, path[len(path)-1].ID)
}

func TestPathToLeafEmptySnapshot(t *testing.T) {
	path := PathToLeaf(nil, NewMessageID(), true)
	assert.Empty(t, path)
}

func TestPathToLeafOrphanedParentTerminates(t *testing.T) {
	convID := NewConversationID()
	missing := NewMessageID()
	orphan := NewUserMessage(convID, "orphan", WithParentID(missing))

	path := PathToLeaf([]*Message{orphan}, orphan.ID, false)
	require.Len(t, path, 1)
	assert.Equal(t, orphan.ID, path[0].ID)
}

func TestResolveLeafFollowsLastChild(t *testing.T) {
	convID, msgs := buildLinearTree(t)
	root, user := msgs[0], msgs[1]

	// second branch under the user message, created later
	alt := NewAssistantMessage(convID, "alternate", WithParentID(user.ID))
	addBranch(user, alt)
	msgs = append(msgs, alt)

	assert.Equal(t, alt.ID, ResolveLeaf(msgs, root.ID))
}

func TestResolveLeafNoChildren(t *testing.T) {
	_, msgs := buildLinearTree(t)
	leaf := msgs[2]

	assert.Equal(t, leaf.ID, ResolveLeaf(msgs, leaf.ID))
}

func TestResolveLeafAbsentID(t *testing.T) {
	_, msgs := buildLinearTree(t)
	unknown := NewMessageID()

	assert.Equal(t, unknown, ResolveLeaf(msgs, unknown))
}

func TestResolveLeafSelfReferenceTerminates(t *testing.T) {
	convID := NewConversationID()
	node := NewUserMessage(convID, "loop")
	node.ChildIDs = []MessageID{node.ID}

	assert.Equal(t, node.ID, ResolveLeaf([]*Message{node}, node.ID))
}

func TestCollectDescendants(t *testing.T) {
	convID, msgs := buildLinearTree(t)
	root, user, assistant := msgs[0], msgs[1], msgs[2]

	followUp := NewUserMessage(convID, "follow up", WithParentID(assistant.ID))
	addBranch(assistant, followUp)
	msgs = append(msgs, followUp)

	descendants := CollectDescendants(msgs, user.ID)
	require.Len(t, descendants, 2)
	assert.Contains(t, descendants, assistant.ID)
	assert.Contains(t, descendants, followUp.ID)
	assert.NotContains(t, descendants, user.ID)
	assert.NotContains(t, descendants, root.ID)
}

func TestCollectDescendantsLeaf(t *testing.T) {
	_, msgs := buildLinearTree(t)
	assert.Empty(t, CollectDescendants(msgs, msgs[2].ID))
}

func TestSiblingsOfSingleBranch(t *testing.T) {
	_, msgs := buildLinearTree(t)
	user := msgs[1]

	siblings := SiblingsOf(msgs, user.ID)
	assert.Equal(t, 1, siblings.TotalSiblings())
	assert.Equal(t, 0, siblings.Index)
}

func TestSiblingsOfTwoBranches(t *testing.T) {
	convID, msgs := buildLinearTree(t)
	user := msgs[1]

	alt := NewAssistantMessage(convID, "alternate", WithParentID(user.ID))
	addBranch(user, alt)
	altChild := NewUserMessage(convID, "deeper", WithParentID(alt.ID))
	addBranch(alt, altChild)
	msgs = append(msgs, alt, altChild)

	siblings := SiblingsOf(msgs, msgs[2].ID)
	require.Equal(t, 2, siblings.TotalSiblings())
	assert.Equal(t, 0, siblings.Index)
	// siblings resolve to their branch tips, not the sibling nodes themselves
	assert.Equal(t, altChild.ID, siblings.LeafIDs[1])

	altSiblings := SiblingsOf(msgs, alt.ID)
	assert.Equal(t, 1, altSiblings.Index)
}

func TestSiblingsOfNoParent(t *testing.T) {
	_, msgs := buildLinearTree(t)
	root := msgs[0]

	siblings := SiblingsOf(msgs, root.ID)
	assert.Equal(t, 1, siblings.TotalSiblings())
	assert.Equal(t, []MessageID{root.ID}, siblings.LeafIDs)
}

func TestDisplayPathSkipsRoot(t *testing.T) {
	_, msgs := buildLinearTree(t)

	displayed := DisplayPath(msgs, msgs[2].ID)
	require.Len(t, displayed, 2)
	for _, d := range displayed {
		assert.False(t, d.Message.IsRoot())
		assert.GreaterOrEqual(t, d.Siblings.TotalSiblings(), 1)
	}
}

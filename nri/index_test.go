package nri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexApply(t *testing.T) {
	index := NewIndex()

	index.Apply(Message{
		Kind:        MessageAdd,
		ContainerID: "c1",
		Metadata: &ContainerMetadata{
			ContainerID:   "c1",
			ContainerName: "web",
			PodName:       "frontend",
			CgroupPath:    "/kubepods/pod1/c1",
		},
	})
	assert.Equal(t, 1, index.Len())

	metadata, ok := index.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "web", metadata.ContainerName)

	// An add for a known id refreshes the metadata.
	index.Apply(Message{
		Kind:        MessageAdd,
		ContainerID: "c1",
		Metadata:    &ContainerMetadata{ContainerID: "c1", ContainerName: "web-v2"},
	})
	metadata, ok = index.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "web-v2", metadata.ContainerName)

	index.Apply(Message{Kind: MessageRemove, ContainerID: "c1"})
	_, ok = index.Lookup("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, index.Len())
}

func TestIndexRemoveUnknown(t *testing.T) {
	index := NewIndex()
	index.Apply(Message{Kind: MessageRemove, ContainerID: "ghost"})
	assert.Equal(t, 0, index.Len())
}

func TestIndexAddWithoutMetadata(t *testing.T) {
	index := NewIndex()
	index.Apply(Message{Kind: MessageAdd, ContainerID: "c1"})
	assert.Equal(t, 0, index.Len())
}

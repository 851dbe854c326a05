package nri

// Index is the collector-side view of container metadata, keyed by
// container id. It is fed by draining the message channel on the polling
// thread and needs no locking.
type Index struct {
	byID map[string]*ContainerMetadata
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{byID: map[string]*ContainerMetadata{}}
}

// Apply folds one message into the index.
func (m *Index) Apply(msg Message) {
	switch msg.Kind {
	case MessageAdd:
		if msg.Metadata != nil {
			m.byID[msg.ContainerID] = msg.Metadata
		}
	case MessageRemove:
		delete(m.byID, msg.ContainerID)
	}
}

// Lookup returns the metadata for a container id.
func (m *Index) Lookup(containerID string) (*ContainerMetadata, bool) {
	metadata, ok := m.byID[containerID]
	return metadata, ok
}

// Len returns the number of known containers.
func (m *Index) Len() int {
	return len(m.byID)
}

package conversation

// Journal persists transcripts and continuation tokens so a conversation
// lineage survives a restart of the bridge.
type Journal interface {
	AppendEntry(sessionID string, seq int, entry Entry) error
	SetToken(sessionID, token string) error
	Load(sessionID string) ([]Entry, string, error)
	Close() error
}

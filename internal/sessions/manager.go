package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhubby/moltis-sub004/internal/providers"
)

// LogEntry is one line of a session's append-only JSONL message log.
// Seq is gap-free and strictly increasing within a session; it is
// regenerated (restarting at 1) whenever the log is rewritten by compaction.
type LogEntry struct {
	Seq        uint64           `json:"seq"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Ts         int64            `json:"ts"` // ms since epoch
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Channel    string           `json:"channel,omitempty"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Model      string           `json:"model,omitempty"`
	Provider   string           `json:"provider,omitempty"`
}

// Session stores conversation history for one agent+scope combination.
type Session struct {
	Key      string              `json:"key"`       // agent:{agentId}:{sessionKey}
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	// Fork/branch lineage (spec: Session.parent key + fork index).
	ParentKey string `json:"parentKey,omitempty"`
	ForkPoint int    `json:"forkPoint,omitempty"` // message count in parent at fork time

	// Metadata (matching TS SessionEntry subset)
	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Channel         string `json:"channel,omitempty"`
	InputTokens     int64  `json:"inputTokens,omitempty"`
	OutputTokens    int64  `json:"outputTokens,omitempty"`
	CompactionCount             int    `json:"compactionCount,omitempty"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount,omitempty"`
	MemoryFlushAt              int64  `json:"memoryFlushAt,omitempty"` // unix ms
	Label                      string `json:"label,omitempty"`
	SpawnedBy       string `json:"spawnedBy,omitempty"`
	SpawnDepth      int    `json:"spawnDepth,omitempty"`

	ContextWindow    int `json:"contextWindow,omitempty"`
	LastPromptTokens int `json:"lastPromptTokens,omitempty"`
	LastMessageCount int `json:"lastMessageCount,omitempty"`

	// persistedCount is how many leading entries of Messages have already
	// been appended to the on-disk JSONL log; Save() only appends the tail.
	// Reset to 0 whenever the log is rewritten (compaction, reset, delete).
	persistedCount int
	nextSeq        uint64
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// SessionKey builds a composite session key: agent:{agentId}:{scopeKey}
func SessionKey(agentID, scopeKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, scopeKey)
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	s := &Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	m.sessions[key] = s
	return s
}

// AddMessage appends a message to a session.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &Session{
			Key:      key,
			Messages: []providers.Message{},
			Created:  time.Now(),
		}
		m.sessions[key] = s
	}

	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// GetHistory returns a copy of the message history.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}

	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// GetSummary returns the session summary.
func (m *Manager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

// SetSummary updates the session summary.
func (m *Manager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Summary = summary
		s.Updated = time.Now()
	}
}

// SetLabel updates the session label.
func (m *Manager) SetLabel(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

// UpdateMetadata sets model/provider/channel metadata on a session.
func (m *Manager) UpdateMetadata(key, model, provider, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if model != "" {
			s.Model = model
		}
		if provider != "" {
			s.Provider = provider
		}
		if channel != "" {
			s.Channel = channel
		}
	}
}

// AccumulateTokens adds token counts from a completed run.
func (m *Manager) AccumulateTokens(key string, inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
	}
}

// IncrementCompaction bumps the compaction counter after summarization.
func (m *Manager) IncrementCompaction(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.CompactionCount++
	}
}

// GetCompactionCount returns the current compaction count for a session.
func (m *Manager) GetCompactionCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.CompactionCount
	}
	return 0
}

// GetMemoryFlushCompactionCount returns the compaction count at which memory flush last ran.
func (m *Manager) GetMemoryFlushCompactionCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.MemoryFlushCompactionCount
	}
	return -1 // never flushed
}

// SetMemoryFlushDone records that memory flush completed at the current compaction count.
func (m *Manager) SetMemoryFlushDone(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.MemoryFlushCompactionCount = s.CompactionCount
		s.MemoryFlushAt = time.Now().UnixMilli()
	}
}

// SetSpawnInfo sets subagent origin metadata on a session.
func (m *Manager) SetSpawnInfo(key, spawnedBy string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.SpawnedBy = spawnedBy
		s.SpawnDepth = depth
	}
}

// SetContextWindow caches the agent's context window on the session.
func (m *Manager) SetContextWindow(key string, cw int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.ContextWindow = cw
	}
}

// GetContextWindow returns the cached context window for a session (0 if unset).
func (m *Manager) GetContextWindow(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.ContextWindow
	}
	return 0
}

// SetLastPromptTokens records actual prompt tokens from the last LLM response.
func (m *Manager) SetLastPromptTokens(key string, tokens, msgCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.LastPromptTokens = tokens
		s.LastMessageCount = msgCount
	}
}

// GetLastPromptTokens returns the last known prompt tokens and message count.
func (m *Manager) GetLastPromptTokens(key string) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.LastPromptTokens, s.LastMessageCount
	}
	return 0, 0
}

// TruncateHistory keeps only the last N messages.
// The on-disk log is rewritten from scratch on the next Save (seq restarts
// at 1; old sequence numbers are never reused, matching the compaction
// invariant).
func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}

	if keepLast <= 0 {
		s.Messages = []providers.Message{}
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.persistedCount = 0
	s.nextSeq = 0
	s.Updated = time.Now()
}

// Reset clears a session's history and summary.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.Messages = []providers.Message{}
		s.Summary = ""
		s.persistedCount = 0
		s.nextSeq = 0
		s.Updated = time.Now()
	}
}

// Fork creates a new child session snapshotting the parent's current log
// length as the fork point. Appending to the child never mutates the
// parent.
func (m *Manager) Fork(parentKey, childKey string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.sessions[parentKey]
	if !ok {
		return nil
	}

	child := &Session{
		Key:       childKey,
		Messages:  append([]providers.Message(nil), parent.Messages...),
		Summary:   parent.Summary,
		ParentKey: parentKey,
		ForkPoint: len(parent.Messages),
		Created:   time.Now(),
		Updated:   time.Now(),
		Model:     parent.Model,
		Provider:  parent.Provider,
	}
	m.sessions[childKey] = child
	return child
}

// Delete removes a session entirely.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		logPath, metaPath, err := m.sessionPaths(key)
		if err != nil {
			return err
		}
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns metadata for all sessions, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []SessionInfo
	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return result
}

// LastUsedChannel finds the most recently updated channel session for an agent
// and extracts channel + chatID from the key. Returns ("", "") if none found.
// Used for heartbeat delivery target resolution (target="last").
func (m *Manager) LastUsedChannel(agentID string) (channel, chatID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var bestKey string
	var bestUpdated time.Time

	for key, s := range m.sessions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// Skip non-channel sessions (cron, subagent, heartbeat)
		rest := key[len(prefix):]
		if strings.HasPrefix(rest, "cron:") || strings.HasPrefix(rest, "subagent:") || strings.HasPrefix(rest, "heartbeat:") {
			continue
		}
		if s.Updated.After(bestUpdated) {
			bestUpdated = s.Updated
			bestKey = key
		}
	}

	if bestKey == "" {
		return "", ""
	}

	// Parse: agent:{agentId}:{channel}:{peerKind}:{chatId}
	parts := strings.SplitN(bestKey, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// sessionPaths returns the log (JSONL) and metadata (JSON sidecar) paths for a key.
func (m *Manager) sessionPaths(key string) (logPath, metaPath string, err error) {
	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return "", "", os.ErrInvalid
	}
	return filepath.Join(m.storage, filename+".jsonl"),
		filepath.Join(m.storage, filename+".meta.json"),
		nil
}

// Save persists a session to disk: new messages are appended as JSONL lines
// (one JSON object per line, gap-free increasing `seq`), and the
// non-message metadata is rewritten atomically as a small sidecar file.
// The message log is
// append-only except for compaction, which the Manager implements by
// resetting persistedCount/nextSeq to 0 so the next Save rewrites the log
// from scratch with seq restarting at 1.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	logPath, metaPath, err := m.sessionPaths(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	rewrite := s.persistedCount == 0
	var newEntries []LogEntry
	startSeq := s.nextSeq
	if rewrite {
		startSeq = 0
	}
	for i := s.persistedCount; i < len(s.Messages); i++ {
		startSeq++
		newEntries = append(newEntries, messageToEntry(s.Messages[i], startSeq))
	}

	meta := *s // shallow copy of scalar metadata fields (Messages/maps excluded by caller below)
	meta.Messages = nil
	m.mu.Unlock()

	if rewrite {
		if err := writeJSONLAtomic(m.storage, logPath, newEntries); err != nil {
			return err
		}
	} else if len(newEntries) > 0 {
		if err := appendJSONL(logPath, newEntries); err != nil {
			return err
		}
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.storage, metaPath, metaData); err != nil {
		return err
	}

	m.mu.Lock()
	s.persistedCount = len(s.Messages)
	s.nextSeq = startSeq
	m.mu.Unlock()
	return nil
}

func messageToEntry(msg providers.Message, seq uint64) LogEntry {
	return LogEntry{
		Seq:        seq,
		Role:       msg.Role,
		Content:    msg.Content,
		Ts:         time.Now().UnixMilli(),
		ToolCallID: msg.ToolCallID,
	}
}

func appendJSONL(path string, entries []LogEntry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return f.Sync()
}

func writeJSONLAtomic(dir, path string, entries []LogEntry) error {
	var buf strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(dir, path, []byte(buf.String()))
}

// writeFileAtomic writes data to path via temp-file-then-rename (write, fsync, rename).
func writeFileAtomic(dir, path string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".meta.json") {
			continue
		}

		metaData, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(metaData, &s); err != nil {
			continue
		}

		logName := strings.TrimSuffix(f.Name(), ".meta.json") + ".jsonl"
		var maxSeq uint64
		if logData, err := os.ReadFile(filepath.Join(m.storage, logName)); err == nil {
			s.Messages, maxSeq = entriesToMessages(logData)
		}
		s.persistedCount = len(s.Messages)
		s.nextSeq = maxSeq

		m.sessions[s.Key] = &s
	}
}

func entriesToMessages(data []byte) ([]providers.Message, uint64) {
	var msgs []providers.Message
	var maxSeq uint64
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		msgs = append(msgs, providers.Message{
			Role:       e.Role,
			Content:    e.Content,
			ToolCallID: e.ToolCallID,
		})
	}
	return msgs, maxSeq
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
